package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LegacyHabit 是旧表 habits 列 JSON 数组中的一项
type LegacyHabit struct {
	ID    int       `json:"id,omitempty"`
	Name  string    `json:"name"`
	Times DayVector `json:"times"`
}

// LegacyWeek 对应旧的单表结构 habit_tracker，一行即一个孩子的一周
// 迁移期间仍为唯一真实来源
type LegacyWeek struct {
	ID            uint                              `gorm:"primaryKey" json:"id"`
	UserID        uuid.UUID                         `gorm:"type:uuid;index;uniqueIndex:idx_habit_tracker_owner_week,priority:1" json:"user_id"`
	ChildName     string                            `gorm:"size:100;not null;index;uniqueIndex:idx_habit_tracker_owner_week,priority:2" json:"child_name"`
	WeekPeriod    string                            `gorm:"size:100" json:"week_period"`
	WeekStartDate string                            `gorm:"size:10;not null;index;uniqueIndex:idx_habit_tracker_owner_week,priority:3" json:"week_start_date"`
	Theme         string                            `json:"theme"`
	Reflection    datatypes.JSON                    `json:"reflection,omitempty"`
	Reward        string                            `json:"reward"`
	Habits        datatypes.JSONType[[]LegacyHabit] `json:"habits"`
	CreatedAt     time.Time                         `json:"created_at"`
	UpdatedAt     time.Time                         `json:"updated_at"`
}

// TableName 保持旧系统的表名
func (LegacyWeek) TableName() string {
	return "habit_tracker"
}

// HabitList 返回 habits 列中的数组
func (w *LegacyWeek) HabitList() []LegacyHabit {
	return w.Habits.Data()
}

// SetHabits 覆盖 habits 列
func (w *LegacyWeek) SetHabits(habits []LegacyHabit) {
	if habits == nil {
		habits = []LegacyHabit{}
	}
	w.Habits = datatypes.NewJSONType(habits)
}

// ReflectionText 把 reflection JSON 压平成规范化表的文本列
func (w *LegacyWeek) ReflectionText() string {
	return ReflectionText(w.Reflection)
}

// ReflectionText 把 reflection JSON 转成文本，字符串直接取值，其余保留原始 JSON
func ReflectionText(raw datatypes.JSON) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
