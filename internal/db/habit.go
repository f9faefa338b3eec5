package db

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 数据来源标记，写入规范化表的 source_version 列
const (
	SourceMigration = "migration"
	SourceDualWrite = "dual_write"
	SourceBackfill  = "backfill"
)

// ErrWeekStartNotMonday 规范化周只接受周一开始的日期
var ErrWeekStartNotMonday = errors.New("week start date is not a Monday")

// Child 是规范化结构中的孩子，(user_id, name) 唯一
type Child struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_children_user_name,priority:1" json:"user_id"`
	Name          string    `gorm:"size:100;not null;uniqueIndex:idx_children_user_name,priority:2" json:"name"`
	SourceVersion string    `gorm:"size:32;not null;default:migration" json:"source_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (c *Child) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Week 对应旧表中周一开始的一行，(child_id, week_start_date) 唯一
type Week struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	ChildID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_weeks_child_start,priority:1" json:"child_id"`
	WeekStartDate string    `gorm:"size:10;not null;uniqueIndex:idx_weeks_child_start,priority:2;index" json:"week_start_date"`
	WeekEndDate   string    `gorm:"size:10;not null" json:"week_end_date"`
	Theme         string    `json:"theme"`
	Reflection    string    `gorm:"type:text" json:"reflection"`
	Reward        string    `json:"reward"`
	SourceVersion string    `gorm:"size:32;not null;default:migration;index" json:"source_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (w *Week) BeforeCreate(tx *gorm.DB) error {
	if !IsMonday(w.WeekStartDate) {
		return fmt.Errorf("%w: %s", ErrWeekStartNotMonday, w.WeekStartDate)
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.WeekEndDate == "" {
		end, err := WeekEndDate(w.WeekStartDate)
		if err != nil {
			return err
		}
		w.WeekEndDate = end
	}
	return nil
}

// Habit 是某一周内的一项习惯，DisplayOrder 保留旧表数组顺序
type Habit struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	WeekID        uuid.UUID `gorm:"type:uuid;not null;index:idx_habits_week_name,priority:1" json:"week_id"`
	Name          string    `gorm:"size:200;not null;index:idx_habits_week_name,priority:2" json:"name"`
	TimePeriod    string    `gorm:"size:50" json:"time_period,omitempty"`
	DisplayOrder  int       `gorm:"not null;default:0" json:"display_order"`
	SourceVersion string    `gorm:"size:32;not null;default:migration" json:"source_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (h *Habit) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// HabitRecord 记录某个习惯在某一天的打卡颜色
// habit_id + day_index 唯一，未填写的位置不落库
type HabitRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	HabitID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_habit_records_habit_day,priority:1" json:"habit_id"`
	RecordDate    string    `gorm:"size:10;not null;index" json:"record_date"`
	DayIndex      int       `gorm:"not null;uniqueIndex:idx_habit_records_habit_day,priority:2" json:"day_index"`
	Status        DayStatus `gorm:"type:varchar(10);not null" json:"status"`
	SourceVersion string    `gorm:"size:32;not null;default:migration" json:"source_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r *HabitRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.DayIndex < 0 || r.DayIndex >= DaysPerWeek {
		return fmt.Errorf("day index %d out of range", r.DayIndex)
	}
	return nil
}

var timePeriodPattern = regexp.MustCompile(`^([^)]+\))`)

// ExtractTimePeriod 取出习惯名开头到第一个右括号为止的时段，例如 "아침 (6-9시) 스스로 일어나기" -> "아침 (6-9시)"
func ExtractTimePeriod(name string) string {
	match := timePeriodPattern.FindStringSubmatch(name)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

// RecordsForVector 把 7 位打卡向量展开成记录，只保留已填写的位置
func RecordsForVector(habitID uuid.UUID, weekStart string, times DayVector, source string) ([]HabitRecord, error) {
	records := make([]HabitRecord, 0, times.FilledCount())
	for idx, status := range times {
		if !status.IsSet() {
			continue
		}
		date, err := DayDate(weekStart, idx)
		if err != nil {
			return nil, err
		}
		records = append(records, HabitRecord{
			HabitID:       habitID,
			RecordDate:    date,
			DayIndex:      idx,
			Status:        status,
			SourceVersion: source,
		})
	}
	return records, nil
}
