package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"gorm.io/gorm"
)

// WeekService 读取同一周在两侧存储中的表示，供页面与排查使用
type WeekService struct {
	db *gorm.DB
}

// HabitView 是两侧统一的习惯视图：名称与 7 位打卡向量
type HabitView struct {
	Name         string       `json:"name"`
	TimePeriod   string       `json:"time_period,omitempty"`
	DisplayOrder int          `json:"display_order"`
	Times        db.DayVector `json:"times"`
}

// WeekStats 汇总一周的打卡情况
type WeekStats struct {
	FilledSlots    int     `json:"filled_slots"`
	TotalSlots     int     `json:"total_slots"`
	GreenCount     int     `json:"green_count"`
	YellowCount    int     `json:"yellow_count"`
	RedCount       int     `json:"red_count"`
	CompletionRate float64 `json:"completion_rate"`
	LongestStreak  int     `json:"longest_streak"`
}

// LegacyWeekView 是旧表中的一周
type LegacyWeekView struct {
	ID         uint        `json:"id"`
	WeekPeriod string      `json:"week_period"`
	Theme      string      `json:"theme"`
	Reward     string      `json:"reward"`
	Habits     []HabitView `json:"habits"`
	Stats      WeekStats   `json:"stats"`
}

// NormalizedWeekView 是规范化表中的一周
type NormalizedWeekView struct {
	WeekID        uuid.UUID   `json:"week_id"`
	ChildID       uuid.UUID   `json:"child_id"`
	WeekEndDate   string      `json:"week_end_date"`
	Theme         string      `json:"theme"`
	Reward        string      `json:"reward"`
	SourceVersion string      `json:"source_version"`
	Habits        []HabitView `json:"habits"`
	Stats         WeekStats   `json:"stats"`
}

// WeekSnapshot 并列展示两侧存储，InSync 表示习惯集合一致
type WeekSnapshot struct {
	ChildName     string              `json:"child_name"`
	WeekStartDate string              `json:"week_start_date"`
	Excluded      bool                `json:"excluded"`
	Legacy        *LegacyWeekView     `json:"legacy"`
	Normalized    *NormalizedWeekView `json:"normalized"`
	InSync        bool                `json:"in_sync"`
}

// ChildFilter 描述孩子列表的过滤条件
type ChildFilter struct {
	UserID uuid.UUID
	Search string
}

// NewWeekService 构造 WeekService
func NewWeekService(gdb *gorm.DB) *WeekService {
	return &WeekService{db: gdb}
}

// Snapshot 返回某个孩子某一周在两侧的表示；两侧都没有时返回 ErrWeekNotFound
func (s *WeekService) Snapshot(ctx context.Context, userID uuid.UUID, childName, weekStart string) (*WeekSnapshot, error) {
	childName = strings.TrimSpace(childName)
	start, err := db.ParseWeekDate(weekStart)
	if err != nil {
		return nil, invalid("week_start_date", "%v", err)
	}
	weekStart = start.Format(db.DateLayout)
	gdb := s.db.WithContext(ctx)

	snapshot := &WeekSnapshot{
		ChildName:     childName,
		WeekStartDate: weekStart,
		Excluded:      !db.IsMonday(weekStart),
	}

	legacy, err := findLegacyWeek(gdb, userID, childName, weekStart)
	if err != nil {
		return nil, err
	}
	if legacy != nil {
		habits := legacyHabitViews(legacy.HabitList())
		snapshot.Legacy = &LegacyWeekView{
			ID:         legacy.ID,
			WeekPeriod: legacy.WeekPeriod,
			Theme:      legacy.Theme,
			Reward:     legacy.Reward,
			Habits:     habits,
			Stats:      summarizeWeek(habits),
		}
	}

	child, week, err := findNormalizedWeek(gdb, userID, childName, weekStart)
	if err != nil {
		return nil, err
	}
	if week != nil {
		habits, err := loadHabitViews(gdb, week)
		if err != nil {
			return nil, err
		}
		snapshot.Normalized = &NormalizedWeekView{
			WeekID:        week.ID,
			ChildID:       child.ID,
			WeekEndDate:   week.WeekEndDate,
			Theme:         week.Theme,
			Reward:        week.Reward,
			SourceVersion: week.SourceVersion,
			Habits:        habits,
			Stats:         summarizeWeek(habits),
		}
	}

	if snapshot.Legacy == nil && snapshot.Normalized == nil {
		return nil, ErrWeekNotFound
	}
	if snapshot.Legacy != nil && snapshot.Normalized != nil {
		snapshot.InSync = snapshot.Legacy.Theme == snapshot.Normalized.Theme &&
			snapshot.Legacy.Reward == snapshot.Normalized.Reward &&
			sameHabits(snapshot.Legacy.Habits, snapshot.Normalized.Habits)
	}
	return snapshot, nil
}

// ListChildren 返回规范化表中的孩子，支持按用户与名称筛选
func (s *WeekService) ListChildren(ctx context.Context, filter ChildFilter) ([]db.Child, error) {
	var children []db.Child

	query := s.db.WithContext(ctx).Model(&db.Child{})
	if filter.UserID != uuid.Nil {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Search != "" {
		like := fmt.Sprintf("%%%s%%", strings.TrimSpace(filter.Search))
		query = query.Where("name LIKE ?", like)
	}

	if err := query.Order("name ASC").Find(&children).Error; err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return children, nil
}

// legacyHabitViews 把旧表 JSON 数组转成视图，保留数组顺序
func legacyHabitViews(habits []db.LegacyHabit) []HabitView {
	views := make([]HabitView, 0, len(habits))
	for idx, habit := range habits {
		views = append(views, HabitView{
			Name:         habit.Name,
			TimePeriod:   db.ExtractTimePeriod(habit.Name),
			DisplayOrder: idx,
			Times:        habit.Times,
		})
	}
	return views
}

// loadHabitViews 读取一周的习惯与打卡记录并重建 7 位向量
func loadHabitViews(tx *gorm.DB, week *db.Week) ([]HabitView, error) {
	var habits []db.Habit
	if err := tx.Where("week_id = ?", week.ID).Order("display_order ASC").Order("name ASC").Find(&habits).Error; err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	if len(habits) == 0 {
		return []HabitView{}, nil
	}

	ids := make([]uuid.UUID, 0, len(habits))
	for _, habit := range habits {
		ids = append(ids, habit.ID)
	}
	var records []db.HabitRecord
	if err := tx.Where("habit_id IN ?", ids).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list habit records: %w", err)
	}

	vectors := make(map[uuid.UUID]*db.DayVector, len(habits))
	views := make([]HabitView, len(habits))
	for i, habit := range habits {
		views[i] = HabitView{Name: habit.Name, TimePeriod: habit.TimePeriod, DisplayOrder: habit.DisplayOrder}
		vectors[habit.ID] = &views[i].Times
	}
	for _, record := range records {
		if vector, ok := vectors[record.HabitID]; ok && record.DayIndex >= 0 && record.DayIndex < db.DaysPerWeek {
			vector[record.DayIndex] = record.Status
		}
	}
	return views, nil
}

// sameHabits 比较习惯名称、顺序与每日打卡
func sameHabits(a, b []HabitView) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Times != b[i].Times {
			return false
		}
	}
	return true
}

// summarizeWeek 计算完成率与最长连续绿色天数
func summarizeWeek(habits []HabitView) WeekStats {
	stats := WeekStats{TotalSlots: len(habits) * db.DaysPerWeek}
	for _, habit := range habits {
		streak := 0
		for _, status := range habit.Times {
			switch status {
			case db.StatusGreen:
				stats.GreenCount++
			case db.StatusYellow:
				stats.YellowCount++
			case db.StatusRed:
				stats.RedCount++
			}
			if status == db.StatusGreen {
				streak++
				stats.LongestStreak = max(stats.LongestStreak, streak)
			} else {
				streak = 0
			}
		}
	}
	stats.FilledSlots = stats.GreenCount + stats.YellowCount + stats.RedCount
	if stats.FilledSlots > 0 {
		stats.CompletionRate = float64(stats.GreenCount) / float64(stats.FilledSlots)
	}
	return stats
}
