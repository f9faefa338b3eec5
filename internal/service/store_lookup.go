package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// findLegacyWeek 按 (user, child, date) 查找旧表行；userID 为空时只按孩子名与日期查找。
// 不存在时返回 nil, nil。
func findLegacyWeek(tx *gorm.DB, userID uuid.UUID, childName, weekStart string) (*db.LegacyWeek, error) {
	query := tx.Where("child_name = ? AND week_start_date = ?", childName, weekStart)
	if userID != uuid.Nil {
		query = query.Where("user_id = ?", userID)
	}

	var row db.LegacyWeek
	if err := query.Order("id ASC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find legacy week: %w", err)
	}
	return &row, nil
}

// findChildren 返回匹配的孩子；userID 为空时返回所有同名孩子。
func findChildren(tx *gorm.DB, userID uuid.UUID, name string) ([]db.Child, error) {
	query := tx.Where("name = ?", name)
	if userID != uuid.Nil {
		query = query.Where("user_id = ?", userID)
	}
	var children []db.Child
	if err := query.Order("created_at ASC").Find(&children).Error; err != nil {
		return nil, fmt.Errorf("find children: %w", err)
	}
	return children, nil
}

// findChild 返回第一个匹配的孩子，不存在时返回 nil, nil。
func findChild(tx *gorm.DB, userID uuid.UUID, name string) (*db.Child, error) {
	children, err := findChildren(tx, userID, name)
	if err != nil || len(children) == 0 {
		return nil, err
	}
	return &children[0], nil
}

// resolveChild 查找或创建孩子。并发创建时依赖 (user_id, name) 唯一索引，冲突后重新读取。
func resolveChild(tx *gorm.DB, userID uuid.UUID, name, source string, createdAt time.Time) (*db.Child, bool, error) {
	existing, err := findChild(tx, userID, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	child := db.Child{UserID: userID, Name: name, SourceVersion: source, CreatedAt: createdAt}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&child)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create child: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &child, true, nil
	}

	existing, err = findChild(tx, userID, name)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("child %q not visible after conflicting insert", name)
	}
	return existing, false, nil
}

// findWeek 查找孩子的某一周，不存在时返回 nil, nil。
func findWeek(tx *gorm.DB, childID uuid.UUID, weekStart string) (*db.Week, error) {
	var week db.Week
	if err := tx.Where("child_id = ? AND week_start_date = ?", childID, weekStart).First(&week).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find week: %w", err)
	}
	return &week, nil
}

// findNormalizedWeek 先定位孩子再定位周
func findNormalizedWeek(tx *gorm.DB, userID uuid.UUID, childName, weekStart string) (*db.Child, *db.Week, error) {
	children, err := findChildren(tx, userID, childName)
	if err != nil {
		return nil, nil, err
	}
	if len(children) == 0 {
		return nil, nil, nil
	}
	for i := range children {
		week, err := findWeek(tx, children[i].ID, weekStart)
		if err != nil {
			return nil, nil, err
		}
		if week != nil {
			return &children[i], week, nil
		}
	}
	return &children[0], nil, nil
}

// deleteWeekContents 删除周下所有习惯与打卡记录，返回删除的行数
func deleteWeekContents(tx *gorm.DB, weekID uuid.UUID) (int64, error) {
	habitIDs := tx.Model(&db.Habit{}).Select("id").Where("week_id = ?", weekID)
	records := tx.Where("habit_id IN (?)", habitIDs).Delete(&db.HabitRecord{})
	if records.Error != nil {
		return 0, fmt.Errorf("delete habit records: %w", records.Error)
	}
	habits := tx.Where("week_id = ?", weekID).Delete(&db.Habit{})
	if habits.Error != nil {
		return 0, fmt.Errorf("delete habits: %w", habits.Error)
	}
	return records.RowsAffected + habits.RowsAffected, nil
}

// HabitOutcome 记录单个习惯写入的打卡条数
type HabitOutcome struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
}

// insertHabits 按输入顺序写入习惯及其非空打卡位
func insertHabits(tx *gorm.DB, weekID uuid.UUID, weekStart string, habits []db.LegacyHabit, source string, createdAt time.Time) ([]HabitOutcome, int, error) {
	outcomes := make([]HabitOutcome, 0, len(habits))
	total := 0
	for idx, legacy := range habits {
		habit := db.Habit{
			WeekID:        weekID,
			Name:          legacy.Name,
			TimePeriod:    db.ExtractTimePeriod(legacy.Name),
			DisplayOrder:  idx,
			SourceVersion: source,
			CreatedAt:     createdAt,
		}
		if err := tx.Create(&habit).Error; err != nil {
			return nil, 0, fmt.Errorf("create habit %q: %w", legacy.Name, err)
		}

		records, err := db.RecordsForVector(habit.ID, weekStart, legacy.Times, source)
		if err != nil {
			return nil, 0, err
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return nil, 0, fmt.Errorf("create records for habit %q: %w", legacy.Name, err)
			}
		}
		outcomes = append(outcomes, HabitOutcome{Name: legacy.Name, Records: len(records)})
		total += len(records)
	}
	return outcomes, total, nil
}
