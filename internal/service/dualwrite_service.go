package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StepRecorder 接收双写进度，分发器把它绑定到幂等键
type StepRecorder interface {
	RecordStep(ctx context.Context, step string)
}

type noopStepRecorder struct{}

func (noopStepRecorder) RecordStep(context.Context, string) {}

// DualWriteExecutor 按固定顺序执行双写：先旧表，后规范化表。
// 规范化表的写入在一个事务内完成；旧表成功而规范化失败时返回 PartialWriteError。
type DualWriteExecutor struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewDualWriteExecutor 构造 DualWriteExecutor
func NewDualWriteExecutor(gdb *gorm.DB, log *logger.Logger) *DualWriteExecutor {
	return &DualWriteExecutor{db: gdb, log: log.With("component", "dual_write")}
}

// CreateWeekResult 是 create_week 的结果
type CreateWeekResult struct {
	LegacyID           uint           `json:"legacy_id"`
	ChildID            *uuid.UUID     `json:"child_id,omitempty"`
	WeekID             *uuid.UUID     `json:"week_id,omitempty"`
	HabitsCreated      int            `json:"habits_created"`
	RecordsCreated     int            `json:"records_created"`
	PerHabit           []HabitOutcome `json:"per_habit"`
	Overwritten        bool           `json:"overwritten"`
	NormalizedExcluded bool           `json:"normalized_excluded,omitempty"`
}

// StoreOutcome 描述单侧存储的更新结果
type StoreOutcome struct {
	Updated  bool   `json:"updated"`
	Excluded bool   `json:"excluded,omitempty"`
	Miss     string `json:"miss,omitempty"`
}

// UpdateHabitRecordResult 是 update_habit_record 的结果
type UpdateHabitRecordResult struct {
	HabitName  string       `json:"habit_name"`
	DayIndex   int          `json:"day_index"`
	RecordDate string       `json:"record_date"`
	Status     db.DayStatus `json:"status"`
	Legacy     StoreOutcome `json:"legacy"`
	Normalized StoreOutcome `json:"normalized"`
	Partial    bool         `json:"partial"`
}

// DeleteWeekResult 是 delete_week 的结果，两侧分别报告以便发现单边删除
type DeleteWeekResult struct {
	LegacyDeleted     bool  `json:"legacy_deleted"`
	LegacyRows        int64 `json:"legacy_rows"`
	NormalizedDeleted bool  `json:"normalized_deleted"`
	CascadeCount      int64 `json:"cascade_count"`
}

// CreateWeek 创建一周；已存在且未要求覆盖时返回 ConflictError
func (e *DualWriteExecutor) CreateWeek(ctx context.Context, in CreateWeekInput, rec StepRecorder) (*CreateWeekResult, error) {
	if rec == nil {
		rec = noopStepRecorder{}
	}
	start, err := db.ParseWeekDate(in.WeekStartDate)
	if err != nil {
		return nil, invalid("week_start_date", "%v", err)
	}
	gdb := e.db.WithContext(ctx)

	legacy, err := findLegacyWeek(gdb, in.UserID, in.ChildName, in.WeekStartDate)
	if err != nil {
		return nil, err
	}
	_, existingWeek, err := findNormalizedWeek(gdb, in.UserID, in.ChildName, in.WeekStartDate)
	if err != nil {
		return nil, err
	}
	if !in.Overwrite && (legacy != nil || existingWeek != nil) {
		return nil, &ConflictError{
			ChildName:        in.ChildName,
			WeekStartDate:    in.WeekStartDate,
			LegacyExists:     legacy != nil,
			NormalizedExists: existingWeek != nil,
		}
	}

	// 第一步：旧表
	row := legacy
	if row == nil {
		row = &db.LegacyWeek{UserID: in.UserID, ChildName: in.ChildName, WeekStartDate: in.WeekStartDate}
	}
	row.WeekPeriod = db.FormatWeekPeriod(start)
	row.Theme = in.Theme
	row.Reward = in.Reward
	row.Reflection = datatypes.JSON(in.Reflection)
	row.SetHabits(in.Habits)
	if err := gdb.Save(row).Error; err != nil {
		return nil, fmt.Errorf("write legacy week: %w", err)
	}
	rec.RecordStep(ctx, db.StepLegacyWritten)

	result := &CreateWeekResult{
		LegacyID:    row.ID,
		PerHabit:    []HabitOutcome{},
		Overwritten: legacy != nil || existingWeek != nil,
	}
	log := e.log.With("child_name", in.ChildName, "week_start_date", in.WeekStartDate, "legacy_id", row.ID)

	if !db.IsMonday(in.WeekStartDate) {
		result.NormalizedExcluded = true
		log.Info("week start is not a Monday, normalized write skipped")
		return result, nil
	}

	// 第二步：规范化表
	err = gdb.Transaction(func(tx *gorm.DB) error {
		child, _, err := resolveChild(tx, in.UserID, in.ChildName, db.SourceDualWrite, time.Time{})
		if err != nil {
			return err
		}
		week, err := findWeek(tx, child.ID, in.WeekStartDate)
		if err != nil {
			return err
		}
		if week != nil {
			if _, err := deleteWeekContents(tx, week.ID); err != nil {
				return err
			}
			week.UserID = in.UserID
			week.Theme = in.Theme
			week.Reward = in.Reward
			week.Reflection = db.ReflectionText(datatypes.JSON(in.Reflection))
			week.SourceVersion = db.SourceDualWrite
			if err := tx.Save(week).Error; err != nil {
				return fmt.Errorf("update week: %w", err)
			}
		} else {
			week = &db.Week{
				UserID:        in.UserID,
				ChildID:       child.ID,
				WeekStartDate: in.WeekStartDate,
				Theme:         in.Theme,
				Reflection:    db.ReflectionText(datatypes.JSON(in.Reflection)),
				Reward:        in.Reward,
				SourceVersion: db.SourceDualWrite,
			}
			if err := tx.Create(week).Error; err != nil {
				return fmt.Errorf("create week: %w", err)
			}
		}

		outcomes, records, err := insertHabits(tx, week.ID, in.WeekStartDate, in.Habits, db.SourceDualWrite, time.Time{})
		if err != nil {
			return err
		}
		result.ChildID = &child.ID
		result.WeekID = &week.ID
		result.PerHabit = outcomes
		result.HabitsCreated = len(outcomes)
		result.RecordsCreated = records
		return nil
	})
	if err != nil {
		log.Error("normalized write failed after legacy write", "error", err)
		return nil, &PartialWriteError{
			Operation: OpCreateWeek,
			Succeeded: SideLegacy,
			Failed:    SideNormalized,
			LegacyID:  row.ID,
			Err:       err,
		}
	}
	rec.RecordStep(ctx, db.StepNormalizedWritten)

	log.Info("week dual-written", "habits", result.HabitsCreated, "records", result.RecordsCreated, "overwritten", result.Overwritten)
	return result, nil
}

// errNormalizedMiss 表示规范化表中找不到目标，属于单边缺失而非故障
type errNormalizedMiss struct{ reason string }

func (e errNormalizedMiss) Error() string { return e.reason }

// UpdateHabitRecord 更新一个打卡位；空状态表示清除
func (e *DualWriteExecutor) UpdateHabitRecord(ctx context.Context, in UpdateHabitRecordInput, rec StepRecorder) (*UpdateHabitRecordResult, error) {
	if rec == nil {
		rec = noopStepRecorder{}
	}
	dayIndex := in.Day()
	status := in.NewStatus()
	recordDate, err := db.DayDate(in.WeekStartDate, dayIndex)
	if err != nil {
		return nil, invalid("day_index", "%v", err)
	}
	gdb := e.db.WithContext(ctx)
	log := e.log.With("child_name", in.ChildName, "week_start_date", in.WeekStartDate, "habit_name", in.HabitName, "day_index", dayIndex)

	result := &UpdateHabitRecordResult{
		HabitName:  in.HabitName,
		DayIndex:   dayIndex,
		RecordDate: recordDate,
		Status:     status,
	}

	// 第一步：旧表
	legacy, err := findLegacyWeek(gdb, in.UserID, in.ChildName, in.WeekStartDate)
	if err != nil {
		return nil, err
	}
	if legacy == nil {
		result.Legacy.Miss = "legacy week not found"
	} else {
		habits := legacy.HabitList()
		found := false
		for i := range habits {
			if habits[i].Name == in.HabitName {
				habits[i].Times[dayIndex] = status
				found = true
				break
			}
		}
		if !found {
			result.Legacy.Miss = fmt.Sprintf("habit %q not found in legacy week", in.HabitName)
		} else {
			legacy.SetHabits(habits)
			if err := gdb.Model(legacy).Select("habits", "updated_at").Updates(legacy).Error; err != nil {
				return nil, fmt.Errorf("update legacy habits: %w", err)
			}
			result.Legacy.Updated = true
			rec.RecordStep(ctx, db.StepLegacyWritten)
		}
	}

	// 第二步：规范化表
	if !db.IsMonday(in.WeekStartDate) {
		result.Normalized.Excluded = true
		result.Normalized.Miss = "week start is not a Monday; excluded from the normalized schema"
	} else {
		err = gdb.Transaction(func(tx *gorm.DB) error {
			return e.updateNormalizedRecord(tx, in, dayIndex, status, recordDate)
		})
		var miss errNormalizedMiss
		switch {
		case err == nil:
			result.Normalized.Updated = true
			rec.RecordStep(ctx, db.StepNormalizedWritten)
		case errors.As(err, &miss):
			result.Normalized.Miss = miss.reason
		case result.Legacy.Updated:
			log.Error("normalized record update failed after legacy write", "error", err)
			return nil, &PartialWriteError{
				Operation: OpUpdateHabitRecord,
				Succeeded: SideLegacy,
				Failed:    SideNormalized,
				LegacyID:  legacy.ID,
				Err:       err,
			}
		default:
			return nil, fmt.Errorf("update normalized record: %w", err)
		}
	}

	if !result.Legacy.Updated && !result.Normalized.Updated {
		misses := map[Side]string{SideLegacy: result.Legacy.Miss}
		if result.Normalized.Miss != "" {
			misses[SideNormalized] = result.Normalized.Miss
		}
		return nil, &NotFoundError{Entity: "habit record target", Misses: misses}
	}

	result.Partial = result.Legacy.Miss != "" || (result.Normalized.Miss != "" && !result.Normalized.Excluded)
	if result.Partial {
		log.Warn("habit record updated in one store only", "legacy_miss", result.Legacy.Miss, "normalized_miss", result.Normalized.Miss)
	}
	return result, nil
}

func (e *DualWriteExecutor) updateNormalizedRecord(tx *gorm.DB, in UpdateHabitRecordInput, dayIndex int, status db.DayStatus, recordDate string) error {
	child, week, err := findNormalizedWeek(tx, in.UserID, in.ChildName, in.WeekStartDate)
	if err != nil {
		return err
	}
	if child == nil {
		return errNormalizedMiss{reason: "child not found"}
	}
	if week == nil {
		return errNormalizedMiss{reason: "week not found"}
	}

	// 同名习惯取 display_order 最小的一个，与旧表按数组顺序取第一个保持一致
	var habit db.Habit
	if err := tx.Where("week_id = ? AND name = ?", week.ID, in.HabitName).Order("display_order ASC").First(&habit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errNormalizedMiss{reason: fmt.Sprintf("habit %q not found in normalized week", in.HabitName)}
		}
		return fmt.Errorf("find habit: %w", err)
	}

	if !status.IsSet() {
		if err := tx.Where("habit_id = ? AND day_index = ?", habit.ID, dayIndex).Delete(&db.HabitRecord{}).Error; err != nil {
			return fmt.Errorf("clear habit record: %w", err)
		}
		return nil
	}

	record := db.HabitRecord{
		HabitID:       habit.ID,
		RecordDate:    recordDate,
		DayIndex:      dayIndex,
		Status:        status,
		SourceVersion: db.SourceDualWrite,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "habit_id"}, {Name: "day_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "record_date", "source_version", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("upsert habit record: %w", err)
	}
	return nil
}

// DeleteWeek 删除两侧的一周，规范化表按习惯与打卡记录显式级联
func (e *DualWriteExecutor) DeleteWeek(ctx context.Context, in DeleteWeekInput, rec StepRecorder) (*DeleteWeekResult, error) {
	if rec == nil {
		rec = noopStepRecorder{}
	}
	gdb := e.db.WithContext(ctx)
	result := &DeleteWeekResult{}

	// 第一步：旧表
	query := gdb.Where("child_name = ? AND week_start_date = ?", in.ChildName, in.WeekStartDate)
	if in.UserID != uuid.Nil {
		query = query.Where("user_id = ?", in.UserID)
	}
	res := query.Delete(&db.LegacyWeek{})
	if res.Error != nil {
		return nil, fmt.Errorf("delete legacy week: %w", res.Error)
	}
	result.LegacyRows = res.RowsAffected
	result.LegacyDeleted = res.RowsAffected > 0
	if result.LegacyDeleted {
		rec.RecordStep(ctx, db.StepLegacyWritten)
	}

	// 第二步：规范化表
	err := gdb.Transaction(func(tx *gorm.DB) error {
		children, err := findChildren(tx, in.UserID, in.ChildName)
		if err != nil {
			return err
		}
		for _, child := range children {
			week, err := findWeek(tx, child.ID, in.WeekStartDate)
			if err != nil {
				return err
			}
			if week == nil {
				continue
			}
			cascaded, err := deleteWeekContents(tx, week.ID)
			if err != nil {
				return err
			}
			if err := tx.Delete(&db.Week{}, "id = ?", week.ID).Error; err != nil {
				return fmt.Errorf("delete week: %w", err)
			}
			result.NormalizedDeleted = true
			result.CascadeCount += cascaded
		}
		return nil
	})
	if err != nil {
		if result.LegacyDeleted {
			e.log.Error("normalized delete failed after legacy delete", "child_name", in.ChildName, "week_start_date", in.WeekStartDate, "error", err)
			return nil, &PartialWriteError{Operation: OpDeleteWeek, Succeeded: SideLegacy, Failed: SideNormalized, Err: err}
		}
		return nil, fmt.Errorf("delete normalized week: %w", err)
	}
	if result.NormalizedDeleted {
		rec.RecordStep(ctx, db.StepNormalizedWritten)
	}

	if result.LegacyDeleted != result.NormalizedDeleted {
		e.log.Warn("week deleted from one store only",
			"child_name", in.ChildName, "week_start_date", in.WeekStartDate,
			"legacy_deleted", result.LegacyDeleted, "normalized_deleted", result.NormalizedDeleted)
	}
	return result, nil
}
