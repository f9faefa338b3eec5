package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
	"gorm.io/gorm"
)

// BackfillTarget 指定一个需要补写的 (孩子, 周)
type BackfillTarget struct {
	UserID        uuid.UUID `json:"user_id,omitempty"`
	ChildName     string    `json:"child_name"`
	WeekStartDate string    `json:"week_start_date"`
}

func (t BackfillTarget) String() string {
	return fmt.Sprintf("%s@%s", t.ChildName, t.WeekStartDate)
}

// ParseBackfillTarget 解析 "孩子名@YYYY-MM-DD"
func ParseBackfillTarget(raw string) (BackfillTarget, error) {
	idx := strings.LastIndex(raw, "@")
	if idx <= 0 || idx == len(raw)-1 {
		return BackfillTarget{}, invalid("target", "expected child@YYYY-MM-DD, got %q", raw)
	}
	return normalizeTarget(BackfillTarget{ChildName: raw[:idx], WeekStartDate: raw[idx+1:]})
}

// normalizeTarget 只做裁剪与日期校验：补写按旧表原样匹配孩子名，不做文本净化
func normalizeTarget(target BackfillTarget) (BackfillTarget, error) {
	target.ChildName = strings.TrimSpace(target.ChildName)
	if target.ChildName == "" {
		return BackfillTarget{}, invalid("child_name", "is required")
	}
	start, err := db.ParseWeekDate(target.WeekStartDate)
	if err != nil {
		return BackfillTarget{}, invalid("week_start_date", "%v", err)
	}
	target.WeekStartDate = start.Format(db.DateLayout)
	return target, nil
}

// BackfillOutcome 是单个目标的处理结果
type BackfillOutcome string

const (
	BackfillSucceeded BackfillOutcome = "success"
	BackfillSkipped   BackfillOutcome = "skipped"
	BackfillFailed    BackfillOutcome = "failed"
)

// BackfillResult 记录单个目标的处理情况
type BackfillResult struct {
	Target         BackfillTarget  `json:"target"`
	Outcome        BackfillOutcome `json:"outcome"`
	Reason         string          `json:"reason,omitempty"`
	WeekID         *uuid.UUID      `json:"week_id,omitempty"`
	HabitsCreated  int             `json:"habits_created"`
	RecordsCreated int             `json:"records_created"`
}

// BackfillSummary 汇总一次补写，并给出前后数量对比
type BackfillSummary struct {
	Results   []BackfillResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Before    CountSnapshot    `json:"before"`
	After     CountSnapshot    `json:"after"`
	Improved  bool             `json:"improved"`
}

// HasFailures 报告是否有目标失败
func (s *BackfillSummary) HasFailures() bool {
	return s.Failed > 0
}

// BackfillOptions 指定写入规范化表时的来源标记
type BackfillOptions struct {
	SourceVersion string
}

// BackfillReconciler 把旧表中缺失的周补写到规范化表。
// 每个目标独立事务，重复执行不会产生重复数据。
type BackfillReconciler struct {
	db     *gorm.DB
	log    *logger.Logger
	source string
}

// NewBackfillReconciler 构造 BackfillReconciler，默认来源标记为 backfill
func NewBackfillReconciler(gdb *gorm.DB, log *logger.Logger, opts BackfillOptions) *BackfillReconciler {
	source := strings.TrimSpace(opts.SourceVersion)
	if source == "" {
		source = db.SourceBackfill
	}
	return &BackfillReconciler{db: gdb, log: log.With("component", "backfill", "source_version", source), source: source}
}

// MissingTargets 扫描旧表中周一开始、但规范化表没有对应周的行；excluded 为跳过的非周一行数
func (r *BackfillReconciler) MissingTargets(ctx context.Context) ([]BackfillTarget, int, error) {
	gdb := r.db.WithContext(ctx)

	var legacyRows []db.LegacyWeek
	if err := gdb.Select("id", "user_id", "child_name", "week_start_date").
		Order("week_start_date ASC").Order("id ASC").
		Find(&legacyRows).Error; err != nil {
		return nil, 0, fmt.Errorf("scan legacy weeks: %w", err)
	}

	var present []struct {
		UserID        uuid.UUID
		Name          string
		WeekStartDate string
	}
	if err := gdb.Model(&db.Week{}).
		Select("children.user_id AS user_id, children.name AS name, weeks.week_start_date AS week_start_date").
		Joins("JOIN children ON children.id = weeks.child_id").
		Scan(&present).Error; err != nil {
		return nil, 0, fmt.Errorf("scan normalized weeks: %w", err)
	}

	byOwner := make(map[string]struct{}, len(present))
	byName := make(map[string]struct{}, len(present))
	for _, p := range present {
		byOwner[p.UserID.String()+"|"+p.Name+"|"+p.WeekStartDate] = struct{}{}
		byName[p.Name+"|"+p.WeekStartDate] = struct{}{}
	}

	targets := make([]BackfillTarget, 0)
	excluded := 0
	for _, row := range legacyRows {
		if !db.IsMonday(row.WeekStartDate) {
			excluded++
			continue
		}
		var found bool
		if row.UserID == uuid.Nil {
			_, found = byName[row.ChildName+"|"+row.WeekStartDate]
		} else {
			_, found = byOwner[row.UserID.String()+"|"+row.ChildName+"|"+row.WeekStartDate]
		}
		if !found {
			targets = append(targets, BackfillTarget{UserID: row.UserID, ChildName: row.ChildName, WeekStartDate: row.WeekStartDate})
		}
	}
	return targets, excluded, nil
}

// BackfillAll 补写所有缺失的周
func (r *BackfillReconciler) BackfillAll(ctx context.Context) (*BackfillSummary, error) {
	targets, excluded, err := r.MissingTargets(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Info("full backfill scan complete", "missing", len(targets), "excluded_non_monday", excluded)
	return r.Backfill(ctx, targets)
}

// Backfill 逐个处理目标，单个目标失败不影响其余目标
func (r *BackfillReconciler) Backfill(ctx context.Context, targets []BackfillTarget) (*BackfillSummary, error) {
	before, err := countStores(ctx, r.db)
	if err != nil {
		return nil, err
	}

	summary := &BackfillSummary{Results: make([]BackfillResult, 0, len(targets)), Before: before}
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backfill interrupted: %w", err)
		}

		result := r.backfillOne(ctx, target)
		switch result.Outcome {
		case BackfillSucceeded:
			summary.Succeeded++
		case BackfillSkipped:
			summary.Skipped++
		case BackfillFailed:
			summary.Failed++
			r.log.Warn("backfill target failed", "target", target.String(), "reason", result.Reason)
		}
		summary.Results = append(summary.Results, result)
	}

	after, err := countStores(ctx, r.db)
	if err != nil {
		return nil, err
	}
	summary.After = after
	summary.Improved = after.Missing <= before.Missing

	r.log.Info("backfill finished",
		"succeeded", summary.Succeeded, "skipped", summary.Skipped, "failed", summary.Failed,
		"missing_before", before.Missing, "missing_after", after.Missing)
	return summary, nil
}

func (r *BackfillReconciler) backfillOne(ctx context.Context, target BackfillTarget) BackfillResult {
	result := BackfillResult{Target: target}
	target, err := normalizeTarget(target)
	if err != nil {
		result.Outcome = BackfillFailed
		result.Reason = err.Error()
		return result
	}
	result.Target = target

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		legacy, err := findLegacyWeek(tx, target.UserID, target.ChildName, target.WeekStartDate)
		if err != nil {
			return err
		}
		if legacy == nil {
			return fmt.Errorf("legacy week not found")
		}
		if !db.IsMonday(legacy.WeekStartDate) {
			result.Outcome = BackfillSkipped
			result.Reason = "week start is not a Monday; excluded from the normalized schema"
			return nil
		}

		child, _, err := resolveChild(tx, legacy.UserID, legacy.ChildName, r.source, legacy.CreatedAt)
		if err != nil {
			return err
		}
		existing, err := findWeek(tx, child.ID, legacy.WeekStartDate)
		if err != nil {
			return err
		}
		if existing != nil {
			result.Outcome = BackfillSkipped
			result.Reason = "normalized week already exists"
			result.WeekID = &existing.ID
			return nil
		}

		week := db.Week{
			UserID:        legacy.UserID,
			ChildID:       child.ID,
			WeekStartDate: legacy.WeekStartDate,
			Theme:         legacy.Theme,
			Reflection:    legacy.ReflectionText(),
			Reward:        legacy.Reward,
			SourceVersion: r.source,
			CreatedAt:     legacy.CreatedAt,
		}
		if err := tx.Create(&week).Error; err != nil {
			return fmt.Errorf("create week: %w", err)
		}

		outcomes, records, err := insertHabits(tx, week.ID, week.WeekStartDate, legacy.HabitList(), r.source, legacy.CreatedAt)
		if err != nil {
			return err
		}
		result.Outcome = BackfillSucceeded
		result.WeekID = &week.ID
		result.HabitsCreated = len(outcomes)
		result.RecordsCreated = records
		return nil
	})
	if err != nil {
		return BackfillResult{Target: target, Outcome: BackfillFailed, Reason: err.Error()}
	}
	return result
}
