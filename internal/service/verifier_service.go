package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
	"gorm.io/gorm"
)

// Severity 是漂移问题的严重程度
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank 数值越大越严重
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// 漂移问题类型
const (
	IssueCountMismatch       = "COUNT_MISMATCH"
	IssueCountSurplus        = "COUNT_SURPLUS"
	IssueMissingChild        = "MISSING_CHILD"
	IssueMissingWeek         = "MISSING_WEEK"
	IssueDataMismatch        = "DATA_MISMATCH"
	IssueSourceVersionMix    = "SOURCE_VERSION_MIX"
	IssueOrphanedRecords     = "ORPHANED_RECORDS"
	IssueCountCheckFailed    = "COUNT_CHECK_FAILED"
	IssueSampleCheckFailed   = "SAMPLE_CHECK_FAILED"
	IssueSourceVersionFailed = "SOURCE_VERSION_CHECK_FAILED"
	IssueFKCheckFailed       = "FK_CHECK_FAILED"
)

const orphanSampleLimit = 5

// DriftIssue 是一次校验发现的单个问题，仅存在于报告中
type DriftIssue struct {
	Severity Severity               `json:"severity"`
	Type     string                 `json:"type"`
	Table    string                 `json:"table,omitempty"`
	Message  string                 `json:"message"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
}

// VerifyStats 汇总各轮检查的数据
type VerifyStats struct {
	Counts          CountSnapshot    `json:"counts"`
	SampleSize      int              `json:"sample_size"`
	Sampled         int              `json:"sampled"`
	Checked         int              `json:"checked"`
	Matched         int              `json:"matched"`
	Excluded        int              `json:"excluded"`
	Mismatches      int              `json:"mismatches"`
	SourceVersions  map[string]int64 `json:"source_versions"`
	OrphanedWeeks   int              `json:"orphaned_weeks"`
	OrphanedHabits  int              `json:"orphaned_habits"`
	OrphanedRecords int              `json:"orphaned_records"`
}

// Report 是一次一致性校验的结果
type Report struct {
	Consistent bool         `json:"consistent"`
	DriftRate  float64      `json:"drift_rate"`
	Stats      VerifyStats  `json:"stats"`
	Issues     []DriftIssue `json:"issues"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Alerted    bool         `json:"alerted"`
	duration   time.Duration
}

// Duration 返回校验耗时
func (r *Report) Duration() time.Duration {
	if r.duration > 0 {
		return r.duration
	}
	return time.Duration(r.DurationMS) * time.Millisecond
}

// HighestSeverity 返回报告中最严重的级别，没有问题时返回空
func (r *Report) HighestSeverity() Severity {
	var highest Severity
	for _, issue := range r.Issues {
		if issue.Severity.Rank() > highest.Rank() {
			highest = issue.Severity
		}
	}
	return highest
}

// CountBySeverity 按级别统计问题数量
func (r *Report) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int, 4)
	for _, issue := range r.Issues {
		counts[issue.Severity]++
	}
	return counts
}

// VerifierOptions 配置抽样规模、期望来源标记与告警超时
type VerifierOptions struct {
	SampleSize            int
	ExpectedSourceVersion string
	AlertTimeout          time.Duration
}

// ConsistencyVerifier 只读地比较两侧存储，四轮检查互不影响
type ConsistencyVerifier struct {
	db       *gorm.DB
	log      *logger.Logger
	notifier AlertNotifier
	opts     VerifierOptions
	now      func() time.Time
}

// NewConsistencyVerifier 构造 ConsistencyVerifier；notifier 可为 nil
func NewConsistencyVerifier(gdb *gorm.DB, log *logger.Logger, notifier AlertNotifier, opts VerifierOptions) *ConsistencyVerifier {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 10
	}
	if opts.ExpectedSourceVersion == "" {
		opts.ExpectedSourceVersion = db.SourceMigration
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = 5 * time.Second
	}
	return &ConsistencyVerifier{
		db:       gdb,
		log:      log.With("component", "verifier"),
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

// Verify 运行数量、抽样、来源、引用完整性四轮检查。
// 单轮失败转成 *_CHECK_FAILED 问题，不影响其余轮次；只有上下文取消才返回错误。
func (v *ConsistencyVerifier) Verify(ctx context.Context) (*Report, error) {
	started := v.now()
	report := &Report{StartedAt: started, Issues: []DriftIssue{}}
	report.Stats.SampleSize = v.opts.SampleSize

	v.checkCounts(ctx, report)
	v.checkSamples(ctx, report)
	v.checkSourceVersions(ctx, report)
	v.checkReferentialIntegrity(ctx, report)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verify consistency: %w", err)
	}

	sort.SliceStable(report.Issues, func(i, j int) bool {
		return report.Issues[i].Severity.Rank() > report.Issues[j].Severity.Rank()
	})
	// 分母是实际抽到的行数，非周一的行计入分母但不会产生不一致
	if report.Stats.Sampled > 0 {
		rate := float64(report.Stats.Mismatches) / float64(report.Stats.Sampled)
		report.DriftRate = math.Round(rate*10000) / 10000
	}
	report.Consistent = report.HighestSeverity().Rank() <= SeverityLow.Rank()
	report.duration = v.now().Sub(started)
	report.DurationMS = report.duration.Milliseconds()

	log := v.log.With("issues", len(report.Issues), "drift_rate", report.DriftRate, "duration_ms", report.DurationMS)
	if report.Consistent {
		log.Info("consistency check passed")
	} else {
		log.Warn("drift detected", "highest_severity", report.HighestSeverity())
	}

	if len(report.Issues) > 0 && v.notifier != nil {
		report.Alerted = v.sendAlert(ctx, report)
	}
	return report, nil
}

func (v *ConsistencyVerifier) sendAlert(ctx context.Context, report *Report) bool {
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.opts.AlertTimeout)
	defer cancel()

	if err := v.notifier.Notify(alertCtx, NewAlert(report)); err != nil {
		if errors.Is(err, ErrAlertNotConfigured) {
			v.log.Debug("alert webhook not configured, skipping notification")
			return false
		}
		v.log.Error("failed to send drift alert", "error", err)
		return false
	}
	return true
}

func (v *ConsistencyVerifier) checkCounts(ctx context.Context, report *Report) {
	counts, err := countStores(ctx, v.db)
	if err != nil {
		report.Issues = append(report.Issues, checkFailed(IssueCountCheckFailed, SeverityCritical, err))
		return
	}
	report.Stats.Counts = counts

	detail := map[string]interface{}{
		"legacy_weeks":        counts.LegacyWeeks,
		"legacy_monday_weeks": counts.LegacyMondayWeeks,
		"excluded_non_monday": counts.ExcludedNonMonday,
		"normalized_weeks":    counts.NormalizedWeeks,
	}
	switch {
	case counts.Missing > 0:
		detail["missing"] = counts.Missing
		detail["drift_percent"] = counts.DriftPercent
		report.Issues = append(report.Issues, DriftIssue{
			Severity: SeverityHigh,
			Type:     IssueCountMismatch,
			Table:    "weeks",
			Message:  fmt.Sprintf("%d Monday-start legacy weeks have no normalized week", counts.Missing),
			Detail:   detail,
		})
	case counts.Surplus > 0:
		detail["surplus"] = counts.Surplus
		report.Issues = append(report.Issues, DriftIssue{
			Severity: SeverityLow,
			Type:     IssueCountSurplus,
			Table:    "weeks",
			Message:  fmt.Sprintf("normalized store has %d more weeks than Monday-start legacy rows", counts.Surplus),
			Detail:   detail,
		})
	}
}

func (v *ConsistencyVerifier) checkSamples(ctx context.Context, report *Report) {
	var rows []db.LegacyWeek
	if err := v.db.WithContext(ctx).Order("RANDOM()").Limit(v.opts.SampleSize).Find(&rows).Error; err != nil {
		report.Issues = append(report.Issues, checkFailed(IssueSampleCheckFailed, SeverityCritical, err))
		return
	}
	report.Stats.Sampled = len(rows)

	for i := range rows {
		row := &rows[i]
		if !db.IsMonday(row.WeekStartDate) {
			report.Stats.Excluded++
			continue
		}
		report.Stats.Checked++

		issues, err := v.compareRow(ctx, row)
		if err != nil {
			report.Issues = append(report.Issues, checkFailed(IssueSampleCheckFailed, SeverityCritical, err))
			return
		}
		if len(issues) == 0 {
			report.Stats.Matched++
			continue
		}
		report.Stats.Mismatches++
		report.Issues = append(report.Issues, issues...)
	}
}

func (v *ConsistencyVerifier) compareRow(ctx context.Context, row *db.LegacyWeek) ([]DriftIssue, error) {
	gdb := v.db.WithContext(ctx)
	base := map[string]interface{}{
		"legacy_id":       row.ID,
		"child_name":      row.ChildName,
		"week_start_date": row.WeekStartDate,
	}

	child, week, err := findNormalizedWeek(gdb, row.UserID, row.ChildName, row.WeekStartDate)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return []DriftIssue{{
			Severity: SeverityCritical,
			Type:     IssueMissingChild,
			Table:    "children",
			Message:  fmt.Sprintf("child %q has no normalized record", row.ChildName),
			Detail:   base,
		}}, nil
	}
	if week == nil {
		return []DriftIssue{{
			Severity: SeverityCritical,
			Type:     IssueMissingWeek,
			Table:    "weeks",
			Message:  fmt.Sprintf("week %s for %q is missing from the normalized store", row.WeekStartDate, row.ChildName),
			Detail:   base,
		}}, nil
	}

	normalized, err := loadHabitViews(gdb, week)
	if err != nil {
		return nil, err
	}

	var mismatched []string
	if row.Theme != week.Theme {
		mismatched = append(mismatched, "theme")
	}
	if row.Reward != week.Reward {
		mismatched = append(mismatched, "reward")
	}
	if !sameHabits(legacyHabitViews(row.HabitList()), normalized) {
		mismatched = append(mismatched, "habits")
	}
	if len(mismatched) == 0 {
		return nil, nil
	}

	detail := make(map[string]interface{}, len(base)+2)
	for k, val := range base {
		detail[k] = val
	}
	detail["week_id"] = week.ID.String()
	detail["fields"] = mismatched
	return []DriftIssue{{
		Severity: SeverityMedium,
		Type:     IssueDataMismatch,
		Table:    "weeks",
		Message:  fmt.Sprintf("week %s for %q differs between stores", row.WeekStartDate, row.ChildName),
		Detail:   detail,
	}}, nil
}

func (v *ConsistencyVerifier) checkSourceVersions(ctx context.Context, report *Report) {
	var rows []struct {
		SourceVersion string
		Total         int64
	}
	err := v.db.WithContext(ctx).Model(&db.Week{}).
		Select("source_version, COUNT(*) AS total").
		Group("source_version").
		Scan(&rows).Error
	if err != nil {
		report.Issues = append(report.Issues, checkFailed(IssueSourceVersionFailed, SeverityMedium, err))
		return
	}

	tally := make(map[string]int64, len(rows))
	var unexpected int64
	for _, row := range rows {
		tally[row.SourceVersion] = row.Total
		if row.SourceVersion != v.opts.ExpectedSourceVersion {
			unexpected += row.Total
		}
	}
	report.Stats.SourceVersions = tally

	if unexpected > 0 {
		detail := make(map[string]interface{}, len(tally)+1)
		for tag, total := range tally {
			detail[tag] = total
		}
		detail["expected"] = v.opts.ExpectedSourceVersion
		report.Issues = append(report.Issues, DriftIssue{
			Severity: SeverityLow,
			Type:     IssueSourceVersionMix,
			Table:    "weeks",
			Message:  fmt.Sprintf("%d weeks carry a source version other than %q", unexpected, v.opts.ExpectedSourceVersion),
			Detail:   detail,
		})
	}
}

func (v *ConsistencyVerifier) checkReferentialIntegrity(ctx context.Context, report *Report) {
	gdb := v.db.WithContext(ctx)
	checks := []struct {
		table  string
		parent string
		query  *gorm.DB
		count  *int
	}{
		{
			table:  "weeks",
			parent: "children",
			query:  gdb.Model(&db.Week{}).Joins("LEFT JOIN children ON children.id = weeks.child_id").Where("children.id IS NULL"),
			count:  &report.Stats.OrphanedWeeks,
		},
		{
			table:  "habits",
			parent: "weeks",
			query:  gdb.Model(&db.Habit{}).Joins("LEFT JOIN weeks ON weeks.id = habits.week_id").Where("weeks.id IS NULL"),
			count:  &report.Stats.OrphanedHabits,
		},
		{
			table:  "habit_records",
			parent: "habits",
			query:  gdb.Model(&db.HabitRecord{}).Joins("LEFT JOIN habits ON habits.id = habit_records.habit_id").Where("habits.id IS NULL"),
			count:  &report.Stats.OrphanedRecords,
		},
	}

	for _, check := range checks {
		var ids []string
		if err := check.query.Pluck(check.table+".id", &ids).Error; err != nil {
			report.Issues = append(report.Issues, checkFailed(IssueFKCheckFailed, SeverityMedium, fmt.Errorf("%s: %w", check.table, err)))
			continue
		}
		*check.count = len(ids)
		if len(ids) == 0 {
			continue
		}
		sample := ids
		if len(sample) > orphanSampleLimit {
			sample = sample[:orphanSampleLimit]
		}
		report.Issues = append(report.Issues, DriftIssue{
			Severity: SeverityCritical,
			Type:     IssueOrphanedRecords,
			Table:    check.table,
			Message:  fmt.Sprintf("%d %s rows reference a missing %s row", len(ids), check.table, check.parent),
			Detail: map[string]interface{}{
				"count":      len(ids),
				"sample_ids": sample,
			},
		})
	}
}

func checkFailed(issueType string, severity Severity, err error) DriftIssue {
	return DriftIssue{
		Severity: severity,
		Type:     issueType,
		Message:  err.Error(),
	}
}
