package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupEngineTestDB 为每个测试创建独立的内存库，单连接保证事务串行
func setupEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err, "failed to open test database")

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb), "failed to migrate test database")
	return gdb
}

type testEngine struct {
	db         *gorm.DB
	ledger     *IdempotencyLedger
	executor   *DualWriteExecutor
	verifier   *ConsistencyVerifier
	backfill   *BackfillReconciler
	dispatcher *Dispatcher
	weeks      *WeekService
	notifier   *recordingNotifier
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	gdb := setupEngineTestDB(t)
	log := logger.NewNop()
	notifier := &recordingNotifier{}

	e := &testEngine{
		db:       gdb,
		ledger:   NewIdempotencyLedger(gdb, log),
		executor: NewDualWriteExecutor(gdb, log),
		verifier: NewConsistencyVerifier(gdb, log, notifier, VerifierOptions{SampleSize: 50}),
		backfill: NewBackfillReconciler(gdb, log, BackfillOptions{}),
		weeks:    NewWeekService(gdb),
		notifier: notifier,
	}
	e.dispatcher = NewDispatcher(e.ledger, e.executor, e.verifier, log)
	return e
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func vector(statuses ...db.DayStatus) db.DayVector {
	var v db.DayVector
	copy(v[:], statuses)
	return v
}

const (
	G = db.StatusGreen
	Y = db.StatusYellow
	R = db.StatusRed
	U = db.StatusUnset
)

func sampleHabits() []db.LegacyHabit {
	return []db.LegacyHabit{
		{ID: 1, Name: "아침 (6-9시) 독서", Times: vector(G, G, Y, U, R, U, U)},
		{ID: 2, Name: "양치하기", Times: vector(G, G, G, G, G, G, G)},
		{ID: 3, Name: "저녁 (18-21시) 일기", Times: vector()},
	}
}

func sampleCreateInput(userID uuid.UUID, child, date string) CreateWeekInput {
	return CreateWeekInput{
		UserID:        userID,
		ChildName:     child,
		WeekStartDate: date,
		Habits:        sampleHabits(),
		Theme:         "스스로 하기",
		Reward:        "공원 가기",
	}
}

// seedLegacyWeek 直接写入旧表，模拟双写上线前的历史数据
func seedLegacyWeek(t *testing.T, gdb *gorm.DB, userID uuid.UUID, child, date string, habits []db.LegacyHabit) *db.LegacyWeek {
	t.Helper()
	start, err := db.ParseWeekDate(date)
	require.NoError(t, err)
	row := &db.LegacyWeek{
		UserID:        userID,
		ChildName:     child,
		WeekStartDate: date,
		WeekPeriod:    db.FormatWeekPeriod(start),
		Theme:         "theme " + date,
		Reward:        "reward " + child,
		Reflection:    datatypes.JSON(`"good week"`),
		CreatedAt:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	row.SetHabits(habits)
	require.NoError(t, gdb.Create(row).Error)
	return row
}

func countRows(t *testing.T, gdb *gorm.DB, model interface{}) int64 {
	t.Helper()
	var total int64
	require.NoError(t, gdb.Model(model).Count(&total).Error)
	return total
}

func issuesOfType(report *Report, issueType string) []DriftIssue {
	var out []DriftIssue
	for _, issue := range report.Issues {
		if issue.Type == issueType {
			out = append(out, issue)
		}
	}
	return out
}
