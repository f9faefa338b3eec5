package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackfillIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()
	legacy := seedLegacyWeek(t, e.db, userID, "이은지", "2025-07-21", sampleHabits())

	target := BackfillTarget{UserID: userID, ChildName: "이은지", WeekStartDate: "2025-07-21"}
	first, err := e.backfill.Backfill(ctx, []BackfillTarget{target})
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	assert.Equal(t, BackfillSucceeded, first.Results[0].Outcome)
	assert.Equal(t, 3, first.Results[0].HabitsCreated)
	assert.Equal(t, 11, first.Results[0].RecordsCreated)
	assert.EqualValues(t, 1, first.Before.Missing)
	assert.EqualValues(t, 0, first.After.Missing)
	assert.True(t, first.Improved)

	second, err := e.backfill.Backfill(ctx, []BackfillTarget{target})
	require.NoError(t, err)
	assert.Equal(t, BackfillSkipped, second.Results[0].Outcome)
	assert.Equal(t, "normalized week already exists", second.Results[0].Reason)
	assert.Equal(t, *first.Results[0].WeekID, *second.Results[0].WeekID)

	assert.EqualValues(t, 1, countRows(t, e.db, &db.Child{}))
	assert.EqualValues(t, 1, countRows(t, e.db, &db.Week{}))
	assert.EqualValues(t, 3, countRows(t, e.db, &db.Habit{}))
	assert.EqualValues(t, 11, countRows(t, e.db, &db.HabitRecord{}))

	var week db.Week
	require.NoError(t, e.db.First(&week).Error)
	assert.Equal(t, db.SourceBackfill, week.SourceVersion)
	assert.Equal(t, "good week", week.Reflection)
	assert.True(t, week.CreatedAt.Equal(legacy.CreatedAt), "creation time is carried over from the legacy row")

	var habit db.Habit
	require.NoError(t, e.db.Where("name = ?", "저녁 (18-21시) 일기").First(&habit).Error)
	assert.Equal(t, "저녁 (18-21시)", habit.TimePeriod)
	assert.Equal(t, 2, habit.DisplayOrder)

	snapshot, err := e.weeks.Snapshot(ctx, userID, "이은지", "2025-07-21")
	require.NoError(t, err)
	assert.True(t, snapshot.InSync)
}

func TestBackfillKeepsRepeatedHabitNames(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()
	seedLegacyWeek(t, e.db, userID, "이은지", "2025-07-21", []db.LegacyHabit{
		{ID: 1, Name: "독서", Times: vector(G, U, U, U, U, U, U)},
		{ID: 2, Name: "양치하기", Times: vector(G, G)},
		{ID: 3, Name: "독서", Times: vector(U, U, U, U, U, R, R)},
	})

	summary, err := e.backfill.BackfillAll(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, BackfillSucceeded, summary.Results[0].Outcome, summary.Results[0].Reason)
	assert.Equal(t, 3, summary.Results[0].HabitsCreated)
	assert.Equal(t, 5, summary.Results[0].RecordsCreated)

	report, err := e.verifier.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Empty(t, issuesOfType(report, IssueMissingWeek))
	assert.Empty(t, issuesOfType(report, IssueCountMismatch))
	assert.Empty(t, issuesOfType(report, IssueDataMismatch))
	assert.Equal(t, 1, report.Stats.Matched)

	// 同名时两边都只改第一个
	day := 1
	status := db.StatusYellow
	result, err := e.executor.UpdateHabitRecord(ctx, UpdateHabitRecordInput{
		UserID: userID, ChildName: "이은지", WeekStartDate: "2025-07-21",
		HabitName: "독서", DayIndex: &day, Status: &status,
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.Legacy.Updated)
	assert.True(t, result.Normalized.Updated)

	snapshot, err := e.weeks.Snapshot(ctx, userID, "이은지", "2025-07-21")
	require.NoError(t, err)
	assert.True(t, snapshot.InSync)
	require.Len(t, snapshot.Normalized.Habits, 3)
	assert.Equal(t, vector(G, Y, U, U, U, U, U), snapshot.Normalized.Habits[0].Times)
	assert.Equal(t, vector(U, U, U, U, U, R, R), snapshot.Normalized.Habits[2].Times)
}

func TestBackfillIsolatesFailures(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()
	seedLegacyWeek(t, e.db, userID, "이은지", "2025-07-21", sampleHabits())
	seedLegacyWeek(t, e.db, userID, "아빠", "2025-08-26", sampleHabits())

	summary, err := e.backfill.Backfill(ctx, []BackfillTarget{
		{ChildName: "없는 아이", WeekStartDate: "2025-07-21"},
		{ChildName: "아빠", WeekStartDate: "2025-08-26"},
		{ChildName: "이은지", WeekStartDate: "2025-07-21"},
		{ChildName: "이은지", WeekStartDate: "not-a-date"},
	})
	require.NoError(t, err)

	require.Len(t, summary.Results, 4)
	assert.Equal(t, BackfillFailed, summary.Results[0].Outcome)
	assert.Contains(t, summary.Results[0].Reason, "legacy week not found")
	assert.Equal(t, BackfillSkipped, summary.Results[1].Outcome)
	assert.Equal(t, BackfillSucceeded, summary.Results[2].Outcome)
	assert.Equal(t, BackfillFailed, summary.Results[3].Outcome)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Failed)
	assert.True(t, summary.HasFailures())
	assert.EqualValues(t, 1, countRows(t, e.db, &db.Week{}))
}

func TestBackfillAllFillsOnlyMissingMondays(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := e.executor.CreateWeek(ctx, sampleCreateInput(userID, "이은지", "2025-07-21"), nil)
	require.NoError(t, err)
	seedLegacyWeek(t, e.db, userID, "이은지", "2025-07-28", sampleHabits())
	seedLegacyWeek(t, e.db, userID, "이영신", "2025-07-28", nil)
	seedLegacyWeek(t, e.db, userID, "아빠", "2025-07-29", nil)

	targets, excluded, err := e.backfill.MissingTargets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, excluded)
	assert.ElementsMatch(t, []BackfillTarget{
		{UserID: userID, ChildName: "이은지", WeekStartDate: "2025-07-28"},
		{UserID: userID, ChildName: "이영신", WeekStartDate: "2025-07-28"},
	}, targets)

	summary, err := e.backfill.BackfillAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.False(t, summary.HasFailures())
	assert.EqualValues(t, 0, summary.After.Missing)
	assert.EqualValues(t, 1, summary.After.ExcludedNonMonday)

	// 已有孩子被复用，新孩子沿用旧表的创建时间
	assert.EqualValues(t, 2, countRows(t, e.db, &db.Child{}))
	var child db.Child
	require.NoError(t, e.db.Where("name = ?", "이영신").First(&child).Error)
	assert.Equal(t, db.SourceBackfill, child.SourceVersion)
	assert.True(t, child.CreatedAt.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))

	again, err := e.backfill.BackfillAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Results)

	report, err := e.verifier.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Empty(t, issuesOfType(report, IssueMissingWeek))
}

func TestBackfillHonoursCancellation(t *testing.T) {
	e := newTestEngine(t)
	seedLegacyWeek(t, e.db, uuid.New(), "이은지", "2025-07-21", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.backfill.Backfill(ctx, []BackfillTarget{{ChildName: "이은지", WeekStartDate: "2025-07-21"}})
	require.Error(t, err)
	assert.EqualValues(t, 0, countRows(t, e.db, &db.Week{}))
}

func TestParseBackfillTarget(t *testing.T) {
	cases := []struct {
		raw     string
		want    BackfillTarget
		wantErr bool
	}{
		{raw: "이은지@2025-07-21", want: BackfillTarget{ChildName: "이은지", WeekStartDate: "2025-07-21"}},
		{raw: " 아빠 @2025-08-25", want: BackfillTarget{ChildName: "아빠", WeekStartDate: "2025-08-25"}},
		{raw: "me@home@2025-08-25", want: BackfillTarget{ChildName: "me@home", WeekStartDate: "2025-08-25"}},
		{raw: "이은지", wantErr: true},
		{raw: "@2025-07-21", wantErr: true},
		{raw: "이은지@", wantErr: true},
		{raw: "이은지@21/07/2025", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseBackfillTarget(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				var validation *ValidationError
				assert.ErrorAs(t, err, &validation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.ChildName+"@"+tc.want.WeekStartDate, got.String())
		})
	}
}
