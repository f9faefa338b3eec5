package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func createPayload(t *testing.T, child, date string, overwrite bool) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"child_name":      child,
		"week_start_date": date,
		"theme":           "<b>스스로</b> 하기",
		"reward":          "공원 가기",
		"overwrite":       overwrite,
		"habits": []map[string]interface{}{
			{"id": 1, "name": "아침 (6-9시) 독서", "times": []string{"green", "yellow", "", "red"}},
			{"id": 2, "name": "양치하기", "times": []string{"green", "green", "green", "green", "green", "green", "green"}},
		},
	})
	require.NoError(t, err)
	return raw
}

func resultJSON(t *testing.T, resp *DispatchResponse) string {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	return string(raw)
}

func TestDispatchReplaysCachedResponse(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()
	req := DispatchRequest{
		Operation:      OpCreateWeek,
		Data:           createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "create-eunji-0721",
		UserID:         userID,
	}

	first := e.dispatcher.Dispatch(ctx, req)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.False(t, first.Cached)

	second := e.dispatcher.Dispatch(ctx, req)
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.JSONEq(t, resultJSON(t, first), resultJSON(t, second))

	assert.EqualValues(t, 1, countRows(t, e.db, &db.LegacyWeek{}))
	assert.EqualValues(t, 1, countRows(t, e.db, &db.Week{}))
	assert.EqualValues(t, 1, countRows(t, e.db, &db.IdempotencyLog{}))

	entry, err := e.ledger.Get(ctx, "create-eunji-0721")
	require.NoError(t, err)
	assert.Equal(t, db.LedgerSucceeded, entry.Status)
	assert.Equal(t, db.StepNormalizedWritten, entry.Step)

	var legacy db.LegacyWeek
	require.NoError(t, e.db.First(&legacy).Error)
	assert.Equal(t, "스스로 하기", legacy.Theme, "markup is stripped from free text")
	assert.Equal(t, userID, legacy.UserID)
}

func TestDispatchRejectsKeyReuseWithDifferentPayload(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	first := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Operation: OpCreateWeek, Data: createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "shared-key", UserID: userID,
	})
	require.True(t, first.Success, first.Error)

	reused := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Operation: OpCreateWeek, Data: createPayload(t, "이영신", "2025-07-21", false),
		IdempotencyKey: "shared-key", UserID: userID,
	})
	assert.False(t, reused.Success)
	assert.Equal(t, http.StatusConflict, reused.StatusCode)
	assert.Equal(t, CodeKeyReused, reused.Code)
	assert.EqualValues(t, 1, countRows(t, e.db, &db.LegacyWeek{}))
}

func TestDispatchValidationTouchesNoStore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  DispatchRequest
		code string
	}{
		{
			name: "missing key",
			req:  DispatchRequest{Operation: OpCreateWeek, Data: createPayload(t, "이은지", "2025-07-21", false), UserID: uuid.New()},
			code: CodeValidation,
		},
		{
			name: "unknown operation",
			req:  DispatchRequest{Operation: "rename_child", Data: json.RawMessage(`{}`), IdempotencyKey: "k1"},
			code: CodeUnknownOperation,
		},
		{
			name: "missing child name",
			req:  DispatchRequest{Operation: OpCreateWeek, Data: json.RawMessage(`{"week_start_date":"2025-07-21"}`), IdempotencyKey: "k2", UserID: uuid.New()},
			code: CodeValidation,
		},
		{
			name: "day index out of range",
			req: DispatchRequest{Operation: OpUpdateHabitRecord, IdempotencyKey: "k3",
				Data: json.RawMessage(`{"child_name":"이은지","week_start_date":"2025-07-21","habit_name":"독서","day_index":7,"status":"green"}`)},
			code: CodeValidation,
		},
		{
			name: "unknown status",
			req: DispatchRequest{Operation: OpUpdateHabitRecord, IdempotencyKey: "k4",
				Data: json.RawMessage(`{"child_name":"이은지","week_start_date":"2025-07-21","habit_name":"독서","day_index":1,"status":"blue"}`)},
			code: CodeValidation,
		},
		{
			name: "too many slots",
			req: DispatchRequest{Operation: OpCreateWeek, IdempotencyKey: "k5", UserID: uuid.New(),
				Data: json.RawMessage(`{"child_name":"이은지","week_start_date":"2025-07-21","habits":[{"name":"a","times":["","","","","","","",""]}]}`)},
			code: CodeValidation,
		},
		{
			name: "duplicate habit names",
			req: DispatchRequest{Operation: OpCreateWeek, IdempotencyKey: "k6", UserID: uuid.New(),
				Data: json.RawMessage(`{"child_name":"이은지","week_start_date":"2025-07-21","habits":[{"name":"a"},{"name":"a"}]}`)},
			code: CodeValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.dispatcher.Dispatch(ctx, tc.req)
			assert.False(t, resp.Success)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, resp.Code)
		})
	}

	assert.EqualValues(t, 0, countRows(t, e.db, &db.IdempotencyLog{}))
	assert.EqualValues(t, 0, countRows(t, e.db, &db.LegacyWeek{}))
}

func TestDispatchConflictingCreateScenario(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	created := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Operation: OpCreateWeek, Data: createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "create-1", UserID: userID,
	})
	require.True(t, created.Success, created.Error)

	conflictReq := DispatchRequest{
		Operation: OpCreateWeek, Data: createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "create-2", UserID: userID,
	}
	conflict := e.dispatcher.Dispatch(ctx, conflictReq)
	assert.False(t, conflict.Success)
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)
	assert.Equal(t, CodeConflict, conflict.Code)

	// 失败同样被记录，重放返回原始失败
	replayed := e.dispatcher.Dispatch(ctx, conflictReq)
	assert.True(t, replayed.Cached)
	assert.Equal(t, http.StatusConflict, replayed.StatusCode)
	assert.Equal(t, conflict.Error, replayed.Error)

	overwrite := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Operation: OpCreateWeek, Data: createPayload(t, "이은지", "2025-07-21", true),
		IdempotencyKey: "create-3", UserID: userID,
	})
	require.True(t, overwrite.Success, overwrite.Error)
	result, ok := overwrite.Result.(*CreateWeekResult)
	require.True(t, ok)
	assert.True(t, result.Overwritten)

	assert.EqualValues(t, 1, countRows(t, e.db, &db.LegacyWeek{}))
	assert.EqualValues(t, 1, countRows(t, e.db, &db.Week{}))
	assert.EqualValues(t, 2, countRows(t, e.db, &db.Habit{}))

	failed, err := e.ledger.Recent(ctx, LedgerFilter{Status: db.LedgerFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "create-2", failed[0].Key)
	assert.Equal(t, http.StatusConflict, failed[0].StatusCode)
}

func TestDispatchReportsInFlightRequest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	op, err := DecodeOperation(OpDeleteWeek, json.RawMessage(`{"child_name":"이은지","week_start_date":"2025-07-21"}`))
	require.NoError(t, err)
	require.NoError(t, op.Validate())
	hash, err := requestHash(op)
	require.NoError(t, err)

	begin, err := e.ledger.Begin(ctx, "in-flight", OpDeleteWeek, hash)
	require.NoError(t, err)
	require.True(t, begin.IsNew)
	require.NoError(t, e.ledger.MarkStep(ctx, "in-flight", db.StepLegacyWritten))

	resp := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Operation: OpDeleteWeek, IdempotencyKey: "in-flight",
		Data: json.RawMessage(`{"child_name":"이은지","week_start_date":"2025-07-21"}`),
	})
	assert.False(t, resp.Success)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeRequestInFlight, resp.Code)
	assert.Equal(t, db.StepLegacyWritten, resp.Step)
}

// failLedgerFinish 让接下来 times 次写入幂等终态的更新失败
func failLedgerFinish(t *testing.T, gdb *gorm.DB, times int) {
	t.Helper()
	var mu sync.Mutex
	remaining := times
	err := gdb.Callback().Update().Before("gorm:update").Register("test:fail_ledger_finish", func(tx *gorm.DB) {
		values, ok := tx.Statement.Dest.(map[string]interface{})
		if tx.Statement.Table != "idempotency_log" || !ok {
			return
		}
		if _, finishing := values["completed_at"]; !finishing {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			tx.AddError(errors.New("database is locked"))
		}
	})
	require.NoError(t, err)
}

func TestDispatchRetriesLedgerCommit(t *testing.T) {
	e := newTestEngine(t)
	e.dispatcher.retryDelay = 0
	ctx := context.Background()
	failLedgerFinish(t, e.db, 1)

	req := DispatchRequest{
		Operation:      OpCreateWeek,
		Data:           createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "commit-retry",
		UserID:         uuid.New(),
	}
	first := e.dispatcher.Dispatch(ctx, req)
	require.True(t, first.Success, first.Error)
	assert.Empty(t, first.Warning)

	succeeded, err := e.ledger.Recent(ctx, LedgerFilter{Status: db.LedgerSucceeded})
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	assert.Equal(t, "commit-retry", succeeded[0].Key)

	replay := e.dispatcher.Dispatch(ctx, req)
	require.True(t, replay.Success)
	assert.True(t, replay.Cached)
}

func TestDispatchWarnsWhenResponseNotRecorded(t *testing.T) {
	e := newTestEngine(t)
	e.dispatcher.retryDelay = 0
	ctx := context.Background()
	failLedgerFinish(t, e.db, ledgerFinishAttempts)

	req := DispatchRequest{
		Operation:      OpCreateWeek,
		Data:           createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "commit-lost",
		UserID:         uuid.New(),
	}
	first := e.dispatcher.Dispatch(ctx, req)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.NotNil(t, first.Result)
	assert.Contains(t, first.Warning, "REQUEST_IN_FLIGHT")
	assert.EqualValues(t, 1, countRows(t, e.db, &db.Week{}))

	replay := e.dispatcher.Dispatch(ctx, req)
	assert.False(t, replay.Success)
	assert.Equal(t, http.StatusConflict, replay.StatusCode)
	assert.Equal(t, CodeRequestInFlight, replay.Code)
}

func TestDispatchConcurrentSameKeyExecutesOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()
	req := DispatchRequest{
		Operation: OpCreateWeek, Data: createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "racing-key", UserID: userID,
	}

	const workers = 6
	responses := make([]*DispatchResponse, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = e.dispatcher.Dispatch(ctx, req)
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, resp := range responses {
		switch {
		case resp.Success && !resp.Cached:
			executed++
		case resp.Success && resp.Cached:
		default:
			assert.Equal(t, CodeRequestInFlight, resp.Code)
		}
	}
	assert.Equal(t, 1, executed)
	assert.EqualValues(t, 1, countRows(t, e.db, &db.LegacyWeek{}))
	assert.EqualValues(t, 1, countRows(t, e.db, &db.Week{}))
}

func TestCreateVerifyDeleteScenario(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	created := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Operation: OpCreateWeek, Data: createPayload(t, "이은지", "2025-07-21", false),
		IdempotencyKey: "scenario-create", UserID: userID,
	})
	require.True(t, created.Success, created.Error)

	verified := e.dispatcher.Dispatch(ctx, DispatchRequest{Operation: OpVerifyConsistency, IdempotencyKey: "scenario-verify-1"})
	require.True(t, verified.Success, verified.Error)
	report, ok := verified.Result.(*Report)
	require.True(t, ok)
	assert.True(t, report.Consistent)
	assert.Empty(t, issuesOfType(report, IssueMissingWeek))
	assert.Len(t, issuesOfType(report, IssueSourceVersionMix), 1, "dual-write rows carry a non-migration tag")

	deleted := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Operation: OpDeleteWeek, IdempotencyKey: "scenario-delete", UserID: userID,
		Data: json.RawMessage(`{"child_name":"이은지","week_start_date":"2025-07-21"}`),
	})
	require.True(t, deleted.Success, deleted.Error)
	deleteResult, ok := deleted.Result.(*DeleteWeekResult)
	require.True(t, ok)
	assert.True(t, deleteResult.LegacyDeleted)
	assert.True(t, deleteResult.NormalizedDeleted)
	assert.EqualValues(t, 2+10, deleteResult.CascadeCount)

	after, err := e.verifier.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, after.Consistent)
	assert.Empty(t, after.Issues)
	assert.Zero(t, after.Stats.Counts.LegacyWeeks)
	assert.Zero(t, after.Stats.Counts.NormalizedWeeks)
}
