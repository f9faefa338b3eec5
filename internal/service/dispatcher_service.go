package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
)

// DispatchRequest 是一次双写调用：操作名、原始载荷、幂等键与会话用户
type DispatchRequest struct {
	Operation      string
	Data           json.RawMessage
	IdempotencyKey string
	UserID         uuid.UUID
}

// DispatchResponse 是返回给调用方并写入幂等日志的响应
type DispatchResponse struct {
	StatusCode     int         `json:"-"`
	Success        bool        `json:"success"`
	Operation      string      `json:"operation,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	Cached         bool        `json:"cached,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Error          string      `json:"error,omitempty"`
	Code           string      `json:"code,omitempty"`
	SucceededSide  Side        `json:"succeeded_side,omitempty"`
	Step           string      `json:"step,omitempty"`
	Warning        string      `json:"warning,omitempty"`
}

const ledgerFinishAttempts = 2

type ledgerFinishFunc func(ctx context.Context, key string, statusCode int, response interface{}) error

// Dispatcher 是双写入口：校验、幂等登记、执行、记录响应。
// 本身无状态，并发协调完全依赖幂等日志的唯一索引。
type Dispatcher struct {
	ledger     *IdempotencyLedger
	executor   *DualWriteExecutor
	verifier   *ConsistencyVerifier
	log        *logger.Logger
	retryDelay time.Duration
}

// NewDispatcher 构造 Dispatcher
func NewDispatcher(ledger *IdempotencyLedger, executor *DualWriteExecutor, verifier *ConsistencyVerifier, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:     ledger,
		executor:   executor,
		verifier:   verifier,
		log:        log.With("component", "dispatcher"),
		retryDelay: 100 * time.Millisecond,
	}
}

// Dispatch 执行一次请求。同一幂等键的重复请求返回首次记录的状态码与响应体，并标记 cached。
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) *DispatchResponse {
	key := strings.TrimSpace(req.IdempotencyKey)
	opName := strings.TrimSpace(req.Operation)
	if key == "" {
		return errorResponse(opName, "", ErrIdempotencyKeyRequired)
	}

	op, err := DecodeOperation(opName, req.Data)
	if err != nil {
		return errorResponse(opName, key, err)
	}
	op.bindUser(req.UserID)
	if err := op.Validate(); err != nil {
		return errorResponse(opName, key, err)
	}

	hash, err := requestHash(op)
	if err != nil {
		return errorResponse(opName, key, err)
	}

	begin, err := d.ledger.Begin(ctx, key, opName, hash)
	if err != nil {
		d.log.Error("idempotency ledger unavailable", "operation", opName, "error", err)
		return errorResponse(opName, key, err)
	}
	if !begin.IsNew {
		return d.replay(opName, key, hash, begin.Entry)
	}

	log := d.log.With("operation", opName, "idempotency_key", key)
	result, execErr := d.execute(ctx, op, ledgerStepRecorder{ledger: d.ledger, key: key})

	// 终态必须落库，即使调用方已断开
	finishCtx := context.WithoutCancel(ctx)
	var resp *DispatchResponse
	if execErr != nil {
		resp = errorResponse(opName, key, execErr)
		d.recordOutcome(finishCtx, log, key, resp, d.ledger.Fail)
		log.Warn("operation failed", "status", resp.StatusCode, "code", resp.Code, "error", execErr)
		return resp
	}

	resp = &DispatchResponse{
		StatusCode:     http.StatusOK,
		Success:        true,
		Operation:      opName,
		Result:         result,
		IdempotencyKey: key,
	}
	d.recordOutcome(finishCtx, log, key, resp, d.ledger.Commit)
	log.Info("operation completed")
	return resp
}

// recordOutcome 写入终态，失败时重试一次。仍然失败则条目停留在 pending，
// 本次响应照常返回并附带警告，之后同一键的重放会得到 REQUEST_IN_FLIGHT。
func (d *Dispatcher) recordOutcome(ctx context.Context, log *logger.Logger, key string, resp *DispatchResponse, finish ledgerFinishFunc) {
	var err error
	for attempt := 1; attempt <= ledgerFinishAttempts; attempt++ {
		err = finish(ctx, key, resp.StatusCode, resp)
		if err == nil {
			return
		}
		if errors.Is(err, ErrLedgerNotPending) {
			log.Warn("idempotency entry already finished", "error", err)
			return
		}
		log.Warn("failed to record response", "attempt", attempt, "error", err)
		if attempt < ledgerFinishAttempts {
			time.Sleep(d.retryDelay)
		}
	}
	log.Error("response not recorded, idempotency key stays pending", "error", err)
	resp.Warning = "response was not recorded in the idempotency log; replays of this key will report REQUEST_IN_FLIGHT"
}

func (d *Dispatcher) execute(ctx context.Context, op Operation, rec StepRecorder) (interface{}, error) {
	switch typed := op.(type) {
	case *CreateWeekInput:
		return d.executor.CreateWeek(ctx, *typed, rec)
	case *UpdateHabitRecordInput:
		return d.executor.UpdateHabitRecord(ctx, *typed, rec)
	case *DeleteWeekInput:
		return d.executor.DeleteWeek(ctx, *typed, rec)
	case *VerifyConsistencyInput:
		return d.verifier.Verify(ctx)
	default:
		return nil, ErrUnknownOperation
	}
}

func (d *Dispatcher) replay(opName, key, hash string, entry *db.IdempotencyLog) *DispatchResponse {
	if entry.Operation != opName || entry.RequestHash != hash {
		d.log.Warn("idempotency key reused with a different request", "idempotency_key", key, "operation", opName, "recorded_operation", entry.Operation)
		return errorResponse(opName, key, ErrIdempotencyKeyReused)
	}
	if !entry.Terminal() {
		resp := errorResponse(opName, key, ErrRequestInFlight)
		resp.Step = entry.Step
		return resp
	}

	var stored DispatchResponse
	if err := json.Unmarshal(entry.Response, &stored); err != nil {
		d.log.Error("stored idempotency response is unreadable", "idempotency_key", key, "error", err)
		return errorResponse(opName, key, err)
	}
	var raw struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(entry.Response, &raw); err == nil && len(raw.Result) > 0 {
		stored.Result = raw.Result
	}
	stored.StatusCode = entry.StatusCode
	if stored.StatusCode == 0 {
		stored.StatusCode = http.StatusOK
	}
	stored.Cached = true
	return &stored
}

func errorResponse(opName, key string, err error) *DispatchResponse {
	status, code := ClassifyError(err)
	resp := &DispatchResponse{
		StatusCode:     status,
		Success:        false,
		Operation:      opName,
		IdempotencyKey: key,
		Error:          err.Error(),
		Code:           code,
	}
	var partial *PartialWriteError
	if errors.As(err, &partial) {
		resp.SucceededSide = partial.Succeeded
	}
	return resp
}
