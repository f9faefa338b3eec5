package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrIdempotencyKeyRequired 请求未携带幂等键
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyKeyReused 同一幂等键被用于不同的请求
	ErrIdempotencyKeyReused = errors.New("idempotency key was already used for a different request")
	// ErrRequestInFlight 同一幂等键的首个请求尚未结束
	ErrRequestInFlight = errors.New("a request with this idempotency key is still in progress")
	// ErrUnknownOperation 不支持的操作类型
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrLedgerEntryNotFound 幂等日志中不存在该键
	ErrLedgerEntryNotFound = errors.New("idempotency log entry not found")
	// ErrLedgerNotPending 条目已结束，无法再次写入终态
	ErrLedgerNotPending = errors.New("idempotency log entry is not pending")
	// ErrWeekNotFound 两个存储中都找不到该周
	ErrWeekNotFound = errors.New("week not found in either store")
)

// Side 标识双写中的一侧存储
type Side string

const (
	SideLegacy     Side = "legacy"
	SideNormalized Side = "normalized"
)

// ValidationError 表示请求在触达任何存储之前被拒绝
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError 表示目标在两个存储中均不存在
type NotFoundError struct {
	Entity string
	Misses map[Side]string
}

func (e *NotFoundError) Error() string {
	if len(e.Misses) == 0 {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	parts := make([]string, 0, len(e.Misses))
	for _, side := range []Side{SideLegacy, SideNormalized} {
		if reason, ok := e.Misses[side]; ok {
			parts = append(parts, fmt.Sprintf("%s: %s", side, reason))
		}
	}
	return fmt.Sprintf("%s not found (%s)", e.Entity, strings.Join(parts, "; "))
}

// ConflictError 表示目标周已存在且未要求覆盖
type ConflictError struct {
	ChildName        string
	WeekStartDate    string
	LegacyExists     bool
	NormalizedExists bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("week %s for %q already exists (legacy=%t, normalized=%t); set overwrite to replace it",
		e.WeekStartDate, e.ChildName, e.LegacyExists, e.NormalizedExists)
}

// PartialWriteError 表示旧表已写入而规范化表写入失败
type PartialWriteError struct {
	Operation string
	Succeeded Side
	Failed    Side
	LegacyID  uint
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%s: %s write succeeded but %s write failed: %v", e.Operation, e.Succeeded, e.Failed, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// 对外稳定的错误码
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodePartialWrite     = "PARTIAL_WRITE"
	CodeKeyReused        = "IDEMPOTENCY_KEY_REUSED"
	CodeRequestInFlight  = "REQUEST_IN_FLIGHT"
	CodeUnknownOperation = "UNKNOWN_OPERATION"
	CodeInternal         = "INTERNAL_ERROR"
)

// ClassifyError 把错误映射为 HTTP 状态码与错误码
func ClassifyError(err error) (int, string) {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		conflictErr   *ConflictError
		partialErr    *PartialWriteError
	)
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &validationErr), errors.Is(err, ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, ErrUnknownOperation):
		return http.StatusBadRequest, CodeUnknownOperation
	case errors.As(err, &notFoundErr), errors.Is(err, ErrWeekNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.As(err, &conflictErr):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, ErrIdempotencyKeyReused):
		return http.StatusConflict, CodeKeyReused
	case errors.Is(err, ErrRequestInFlight):
		return http.StatusConflict, CodeRequestInFlight
	case errors.As(err, &partialErr):
		return http.StatusInternalServerError, CodePartialWrite
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
