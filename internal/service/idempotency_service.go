package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyLedger 以幂等键为唯一约束记录每次变更请求。
// 唯一索引是唯一的串行化点，同一个键至多执行一次变更。
type IdempotencyLedger struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// LedgerBegin 是 Begin 的结果：IsNew 为真表示调用方获得了执行权
type LedgerBegin struct {
	IsNew bool
	Entry *db.IdempotencyLog
}

// LedgerFilter 描述运维查询条件
type LedgerFilter struct {
	Status    string
	Operation string
	Limit     int
}

// NewIdempotencyLedger 构造 IdempotencyLedger
func NewIdempotencyLedger(gdb *gorm.DB, log *logger.Logger) *IdempotencyLedger {
	return &IdempotencyLedger{db: gdb, log: log.With("component", "idempotency_ledger"), now: time.Now}
}

// Begin 尝试以 pending 状态登记幂等键。
// 插入冲突时读取已有条目；若读取落空（并发插入尚不可见）则整体重试一次。
func (l *IdempotencyLedger) Begin(ctx context.Context, key, operation, requestHash string) (*LedgerBegin, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	for attempt := 0; attempt < 2; attempt++ {
		entry := db.IdempotencyLog{
			Key:         key,
			Operation:   operation,
			RequestHash: requestHash,
			Status:      db.LedgerPending,
		}
		res := l.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
			Create(&entry)
		if res.Error != nil {
			return nil, fmt.Errorf("begin idempotency key: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return &LedgerBegin{IsNew: true, Entry: &entry}, nil
		}

		existing, err := l.Get(ctx, key)
		if errors.Is(err, ErrLedgerEntryNotFound) {
			l.log.Warn("idempotency entry vanished after conflicting insert, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &LedgerBegin{IsNew: false, Entry: existing}, nil
	}

	return nil, fmt.Errorf("begin idempotency key %q: entry not visible after conflicting insert", key)
}

// Get 按键读取条目
func (l *IdempotencyLedger) Get(ctx context.Context, key string) (*db.IdempotencyLog, error) {
	var entry db.IdempotencyLog
	if err := l.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("get idempotency entry: %w", err)
	}
	return &entry, nil
}

// MarkStep 记录双写进度，只对 pending 条目生效
func (l *IdempotencyLedger) MarkStep(ctx context.Context, key, step string) error {
	res := l.db.WithContext(ctx).Model(&db.IdempotencyLog{}).
		Where("idempotency_key = ? AND status = ?", key, db.LedgerPending).
		Update("step", step)
	if res.Error != nil {
		return fmt.Errorf("mark idempotency step: %w", res.Error)
	}
	return nil
}

// Commit 把 pending 条目标记为成功并保存响应快照
func (l *IdempotencyLedger) Commit(ctx context.Context, key string, statusCode int, response interface{}) error {
	return l.finish(ctx, key, db.LedgerSucceeded, statusCode, response)
}

// Fail 把 pending 条目标记为失败并保存响应快照，重放同一键将得到同样的失败
func (l *IdempotencyLedger) Fail(ctx context.Context, key string, statusCode int, response interface{}) error {
	return l.finish(ctx, key, db.LedgerFailed, statusCode, response)
}

func (l *IdempotencyLedger) finish(ctx context.Context, key, status string, statusCode int, response interface{}) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotency response: %w", err)
	}

	completedAt := l.now()
	res := l.db.WithContext(ctx).Model(&db.IdempotencyLog{}).
		Where("idempotency_key = ? AND status = ?", key, db.LedgerPending).
		Updates(map[string]interface{}{
			"status":       status,
			"status_code":  statusCode,
			"response":     datatypes.JSON(raw),
			"completed_at": completedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("finish idempotency entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish idempotency key %q as %s: %w", key, status, ErrLedgerNotPending)
	}
	return nil
}

// Recent 按创建时间倒序列出条目，供运维排查
func (l *IdempotencyLedger) Recent(ctx context.Context, filter LedgerFilter) ([]db.IdempotencyLog, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := l.db.WithContext(ctx).Model(&db.IdempotencyLog{})
	if status := strings.TrimSpace(filter.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if operation := strings.TrimSpace(filter.Operation); operation != "" {
		query = query.Where("operation = ?", operation)
	}

	var entries []db.IdempotencyLog
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list idempotency entries: %w", err)
	}
	return entries, nil
}

// ledgerStepRecorder 把执行器的进度写回幂等日志
type ledgerStepRecorder struct {
	ledger *IdempotencyLedger
	key    string
}

func (r ledgerStepRecorder) RecordStep(ctx context.Context, step string) {
	if err := r.ledger.MarkStep(ctx, r.key, step); err != nil {
		r.ledger.log.Warn("failed to record dual-write step", "step", step, "error", err)
	}
}
