package db

import (
	"time"

	"gorm.io/datatypes"
)

// 幂等日志状态
const (
	LedgerPending   = "pending"
	LedgerSucceeded = "succeeded"
	LedgerFailed    = "failed"
)

// 双写进度标记，处理中的条目据此判断停在哪一步
const (
	StepLegacyWritten     = "legacy_written"
	StepNormalizedWritten = "normalized_written"
)

// IdempotencyLog 以幂等键记录一次双写请求及其最终响应
type IdempotencyLog struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Key         string         `gorm:"column:idempotency_key;size:255;not null;uniqueIndex" json:"idempotency_key"`
	Operation   string         `gorm:"size:64;not null;index" json:"operation"`
	RequestHash string         `gorm:"size:64;not null" json:"request_hash"`
	Status      string         `gorm:"size:16;not null;index" json:"status"`
	Step        string         `gorm:"size:32" json:"step"`
	StatusCode  int            `json:"status_code"`
	Response    datatypes.JSON `json:"response,omitempty"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TableName 与旧系统的 idempotency_log 表保持一致
func (IdempotencyLog) TableName() string {
	return "idempotency_log"
}

// Terminal 报告条目是否已结束
func (l *IdempotencyLog) Terminal() bool {
	return l.Status == LedgerSucceeded || l.Status == LedgerFailed
}
