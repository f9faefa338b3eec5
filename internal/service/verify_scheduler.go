package service

import (
	"context"
	"time"

	"github.com/habitlog/internal/logger"
)

// RunVerifySchedule 按固定间隔运行一致性校验，直到 ctx 结束。
// 单次校验失败只记录日志，调度不会因此停止。
func RunVerifySchedule(ctx context.Context, verifier *ConsistencyVerifier, interval time.Duration, log *logger.Logger) error {
	if interval <= 0 {
		return nil
	}
	log = log.With("component", "verify_schedule", "interval", interval.String())
	log.Info("scheduled consistency checks enabled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduled consistency checks stopped")
			return nil
		case <-ticker.C:
			report, err := verifier.Verify(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("scheduled consistency check failed", "error", err)
				continue
			}
			log.Debug("scheduled consistency check finished", "consistent", report.Consistent, "issues", len(report.Issues))
		}
	}
}
