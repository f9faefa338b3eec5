package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/habitlog/internal/service"
)

// HealthCheck 提供监控系统使用的健康检查端点。
func (a *API) HealthCheck(c *gin.Context) {
	sqlDB, err := a.db.DB()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "database handle unavailable",
		})
		return
	}

	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "database unreachable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": "up",
	})
}

// ListLedger 列出最近的幂等日志，支持 status、operation、limit 过滤。
func (a *API) ListLedger(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := a.ledger.Recent(c.Request.Context(), service.LedgerFilter{
		Status:    c.Query("status"),
		Operation: c.Query("operation"),
		Limit:     limit,
	})
	if err != nil {
		a.log.Error("failed to list idempotency log", "error", err)
		respondError(c, http.StatusInternalServerError, "failed to list idempotency log")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entries": entries})
}
