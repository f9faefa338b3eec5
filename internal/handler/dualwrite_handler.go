package handler

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/habitlog/internal/service"
)

type dualWritePayload struct {
	Operation      string          `json:"operation"`
	Data           json.RawMessage `json:"data"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// DualWrite 是所有写操作的入口，幂等键取自 X-Idempotency-Key 头或请求体
func (a *API) DualWrite(c *gin.Context) {
	var payload dualWritePayload
	if !bindJSON(c, &payload, "invalid dual-write payload") {
		return
	}

	key := strings.TrimSpace(c.GetHeader(idempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(payload.IdempotencyKey)
	}

	resp := a.dispatcher.Dispatch(c.Request.Context(), service.DispatchRequest{
		Operation:      payload.Operation,
		Data:           payload.Data,
		IdempotencyKey: key,
		UserID:         sessionUserID(c),
	})
	if resp.Cached {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(resp.StatusCode, resp)
}
