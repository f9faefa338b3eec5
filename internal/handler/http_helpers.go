package handler

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/habitlog/internal/service"
)

const (
	sessionUserIDKey   = "user_id"
	sessionUsernameKey = "username"
	idempotencyHeader  = "X-Idempotency-Key"
)

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

// respondServiceError maps engine errors onto the shared status/code table.
func respondServiceError(c *gin.Context, err error) {
	status, code := service.ClassifyError(err)
	c.JSON(status, gin.H{"success": false, "error": err.Error(), "code": code})
}

func bindJSON(c *gin.Context, dst interface{}, message string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message, "code": service.CodeValidation})
		return false
	}
	return true
}

// sessionUserID returns the logged-in user, or uuid.Nil when the session is empty.
func sessionUserID(c *gin.Context) uuid.UUID {
	raw, ok := sessions.Default(c).Get(sessionUserIDKey).(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil
	}
	return id
}
