package handler

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"gorm.io/gorm"
)

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login 校验账号密码并写入会话
func (a *API) Login(c *gin.Context) {
	var payload loginPayload
	if !bindJSON(c, &payload, "invalid login payload") {
		return
	}

	user, err := db.Authenticate(a.db, payload.Username, payload.Password)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			a.log.Error("login lookup failed", "error", err)
			respondError(c, http.StatusInternalServerError, "login failed")
			return
		}
		a.log.Warn("rejected login", "username", payload.Username)
		respondError(c, http.StatusUnauthorized, "invalid username or password")
		return
	}

	session := sessions.Default(c)
	session.Set(sessionUserIDKey, user.ID.String())
	session.Set(sessionUsernameKey, user.Username)
	if err := session.Save(); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to save session")
		return
	}

	a.log.Info("user logged in", "user_id", user.ID.String())
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": user.ID, "username": user.Username})
}

// Logout 清空会话
func (a *API) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to clear session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AuthRequired 是一个简单的认证中间件，未登录的请求直接返回 401
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sessionUserID(c) == uuid.Nil {
			respondError(c, http.StatusUnauthorized, "login required")
			c.Abort()
			return
		}
		c.Next()
	}
}
