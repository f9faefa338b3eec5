package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/service"
)

type childPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SourceVersion string `json:"source_version"`
	CreatedAt     string `json:"created_at"`
}

// GetWeek 并列返回某个孩子某一周在旧表与规范化表中的打卡向量
func (a *API) GetWeek(c *gin.Context) {
	snapshot, err := a.weeks.Snapshot(c.Request.Context(), sessionUserID(c), c.Param("child"), c.Param("date"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "week": snapshot})
}

// ListChildren 返回当前用户在规范化表中的孩子
func (a *API) ListChildren(c *gin.Context) {
	children, err := a.weeks.ListChildren(c.Request.Context(), service.ChildFilter{
		UserID: sessionUserID(c),
		Search: strings.TrimSpace(c.Query("search")),
	})
	if err != nil {
		a.log.Error("failed to list children", "error", err)
		respondError(c, http.StatusInternalServerError, "failed to list children")
		return
	}

	items := make([]childPayload, 0, len(children))
	for _, child := range children {
		items = append(items, childPayload{
			ID:            child.ID.String(),
			Name:          child.Name,
			SourceVersion: child.SourceVersion,
			CreatedAt:     child.CreatedAt.UTC().Format(db.DateLayout),
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "children": items})
}
