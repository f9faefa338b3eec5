package router

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/habitlog/internal/handler"
)

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(api *handler.API, sessionSecret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// 配置会话中间件
	store := cookie.NewStore([]byte(sessionSecret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, MaxAge: 7 * 24 * 3600})
	r.Use(sessions.Sessions("habitlog_session", store))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})
	r.GET("/healthz", api.HealthCheck)

	r.POST("/api/login", api.Login)
	r.POST("/api/logout", api.Logout)

	// 需要认证的路由
	auth := r.Group("")
	auth.Use(handler.AuthRequired())
	{
		auth.GET("/admin/consistency", api.ShowConsistencyReport)

		apiGroup := auth.Group("/api")
		{
			apiGroup.POST("/dual-write", api.DualWrite)
			apiGroup.GET("/consistency", api.GetConsistency)
			apiGroup.POST("/backfill", api.RunBackfill)
			apiGroup.GET("/idempotency-log", api.ListLedger)
			apiGroup.GET("/children", api.ListChildren)
			apiGroup.GET("/weeks/:child/:date", api.GetWeek)
		}
	}

	return r
}
