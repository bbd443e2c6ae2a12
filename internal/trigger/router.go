package trigger

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
)

func NewRouter(logger *slog.Logger, h *Handler, jwtSecret []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Security())
	r.Use(sloggin.New(logger))
	r.Use(Metrics())

	// Webhook ingress authenticates via HMAC signature, not JWT.
	r.POST("/hooks/:path", h.Webhook)

	authMW := Auth(jwtSecret)

	jobs := r.Group("/jobs", authMW)
	jobs.POST("/:id/trigger", h.TriggerManual)

	executions := r.Group("/executions", authMW)
	executions.GET("/:id", h.GetExecution)

	return r
}
