package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/pkg/middleware"
)

// RouterConfig configures the admin router.
type RouterConfig struct {
	// Token is the bearer token guarding session endpoints.
	Token string
	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string
	// RateLimiter throttles clients by address. Optional.
	RateLimiter *middleware.RateLimiter
	// Gatherer backs /metrics. Optional.
	Gatherer prometheus.Gatherer
}

// NewAdminRouter builds the admin HTTP router.
//
//	GET    /admin/status                open
//	GET    /metrics                     open
//	GET    /admin/sessions              bearer token
//	GET    /admin/sessions/:id          bearer token
//	DELETE /admin/sessions/:id          bearer token
//	POST   /admin/sessions/:id/call     bearer token
func NewAdminRouter(h *AdminHandlers, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger.Named("admin-http")))

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/admin/status", h.AdminStatus)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := router.Group("/admin")
	if cfg.RateLimiter != nil {
		admin.Use(middleware.RateLimitMiddleware(cfg.RateLimiter))
	}
	admin.Use(middleware.AdminAuthMiddleware(cfg.Token, cfg.RateLimiter, logger))
	{
		admin.GET("/sessions", h.ListSessions)
		admin.GET("/sessions/:id", h.GetSession)
		admin.DELETE("/sessions/:id", h.DeleteSession)
		admin.POST("/sessions/:id/call", h.CallSession)
	}

	return router
}
