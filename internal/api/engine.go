package api

import (
	"net/http"

	"unithost/internal/common/http/middleware"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RootText is served at / so uptime probes see a live host.
const RootText = "unithost is running"

// EngineConfig configures the base service.
type EngineConfig struct {
	CORS middleware.CORSConfig
	// TrustUserHeader accepts X-User-Id as the requester identity. Without it
	// every mutating call is rejected.
	TrustUserHeader bool
	// Limiter throttles /api/v1 per client and requester; nil disables it.
	Limiter   middleware.Limiter
	RateLimit middleware.RateLimitPolicy
}

// NewEngine builds the base gin service that serves every path not claimed by a mount.
func NewEngine(cfg EngineConfig, h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.TraceContextMiddlewareWithConfig(middleware.TraceContextConfig{
			AllowUserIDHeader: cfg.TrustUserHeader,
			WriteUserIDHeader: false,
		}),
		middleware.RequestLogger(),
		middleware.CORS(cfg.CORS),
	)

	engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, RootText)
	})
	engine.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})

	h.Register(engine.Group("/api/v1", middleware.RateLimit(cfg.Limiter, "api", cfg.RateLimit)))

	engine.NoRoute(func(c *gin.Context) {
		response.ErrorWithCode(c, appErr.NotFound, "no service at "+c.Request.URL.Path)
	})
	return engine
}
