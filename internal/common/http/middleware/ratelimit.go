package middleware

import (
	"context"
	"fmt"
	"time"

	"unithost/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Limiter counts hits against a key.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) error
}

// RateLimitPolicy caps requests per client IP and per requester in a window.
// Zero limits are not enforced.
type RateLimitPolicy struct {
	Window  time.Duration `yaml:"window" toml:"window"`
	UserMax int           `yaml:"userMax" toml:"userMax"`
	IPMax   int           `yaml:"ipMax" toml:"ipMax"`
}

// RateLimit enforces policy for requests under routeKey. A nil limiter disables it.
func RateLimit(limiter Limiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		if policy.IPMax > 0 {
			key := fmt.Sprintf("unithost:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if err := limiter.Allow(c.Request.Context(), key, policy.IPMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}
		if policy.UserMax > 0 {
			if userID := c.GetString(UserIDContextKey); userID != "" {
				key := fmt.Sprintf("unithost:rate:user:%s:%s", userID, routeKey)
				if err := limiter.Allow(c.Request.Context(), key, policy.UserMax, policy.Window); err != nil {
					response.AbortWithError(c, err)
					return
				}
			}
		}
		c.Next()
	}
}
