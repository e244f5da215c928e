// Package ratelimit provides rate limiting middleware for the escrow API.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/logging"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per caller per minute
	RequestsPerMinute int64
	// Prefix separates counters when several limiters share a process.
	Prefix string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Prefix:            "api",
	}
}

// Limiter tracks request counts per caller.
type Limiter struct {
	inner *limiter.Limiter
}

// New creates a limiter backed by an in-process store.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          cfg.Prefix,
		CleanUpInterval: time.Minute,
	})
	return &Limiter{inner: limiter.New(store, limiter.Rate{
		Period: time.Minute,
		Limit:  cfg.RequestsPerMinute,
	})}
}

// Middleware rate limits by authenticated subject, falling back to client IP.
// Must run after auth.Middleware for per-user keys.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if sub := auth.GetSubject(c); sub != "" {
			key = "sub:" + sub
		}

		lc, err := l.inner.Get(c.Request.Context(), key)
		if err != nil {
			// Fail open: the store is in-process, so this only happens on a cancelled request.
			logging.L(c.Request.Context()).Warn("rate limiter lookup failed", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			retryAfter := time.Until(time.Unix(lc.Reset, 0))
			c.Header("Retry-After", strconv.Itoa(max(1, int(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

// MiddlewareWithConfig creates middleware with custom config
func MiddlewareWithConfig(cfg Config) gin.HandlerFunc {
	return New(cfg).Middleware()
}
