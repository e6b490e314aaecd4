package api

import (
	"net/http"
	"time"

	"mediafetch/config"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware caps how fast clients may submit work. A non-positive
// SUBMIT_RATE disables the limit.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if cfg.SubmitRate <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := cfg.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, slow down"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request through zerolog in place of gin's default logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}
