package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Middleware returns a gin middleware enforcing the given policy, keyed by
// client IP + route pattern. The advisory headers are set on every response,
// allowed or denied.
func (l *Limiter) Middleware(policy Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := counterKey(c.ClientIP(), c.FullPath())

		d := l.Check(c.Request.Context(), key, policy)

		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			retryAfter := int64(d.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     policy.Message,
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
