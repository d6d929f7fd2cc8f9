package mw

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fila-client/internal/apperr"
	"fila-client/internal/model"
	"fila-client/internal/ratelimit"
)

// RateLimit throttles requests per client IP and endpoint class. Every
// response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds); denied requests get 429 with retryAfter
// in seconds.
//
// Like the limiter itself this only shields the local surface. The backend
// keeps its own limits.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := limiter.Allow("ip:"+c.ClientIP(), class)

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := RetryAfterSeconds(d.RetryAfter(time.Now()))
			h.Set("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.Envelope{
				Success:    false,
				Message:    "too many requests, try again later",
				Code:       string(apperr.KindRateLimited),
				RetryAfter: retry,
			})
			return
		}
		c.Next()
	}
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
