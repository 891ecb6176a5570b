package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultRequestTimeout bounds REST handlers; the signaling upgrade is exempt
const DefaultRequestTimeout = 15 * time.Second

// Timeout attaches a deadline to the request context. Paths in skip keep the
// original context, which long-lived WebSocket upgrades need.
func Timeout(timeout time.Duration, skip ...string) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	exempt := make(map[string]bool, len(skip))
	for _, p := range skip {
		exempt[p] = true
	}

	return func(c *gin.Context) {
		if exempt[c.FullPath()] {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
