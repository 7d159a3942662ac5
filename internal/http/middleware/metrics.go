package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openconvo/convo-backend/internal/observability"
)

// Metrics records request counts and latency per route. No-op when the
// metrics pipeline is disabled.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveAPIRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
