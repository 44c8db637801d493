package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/msa-evidence-api/internal/service"
)

// unmatchedRoute labels requests that hit no registered route so arbitrary
// paths cannot grow the metric's label set.
const unmatchedRoute = "unmatched"

// Metrics records latency and status of every request under its route
// template, e.g. /api/v1/evidence/:id.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	if metricsSvc == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
