package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudbackup/cloudbackup/internal/logging"
)

// unmatchedEndpoint labels requests that hit no route, so probing the bridge
// with arbitrary paths cannot grow the label set.
const unmatchedEndpoint = "unmatched"

// Middleware records request count, latency and in-flight gauge per route
// template. Handler errors attached with c.Error are logged once here.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = unmatchedEndpoint
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		m.RecordRequestLatency(endpoint, method, status, time.Since(start).Seconds())
		m.RecordHTTPRequest(endpoint, method, status)

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request failed",
				"endpoint", endpoint,
				"status", c.Writer.Status(),
				"error", c.Errors.String(),
			)
		}
	}
}
