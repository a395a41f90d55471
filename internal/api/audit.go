package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudbackup/cloudbackup/internal/logging"
)

// auditMiddleware records every state-changing bridge request as an audit
// event. Reads are left to the request log.
func auditMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		start := time.Now()

		c.Next()

		status := logging.StatusSuccess
		if c.Writer.Status() >= http.StatusBadRequest {
			status = logging.StatusFailure
		}
		event := logging.NewAuditEvent(auditEventType(c.FullPath()), c.Request.Method+" "+c.FullPath(), status).
			WithResource(c.Param("id")).
			WithDetail("status_code", c.Writer.Status()).
			WithDetail("client_ip", c.ClientIP()).
			WithDetail("latency_ms", time.Since(start).Milliseconds())
		if len(c.Errors) > 0 {
			event.ErrorMessage = c.Errors.Last().Error()
		}
		logger.Audit(c.Request.Context(), event)
	}
}

func auditEventType(route string) logging.AuditEventType {
	if strings.HasSuffix(route, "/schedule") {
		return logging.ScheduleChange
	}
	return logging.BridgeAccess
}
