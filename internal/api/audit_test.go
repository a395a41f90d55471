package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbackup/cloudbackup/internal/logging"
)

func auditLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestAuditMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))

	router := gin.New()
	router.Use(auditMiddleware(logger))
	router.GET("/profiles/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.PUT("/profiles/:id/schedule", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/profiles/:id/run", func(c *gin.Context) { c.Status(http.StatusConflict) })

	t.Run("reads are not audited", func(t *testing.T) {
		buf.Reset()
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/profiles/p1", nil))
		assert.Empty(t, buf.String())
	})

	t.Run("schedule change", func(t *testing.T) {
		buf.Reset()
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/profiles/p1/schedule", nil))
		lines := auditLines(t, &buf)
		require.Len(t, lines, 1)
		fields := lines[0]["fields"].(map[string]any)
		assert.Equal(t, string(logging.ScheduleChange), fields["event_type"])
		assert.Equal(t, "p1", fields["resource"])
		assert.Equal(t, "success", fields["status"])
	})

	t.Run("failed request", func(t *testing.T) {
		buf.Reset()
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/profiles/p2/run", nil))
		lines := auditLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "warn", lines[0]["level"])
		fields := lines[0]["fields"].(map[string]any)
		assert.Equal(t, string(logging.BridgeAccess), fields["event_type"])
		assert.Equal(t, "failure", fields["status"])
		assert.EqualValues(t, http.StatusConflict, fields["status_code"])
	})
}
