package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/cloudbackup/cloudbackup/internal/logging"
)

func TestAPIKeyAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := &bytes.Buffer{}
	logger := logging.NewLogger(logging.WithOutput(logs))

	r := gin.New()
	r.Use(APIKeyAuth([]string{"key1"}, "", logger))
	r.GET("/", func(c *gin.Context) {
		if IsAuthenticated(c) {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), DefaultAPIKeyHeader)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, "bad-key-value")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, logs.String(), `"event_type":"AUTH_FAILURE"`)
	assert.NotContains(t, logs.String(), "bad-key-value")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, "key1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthCustomHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyAuth([]string{"key1"}, "X-Bridge-Key", logging.Nop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, "key1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Bridge-Key", "key1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyAuth(nil, "", logging.Nop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMaskAPIKeys(t *testing.T) {
	masked := MaskAPIKeys([]string{"abc", "abcdefgh"})
	assert.Equal(t, "***", masked[0])
	assert.True(t, strings.HasPrefix(masked[1], "abcd"))
	assert.Equal(t, "abcd****", masked[1])
}
