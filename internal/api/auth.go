package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cloudbackup/cloudbackup/internal/logging"
)

// DefaultAPIKeyHeader is the header carrying the API key when none is configured.
const DefaultAPIKeyHeader = "X-API-Key"

const ctxAuthenticated = "authenticated"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	// Details carries structured context, such as the number of files a
	// held sync would delete.
	Details map[string]any `json:"details,omitempty"`
}

// APIKeyAuth rejects requests without one of apiKeys in headerName.
// With no keys configured every request passes; the bridge then relies on
// listening on loopback only.
func APIKeyAuth(apiKeys []string, headerName string, logger *logging.Logger) gin.HandlerFunc {
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	if len(apiKeys) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		apiKey := c.GetHeader(headerName)
		if apiKey == "" {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: missing API key",
				"header_name", headerName,
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "API key is required. Provide it in the '" + headerName + "' header",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		if validKey(apiKeys, apiKey) {
			c.Set(ctxAuthenticated, true)
			c.Next()
			return
		}

		logger.Audit(c.Request.Context(), logging.NewAuditEvent(logging.AuthFailure, "api key rejected", logging.StatusFailure).
			WithSeverity(logging.SeverityWarning).
			WithResource(c.Request.URL.Path).
			WithDetail("client_ip", c.ClientIP()).
			WithDetail("api_key", logging.Redact(apiKey)))

		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Invalid API key",
			Code:    http.StatusUnauthorized,
		})
	}
}

func validKey(apiKeys []string, candidate string) bool {
	for _, key := range apiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

// IsAuthenticated reports whether APIKeyAuth accepted the request's key.
func IsAuthenticated(c *gin.Context) bool {
	v, ok := c.Get(ctxAuthenticated)
	if !ok {
		return false
	}
	authed, _ := v.(bool)
	return authed
}

// MaskAPIKeys masks API keys for logging, keeping the first 4 characters.
func MaskAPIKeys(keys []string) []string {
	masked := make([]string, len(keys))
	for i, key := range keys {
		if len(key) <= 4 {
			masked[i] = strings.Repeat("*", len(key))
		} else {
			masked[i] = key[:4] + strings.Repeat("*", len(key)-4)
		}
	}
	return masked
}
