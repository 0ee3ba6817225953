package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(router *gin.Engine, remote string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	router.ServeHTTP(w, req)
	return w.Code
}

func newRateLimitedRouter(cfg RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	router := newRateLimitedRouter(RateLimitConfig{})

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234"))
	}
}

// Test that when rate limiting is enabled with low limits, subsequent requests get 429.
func TestHTTPRateLimitMiddleware_Enabled_LimitsRequests(t *testing.T) {
	router := newRateLimitedRouter(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1234"))

	// limits are per client address
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:1234"))
}
