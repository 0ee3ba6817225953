package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtcore/internal/core/domain"
)

func newRouter(handler gin.HandlerFunc, mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw...)
	router.GET("/test", handler)
	return router
}

func TestErrorHandler_MapsDomainErrors(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("start relay: %w", domain.ErrTooManyDestinations), http.StatusBadRequest, "INVALID_INPUT"},
		{domain.ErrUserNotFound, http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("update: %w", domain.ErrRelayNotRunning), http.StatusConflict, "INVALID_STATE"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		err := tc.err
		router := newRouter(func(c *gin.Context) { _ = c.Error(err) }, ErrorHandlerMiddleware(logger))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tc.code, body["error"])
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	router := newRouter(func(c *gin.Context) { panic("boom") }, RecoveryMiddleware(zap.NewNop().Sugar()))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminAuthMiddleware(t *testing.T) {
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	cases := []struct {
		token  string
		header string
		status int
	}{
		{"", "", http.StatusOK},
		{"s3cret", "", http.StatusUnauthorized},
		{"s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"s3cret", "Bearer wrong", http.StatusUnauthorized},
		{"s3cret", "Bearer s3cret", http.StatusOK},
	}

	for _, tc := range cases {
		router := newRouter(ok, AdminAuthMiddleware(tc.token))
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		router.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, "token %q header %q", tc.token, tc.header)
	}
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	router := newRouter(func(c *gin.Context) { c.Status(http.StatusNoContent) }, TracingMiddleware())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
