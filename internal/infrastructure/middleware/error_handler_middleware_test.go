package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"snapmesh/internal/core/domain"
	"snapmesh/pkg/errors"
	"snapmesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newErrorRouter(handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(RecoveryMiddleware(log), ErrorHandlerMiddleware(log))
	router.GET("/test", handler)
	return router
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandlerMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error", errors.NewInvalidInputError("bad body"), http.StatusBadRequest, "INVALID_INPUT"},
		{"peer not found", fmt.Errorf("get: %w", domain.ErrPeerNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"unresolved edge", domain.ErrEdgeNotResolved, http.StatusUnprocessableEntity, "UNRESOLVED_ENDPOINTS"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newErrorRouter(func(c *gin.Context) { _ = c.Error(tt.err) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w)["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	router := newErrorRouter(func(c *gin.Context) { panic("handler exploded") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w)["error"])
}

func TestRequestLogger_AssignsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger(logger.NewContextLogger(zap.NewNop())))

	var seen string
	router.GET("/test", func(c *gin.Context) {
		seen, _ = c.Request.Context().Value(logger.RequestIDKey).(string)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", seen)
}
