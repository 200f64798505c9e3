package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	_, err := uuid.Parse(w.Header().Get("X-Request-ID"))
	require.NoError(t, err)
	require.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w = serve(r, req)
	require.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddlewareLogsPanic(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	r := gin.New()
	r.Use(RecoveryMiddleware(logger))
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	require.Equal(t, "kaboom", hook.LastEntry().Data["error"])
}

func TestLoggingMiddlewareIncludesWorkspace(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	r := gin.New()
	r.Use(LoggingMiddleware(logger))
	r.GET("/workspaces/:id/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(r, httptest.NewRequest(http.MethodGet, "/workspaces/ws-9/status", nil))
	require.Equal(t, "ws-9", hook.LastEntry().Data["workspace_id"])
	require.Equal(t, http.StatusOK, hook.LastEntry().Data["status"])
}

func TestServiceAuthMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(ServiceAuthMiddleware("s3cret"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	require.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Token s3cret")
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusNoContent, serve(r, req).Code)

	require.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/x?token=s3cret", nil)).Code)
}

func TestServiceAuthMiddlewareDisabledWithoutToken(t *testing.T) {
	r := gin.New()
	r.Use(ServiceAuthMiddleware(""))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	require.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, httptest.NewRequest(http.MethodOptions, "/x", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
