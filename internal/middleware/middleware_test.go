package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ok(c *gin.Context) { c.Status(http.StatusNoContent) }

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var env response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	return env.Error.Code
}

func TestRequireStudentJWT(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/s", RequireStudentJWT(auth), ok)

	student, err := auth.GenerateToken(service.TokenTypeStudent, 7, nil)
	require.NoError(t, err)
	admin, err := auth.GenerateToken(service.TokenTypeAdmin, 1, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/s", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/s", nil)
	req.Header.Set("Authorization", "Bearer "+student)
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/s", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)

	// Student REST calls always carry the header.
	req = httptest.NewRequest(http.MethodGet, "/s?token="+student, nil)
	w := serve(r, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.ErrTokenRequired, errorCode(t, w))
}

func TestRequireAdminJWTAcceptsQueryToken(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/monitor", RequireAdminJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, c.Request.URL.RawQuery)
	})

	admin, err := auth.GenerateToken(service.TokenTypeAdmin, 1, nil)
	require.NoError(t, err)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/monitor?token="+admin+"&since=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "since=5", w.Body.String(), "token is removed from the URL")
}

func TestExpiredTokenIsReported(t *testing.T) {
	expired := service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: -time.Minute})
	token, err := expired.GenerateToken(service.TokenTypeStudent, 7, nil)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/s", RequireStudentJWT(newAuth()), ok)
	req := httptest.NewRequest(http.MethodGet, "/s", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := serve(r, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.ErrTokenExpired, errorCode(t, w))

	req = httptest.NewRequest(http.MethodGet, "/s", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, response.ErrTokenInvalid, errorCode(t, serve(r, req)))
}

func TestRequireStudentStreamSetsScope(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/stream/:slug", RequireStudentStream(auth), func(c *gin.Context) {
		scope, ok := GetStreamScope(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"slug": scope.Slug, "student_id": scope.StudentID, "query": c.Request.URL.RawQuery})
	})

	student, err := auth.GenerateToken(service.TokenTypeStudent, 42, nil)
	require.NoError(t, err)
	admin, err := auth.GenerateToken(service.TokenTypeAdmin, 1, nil)
	require.NoError(t, err)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/stream/algo-101?token="+student, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Slug      string `json:"slug"`
		StudentID int    `json:"student_id"`
		Query     string `json:"query"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "algo-101", body.Slug)
	assert.Equal(t, 42, body.StudentID)
	assert.Empty(t, body.Query)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/stream/algo-101?token="+admin, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrStudentAccessOnly, errorCode(t, w))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/stream/algo-101", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.ErrTokenRequired, errorCode(t, w))
}

func TestRequirePermission(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/a", RequireAdminJWT(auth), RequirePermission(model.PermissionAssessmentsMonitor), ok)

	allowed, err := auth.GenerateToken(service.TokenTypeAdmin, 1, []string{string(model.PermissionAssessmentsMonitor)})
	require.NoError(t, err)
	denied, err := auth.GenerateToken(service.TokenTypeAdmin, 2, []string{string(model.PermissionAttemptsRead)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	req.Header.Set("Authorization", "Bearer "+allowed)
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/a", nil)
	req.Header.Set("Authorization", "Bearer "+denied)
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)
}

func TestRateLimiterRefills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clockwork.NewFakeClock()
	rl := NewRateLimiter(ctx, 2, time.Minute, clk)

	assert.True(t, rl.Allow("student:1"))
	assert.True(t, rl.Allow("student:1"))
	assert.False(t, rl.Allow("student:1"))
	assert.True(t, rl.Allow("student:2"), "buckets are per key")

	clk.Advance(time.Minute)
	assert.True(t, rl.Allow("student:1"))
}

func TestRateLimiterMiddlewareKeysByStudent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := newAuth()
	rl := NewRateLimiter(ctx, 1, time.Minute, clockwork.NewFakeClock())
	r := gin.New()
	r.GET("/ws/:slug", RequireStudentStream(auth), rl.Middleware(), ok)

	first, err := auth.GenerateToken(service.TokenTypeStudent, 1, nil)
	require.NoError(t, err)
	second, err := auth.GenerateToken(service.TokenTypeStudent, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/ws/a?token="+first, nil)).Code)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ws/a?token="+first, nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	var env response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrRateLimitExceeded, env.Error.Code)
	assert.Equal(t, 60, env.Error.RetryAfterSeconds)

	assert.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/ws/a?token="+second, nil)).Code)
}

func TestBrotliSkipsEventStream(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	r.GET("/sse", func(c *gin.Context) {
		c.String(http.StatusOK, "data: x\n\n")
	})

	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "br")
	w := serve(r, req)

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "data: x\n\n", w.Body.String())
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	r := gin.New()
	r.Use(BrotliWithConfig(BrotliConfig{Quality: 4, MinLength: 64}))
	body := strings.Repeat(`{"id":"q1"},`, 100)
	r.GET("/outline", func(c *gin.Context) {
		// Several writes, the later ones below MinLength on their own.
		c.Writer.WriteString(body[:700])
		c.Writer.WriteString(body[700:])
		c.Status(http.StatusOK)
	})
	r.GET("/tiny", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/outline", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	w := serve(r, req)
	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	decoded, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.Equal(t, body, string(decoded))

	req = httptest.NewRequest(http.MethodGet, "/tiny", nil)
	req.Header.Set("Accept-Encoding", "br")
	w = serve(r, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())
}
