package ratelimit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/opportunity-finder/internal/auth"
	"github.com/david/opportunity-finder/internal/cache"
)

var secret = []byte("test-secret")

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newCounters(t *testing.T) (cache.Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewRedisBackend(rdb), mr
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLimiter_FixedWindow(t *testing.T) {
	counters, mr := newCounters(t)
	l := New("search", 3, time.Minute, "", counters, quietLogger())

	e := echo.New()
	e.GET("/s", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, l.Middleware())

	for i := 0; i < 3; i++ {
		rec := serve(e, httptest.NewRequest(http.MethodGet, "/s", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/s", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Too many requests")
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	mr.FastForward(2 * time.Minute)
	rec = serve(e, httptest.NewRequest(http.MethodGet, "/s", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimiter_FailsClosed(t *testing.T) {
	counters, mr := newCounters(t)
	l := New("ingestion", 10, time.Hour, "Ingestion rate limit exceeded. Max 10 runs per hour.", counters, quietLogger())
	mr.Close()

	e := echo.New()
	e.POST("/run", func(c echo.Context) error { return c.NoContent(http.StatusAccepted) }, l.Middleware())

	rec := serve(e, httptest.NewRequest(http.MethodPost, "/run", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLimiter_NilCountersDisabled(t *testing.T) {
	l := New("general", 1, time.Minute, "", nil, quietLogger())
	e := echo.New()
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

func newAIServer(l *AILimiter) *echo.Echo {
	e := echo.New()
	e.Use(auth.OptionalIdentity(secret, quietLogger()))
	e.POST("/ai", func(c echo.Context) error { return c.String(http.StatusOK, "answer") }, l.Middleware())
	return e
}

func TestAILimiter_AnonymousTier(t *testing.T) {
	counters, _ := newCounters(t)
	l := NewAILimiter(counters, 5, 25, nil, quietLogger())
	e := newAIServer(l)

	for i := 1; i <= 5; i++ {
		rec := serve(e, httptest.NewRequest(http.MethodPost, "/ai", nil))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := serve(e, httptest.NewRequest(http.MethodPost, "/ai", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AI request limit exceeded", body["error"])
	assert.Equal(t, "Anonymous users are limited to 5 AI requests per day. Sign in for more requests.", body["message"])
	assert.Equal(t, "Sign in for 25 requests/day", body["upgradeInfo"])
	assert.EqualValues(t, 5, body["limit"])
	assert.EqualValues(t, 5, body["used"])
}

func TestAILimiter_AuthenticatedTier(t *testing.T) {
	counters, _ := newCounters(t)
	l := NewAILimiter(counters, 1, 2, nil, quietLogger())
	e := newAIServer(l)

	token, err := auth.IssueToken(secret, uuid.New(), "user", time.Hour)
	require.NoError(t, err)

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/ai", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return serve(e, req)
	}

	assert.Equal(t, http.StatusOK, call().Code)
	rec := call()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = call()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "You have reached your daily limit of 2 AI requests.")
	assert.Contains(t, rec.Body.String(), "Contact support for higher limits")
}

func TestAILimiter_AdminUnlimited(t *testing.T) {
	counters, _ := newCounters(t)
	gate := auth.NewAdminGate("admin-key", true, quietLogger())
	l := NewAILimiter(counters, 5, 25, gate.IsAdmin, quietLogger())
	e := newAIServer(l)

	for i := 0; i < 30; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ai", nil)
		req.Header.Set(auth.AdminKeyHeader, "admin-key")
		require.Equal(t, http.StatusOK, serve(e, req).Code)
	}

	token, err := auth.IssueToken(secret, uuid.New(), auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ai", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		require.Equal(t, http.StatusOK, serve(e, req).Code)
	}
}

func TestAILimiter_FailsOpen(t *testing.T) {
	counters, mr := newCounters(t)
	l := NewAILimiter(counters, 1, 1, nil, quietLogger())
	e := newAIServer(l)
	mr.Close()

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodPost, "/ai", nil)).Code)
	}
}

func TestAILimiter_Usage(t *testing.T) {
	counters, _ := newCounters(t)
	l := NewAILimiter(counters, 5, 25, nil, quietLogger())
	e := newAIServer(l)

	serve(e, httptest.NewRequest(http.MethodPost, "/ai", nil))
	serve(e, httptest.NewRequest(http.MethodPost, "/ai", nil))

	caller := Caller{ID: "ip:192.0.2.1", Tier: TierAnonymous}
	u, err := l.Usage(context.Background(), caller)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Used)
	assert.Equal(t, 3, u.Remaining)

	admin, err := l.Usage(context.Background(), Caller{ID: "admin", Tier: TierAdmin})
	require.NoError(t, err)
	assert.True(t, admin.Unlimited)
}
