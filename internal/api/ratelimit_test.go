package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rulecrawler/internal/config"
)

func TestClientLimiterRefillsPerWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	limiter := newClientLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	assert.Zero(t, limiter.reserve("10.0.0.1"))
	assert.Zero(t, limiter.reserve("10.0.0.1"))
	assert.Equal(t, 30*time.Second, limiter.reserve("10.0.0.1"))
	assert.Zero(t, limiter.reserve("10.0.0.2"), "clients have separate buckets")

	now = now.Add(30 * time.Second)
	assert.Zero(t, limiter.reserve("10.0.0.1"))
	assert.Positive(t, limiter.reserve("10.0.0.1"))
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	limiter := newClientLimiter(1, time.Second)
	limiter.now = func() time.Time { return now }
	limiter.reserve("stale")

	now = now.Add(2 * time.Second)
	limiter.sweep(now)
	assert.Empty(t, limiter.clients)
}

func TestRateLimitMiddlewareRejectsWithRetryAfter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{Server: config.ServerConfig{
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	}})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/jobs", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/jobs", "").Code)

	rec := h.do(t, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decodeBody(t, rec)["error"])

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").Code, "health checks are not limited")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.RemoteAddr = "198.51.100.7:4444"
	other := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code, "another client keeps its own budget")
}
