// ABOUTME: Tests for rate limiting and request logging middleware
// ABOUTME: Covers per-IP buckets, limit exhaustion, and the idle sweep

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl := newRateLimiter(5, time.Minute)
	defer rl.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, rl.allow("10.0.0.1"), "burst exhausted")
}

func TestRateLimiter_SeparateBucketsPerIP(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	defer rl.Close()

	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"), "other clients are unaffected")
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	defer rl.Close()

	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestRateLimiter_SweepDropsIdleVisitors(t *testing.T) {
	rl := newRateLimiter(1, 10*time.Millisecond)
	defer rl.Close()

	rl.allow("10.0.0.1")
	time.Sleep(20 * time.Millisecond)
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.visitors)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.7:43210"
	assert.Equal(t, "192.168.1.7", clientIP(req))

	req.RemoteAddr = "bare-host"
	assert.Equal(t, "bare-host", clientIP(req))
}
