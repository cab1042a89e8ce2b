package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5, BurstSize: 5})
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("tenant-a:agent-1"))
	}
}

func TestRateLimiterBlocksAboveBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 3})
	for i := 0; i < 3; i++ {
		rl.Allow("tenant-a:agent-1")
	}
	assert.False(t, rl.Allow("tenant-a:agent-1"))
}

func TestRateLimiterMiddlewareRejectsOverLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	handler := rl.Middleware(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/fal/uer", nil)
	req.Header.Set("X-Tenant-ID", "tenant-a")
	req.Header.Set("X-Agent-ID", "agent-1")

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRateLimiterKeysByTenantAndAgentIndependently(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	assert.True(t, rl.Allow("tenant-a:agent-1"))
	assert.True(t, rl.Allow("tenant-a:agent-2"))
	assert.True(t, rl.Allow("tenant-b:agent-1"))
}
