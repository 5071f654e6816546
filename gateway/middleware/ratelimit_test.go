package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter("mintd", map[string]RateLimit{
		"writes": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("writes")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/session/commit", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimiterSeparatesRoutesAndClients(t *testing.T) {
	limiter := NewRateLimiter("mintd", map[string]RateLimit{
		"writes": {RequestsPerMinute: 1, Burst: 1},
		"reads":  {RequestsPerMinute: 1, Burst: 1},
	}, nil)

	if !limiter.Allow("writes", "10.0.0.1") {
		t.Fatalf("first write should pass")
	}
	if !limiter.Allow("reads", "10.0.0.1") {
		t.Fatalf("reads must have their own bucket")
	}
	if !limiter.Allow("writes", "10.0.0.2") {
		t.Fatalf("second client must have its own bucket")
	}
	if limiter.Allow("writes", "10.0.0.1") {
		t.Fatalf("repeat write should be limited")
	}
	if !limiter.Allow("unknown", "10.0.0.1") {
		t.Fatalf("unconfigured keys are unlimited")
	}
}

func TestRateLimiterRefillsAndEvicts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter("mintd", map[string]RateLimit{
		"writes": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	limiter.clockNow = func() time.Time { return now }

	if !limiter.Allow("writes", "a") || limiter.Allow("writes", "a") {
		t.Fatalf("expected burst of one")
	}
	now = now.Add(time.Second)
	if !limiter.Allow("writes", "a") {
		t.Fatalf("expected token after one second")
	}

	now = now.Add(10 * time.Minute)
	limiter.Allow("writes", "b")
	limiter.mu.Lock()
	_, stale := limiter.visitors["writes|a"]
	limiter.mu.Unlock()
	if stale {
		t.Fatalf("idle visitor should have been evicted")
	}
}

func TestClientIDPrefersProxyHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := ClientID(req); got != "192.0.2.1" {
		t.Fatalf("unexpected remote id %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientID(req); got != "203.0.113.9" {
		t.Fatalf("unexpected forwarded id %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := ClientID(req); got != "198.51.100.7" {
		t.Fatalf("unexpected real ip %q", got)
	}
}
