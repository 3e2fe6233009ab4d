package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)

	key := "test-user"

	// Should allow initial requests up to limit + burst
	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		if limiter.Allow(key) {
			allowedCount++
		}
	}

	expected := config.RequestsPerWindow + config.BurstSize
	if allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	// After waiting, tokens should refill
	time.Sleep(time.Second)
	if !limiter.Allow(key) {
		t.Error("Should allow request after refill")
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)

	key := "test-user"

	// Check initial remaining
	if got := limiter.Remaining(key); got != config.RequestsPerWindow+config.BurstSize {
		t.Errorf("Remaining() = %d, want %d", got, config.RequestsPerWindow+config.BurstSize)
	}

	limiter.Allow(key)
	if got := limiter.Remaining(key); got != config.RequestsPerWindow+config.BurstSize-1 {
		t.Errorf("Remaining() after one Allow = %d, want %d", got, config.RequestsPerWindow+config.BurstSize-1)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    10 * time.Millisecond,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)

	limiter.Allow("stale-key")
	time.Sleep(30 * time.Millisecond)
	limiter.Cleanup()

	limiter.mu.RLock()
	_, exists := limiter.buckets["stale-key"]
	limiter.mu.RUnlock()
	if exists {
		t.Error("expected Cleanup to remove a bucket idle past twice the window")
	}
}

func TestRateLimitConfig_Defaults(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerWindow <= 0 || cfg.WindowDuration <= 0 {
		t.Errorf("expected sane defaults, got %+v", cfg)
	}
}

func TestPerUserRateLimitConfig(t *testing.T) {
	cfg := PerUserRateLimitConfig()
	if cfg.RequestsPerWindow <= DefaultRateLimitConfig().RequestsPerWindow {
		t.Error("expected per-user config to be more generous than the default")
	}
}

func TestPerBotRateLimitConfig(t *testing.T) {
	cfg := PerBotRateLimitConfig()
	if cfg.RequestsPerWindow <= PerUserRateLimitConfig().RequestsPerWindow {
		t.Error("expected per-bot config to be more generous than per-user")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *http.Request)
		wantAddr string
	}{
		{
			name:     "falls back to RemoteAddr",
			setup:    func(r *http.Request) { r.RemoteAddr = "192.168.1.1:12345" },
			wantAddr: "192.168.1.1:12345",
		},
		{
			name: "prefers X-Forwarded-For",
			setup: func(r *http.Request) {
				r.RemoteAddr = "10.0.0.1:12345"
				r.Header.Set("X-Forwarded-For", "203.0.113.1")
			},
			wantAddr: "203.0.113.1",
		},
		{
			name: "prefers X-Real-IP over RemoteAddr",
			setup: func(r *http.Request) {
				r.RemoteAddr = "10.0.0.1:12345"
				r.Header.Set("X-Real-IP", "203.0.113.2")
			},
			wantAddr: "203.0.113.2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			tt.setup(req)
			if got := getClientIP(req); got != tt.wantAddr {
				t.Errorf("getClientIP() = %q, want %q", got, tt.wantAddr)
			}
		})
	}
}

func TestRateLimiter_Concurrency(t *testing.T) {
	config := &RateLimitConfig{RequestsPerWindow: 1000, WindowDuration: time.Second, BurstSize: 0}
	limiter := NewRateLimiter(config)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				limiter.Allow("shared-key")
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	// No assertion beyond "did not race or deadlock" (run with -race).
}

func TestRateLimiter_TokenRefill(t *testing.T) {
	config := &RateLimitConfig{RequestsPerWindow: 10, WindowDuration: 100 * time.Millisecond, BurstSize: 0}
	limiter := NewRateLimiter(config)
	key := "refill-test"

	for i := 0; i < 10; i++ {
		limiter.Allow(key)
	}
	if limiter.Allow(key) {
		t.Error("expected bucket to be exhausted")
	}

	time.Sleep(100 * time.Millisecond)
	if !limiter.Allow(key) {
		t.Error("expected tokens to refill after the window elapses")
	}
}

func TestNewRateLimiter_NilConfig(t *testing.T) {
	limiter := NewRateLimiter(nil)
	if limiter.config == nil {
		t.Fatal("expected NewRateLimiter(nil) to fall back to DefaultRateLimitConfig")
	}
}

func TestRateLimiter_StartCleanup(t *testing.T) {
	config := &RateLimitConfig{RequestsPerWindow: 10, WindowDuration: 10 * time.Millisecond, BurstSize: 2}
	limiter := NewRateLimiter(config)

	ctx, cancel := context.WithCancel(context.Background())
	limiter.StartCleanup(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	// If we reach here without panic, cleanup stopped gracefully
}

func TestRateLimiter_TokenCapRefill(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    100 * time.Millisecond,
		BurstSize:         5,
	}
	limiter := NewRateLimiter(config)

	key := "cap-test"

	for i := 0; i < 5; i++ {
		limiter.Allow(key)
	}

	time.Sleep(500 * time.Millisecond)

	allowed := 0
	maxAllowed := config.RequestsPerWindow + config.BurstSize
	for i := 0; i < maxAllowed+5; i++ {
		if limiter.Allow(key) {
			allowed++
		}
	}

	if allowed != maxAllowed {
		t.Errorf("Should allow exactly %d requests after full refill, got %d", maxAllowed, allowed)
	}
}

func TestNewRateLimitMiddleware(t *testing.T) {
	middleware := NewRateLimitMiddleware()
	if middleware == nil || middleware.limiter == nil {
		t.Fatal("NewRateLimitMiddleware should return a middleware with a configured limiter")
	}
}

func TestRateLimitMiddleware_Handler(t *testing.T) {
	middleware := NewRateLimitMiddleware()
	middleware.limiter = NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Second,
		BurstSize:         1,
	})

	handlerCalled := false
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 4; i++ {
		handlerCalled = false
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
		if !handlerCalled {
			t.Errorf("Request %d: handler was not called", i+1)
		}
		if rec.Header().Get("X-RateLimit-Limit") == "" {
			t.Error("X-RateLimit-Limit header should be set")
		}
	}

	handlerCalled = false
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if handlerCalled {
		t.Error("Handler should not be called when rate limited")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining should be 0, got %s", rec.Header().Get("X-RateLimit-Remaining"))
	}

	body := rec.Body.String()
	if !strings.Contains(body, "rate limit exceeded") {
		t.Errorf("Response body should contain error message, got: %s", body)
	}
	if !strings.Contains(body, "retry_after") {
		t.Errorf("Response body should contain retry_after, got: %s", body)
	}
}

func TestRateLimitMiddleware_DifferentIPsIndependent(t *testing.T) {
	middleware := NewRateLimitMiddleware()
	middleware.limiter = NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Second,
		BurstSize:         0,
	})

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req1.RemoteAddr = "192.168.1.1:12345"

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req1)
		if rec.Code != http.StatusOK {
			t.Errorf("First IP request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusTooManyRequests {
		t.Errorf("First IP: expected 429, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req2.RemoteAddr = "192.168.1.2:12345"

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("Second IP: expected 200, got %d", rec2.Code)
	}
}

func TestRateLimitMiddleware_RateLimitExceeded_Headers(t *testing.T) {
	middleware := NewRateLimitMiddleware()
	middleware.limiter = NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}

	headers := []string{"Content-Type", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}
	for _, header := range headers {
		if rec.Header().Get(header) == "" {
			t.Errorf("Header %s should be set", header)
		}
	}

	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type should be application/json, got %s", rec.Header().Get("Content-Type"))
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" || retryAfter == "0" {
		t.Errorf("Retry-After should be positive, got %s", retryAfter)
	}
}
