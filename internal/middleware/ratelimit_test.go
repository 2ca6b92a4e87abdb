package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hit(rl *RateLimiter, key string, limit int, window time.Duration) bool {
	n, _, _ := rl.Hit(context.Background(), key, window)
	return n <= int64(limit)
}

func TestRateLimiterHit(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 5; i++ {
		if !hit(rl, "key", 5, time.Minute) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if hit(rl, "key", 5, time.Minute) {
		t.Error("6th request should be denied")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		hit(rl, "key", 3, time.Minute)
	}

	if hit(rl, "key", 3, time.Minute) {
		t.Error("should be blocked within window")
	}

	now = now.Add(61 * time.Second)

	if !hit(rl, "key", 3, time.Minute) {
		t.Error("should be allowed after window expires")
	}
}

func TestRateLimiterHitReportsReset(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Hit(context.Background(), "key", time.Minute)
	now = now.Add(20 * time.Second)
	n, reset, err := rl.Hit(context.Background(), "key", time.Minute)
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if reset != 40*time.Second {
		t.Errorf("reset = %v, want 40s", reset)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	hit(rl, "expired", 5, time.Second)
	now = now.Add(2 * time.Second)
	hit(rl, "active", 5, time.Minute)

	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["expired"]; ok {
		t.Error("expired entry should have been cleaned up")
	}
	if _, ok := rl.entries["active"]; !ok {
		t.Error("active entry should still exist")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter()
	limit := Limit{Name: "login", Count: 2, Window: time.Minute}

	handler := RateLimit(rl, discardLogger(), limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First 2 requests should pass
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	// 3rd request should be rate limited
	req := httptest.NewRequest("POST", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// A different client has its own budget
	req = httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

type failingCounter struct{}

func (failingCounter) Hit(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestRateLimitFailsOpen(t *testing.T) {
	handler := RateLimit(failingCounter{}, discardLogger(), Limit{Name: "x", Count: 1, Window: time.Minute})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	limit := Limit{Name: "login", Count: 2, Window: time.Minute}
	handler := ClientIP(nil)(RateLimit(NewRateLimiter(), discardLogger(), limit)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	limited := 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("CF-Connecting-IP", fmt.Sprintf("192.0.2.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 8 {
		t.Errorf("limited %d/10 requests, want 8", limited)
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("127.0.0.1/32"),
	}
	tests := []struct {
		name    string
		trusted []netip.Prefix
		headers map[string]string
		remote  string
		want    string
	}{
		{"untrusted peer ignores headers", trusted, map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1", "3.3.3.3"},
		{"no trusted proxies", nil, map[string]string{"X-Forwarded-For": "2.2.2.2"}, "127.0.0.1:1", "127.0.0.1"},
		{"cloudflare via trusted proxy", trusted, map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "10.1.1.1:1", "1.1.1.1"},
		{"forwarded chain", trusted, map[string]string{"X-Forwarded-For": "6.6.6.6, 2.2.2.2, 10.0.0.5"}, "127.0.0.1:1", "2.2.2.2"},
		{"all hops trusted", trusted, map[string]string{"X-Forwarded-For": "10.0.0.7, 10.0.0.5"}, "127.0.0.1:1", "10.0.0.7"},
		{"garbage hop", trusted, map[string]string{"X-Forwarded-For": "not-an-ip"}, "127.0.0.1:1", "127.0.0.1"},
		{"remote addr", trusted, nil, "3.3.3.3:1234", "3.3.3.3"},
		{"remote no port", nil, nil, "3.3.3.3", "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			var got string
			ClientIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = RealIP(r)
			})).ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("RealIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealIPWithoutClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "3.3.3.3:1234"
	req.Header.Set("X-Forwarded-For", "2.2.2.2")
	if got := RealIP(req); got != "3.3.3.3" {
		t.Errorf("RealIP = %q, want 3.3.3.3", got)
	}
}
