package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Counter is a fixed-window hit counter. Hit returns the number of hits for
// key in the current window and the time until the window resets.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type entry struct {
	count    int64
	windowAt time.Time
}

// RateLimiter provides in-memory rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Hit(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.entries[key]
	if !ok || now.After(e.windowAt) {
		e = &entry{windowAt: now.Add(window)}
		rl.entries[key] = e
	}
	e.count++
	return e.count, e.windowAt.Sub(now), nil
}

// Cleanup removes expired entries.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, e := range rl.entries {
		if now.After(e.windowAt) {
			delete(rl.entries, key)
		}
	}
}

// Limit is a per-route request budget.
type Limit struct {
	Name   string
	Count  int
	Window time.Duration
}

// RateLimit returns middleware that allows limit.Count requests per client IP
// in each limit.Window. Rejected requests get 429 with Retry-After. If the
// counter fails the request is let through.
func RateLimit(counter Counter, logger *slog.Logger, limit Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := limit.Name + ":" + RealIP(r)
			n, reset, err := counter.Hit(r.Context(), key, limit.Window)
			if err != nil {
				logger.Error("rate limiter unavailable", "route", limit.Name, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if n > int64(limit.Count) {
				secs := int(math.Ceil(reset.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
