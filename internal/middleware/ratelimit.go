package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
)

// RealIP extracts the client's real IP address, preferring Cloudflare's
// CF-Connecting-IP header, then X-Forwarded-For, and falling back to RemoteAddr.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientKey identifies the caller for rate limiting: the signed-in user id
// when there is one, the client IP otherwise.
func ClientKey(r *http.Request) string {
	if id := auth.UserID(r.Context()); id != "" {
		return "user:" + id
	}
	return "ip:" + RealIP(r)
}

// Budget is a named allowance of Limit calls per Window. Each budget is
// counted separately per caller, so generating reviews does not eat into
// the import allowance.
type Budget struct {
	Name   string
	Limit  int
	Window time.Duration
}

type window struct {
	used    int
	resetAt time.Time
}

// RateLimiter counts calls per budget and caller in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Take spends one call of b for caller. It reports how many calls remain in
// the current window, when the window resets, and whether the call fits.
func (rl *RateLimiter) Take(b Budget, caller string) (remaining int, resetAt time.Time, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	key := b.Name + "|" + caller
	w, found := rl.windows[key]
	if !found || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(b.Window)}
		rl.windows[key] = w
	}
	if w.used >= b.Limit {
		return 0, w.resetAt, false
	}
	w.used++
	return b.Limit - w.used, w.resetAt, true
}

// Cleanup drops windows that have already reset.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until done is closed.
func (rl *RateLimiter) RunCleanup(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-done:
			return
		}
	}
}

// RateLimit returns middleware that charges b to the caller named by
// ClientKey. Rejected calls get a JSON 429 with Retry-After.
func RateLimit(limiter *RateLimiter, b Budget) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, resetAt, ok := limiter.Take(b, ClientKey(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(b.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				wait := int(resetAt.Sub(limiter.now()).Round(time.Second).Seconds())
				if wait < 1 {
					wait = 1
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(wait))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests","kind":"rate_limited"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
