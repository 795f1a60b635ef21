package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
)

// fakeClock lets tests move the limiter across window boundaries.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter() (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestTake(t *testing.T) {
	rl, _ := newTestLimiter()
	b := Budget{Name: "review", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		remaining, _, ok := rl.Take(b, "user:alice")
		if !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if want := 2 - i; remaining != want {
			t.Errorf("call %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}
	if _, _, ok := rl.Take(b, "user:alice"); ok {
		t.Error("4th call should be denied")
	}
}

func TestTakeBudgetsAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter()
	review := Budget{Name: "review", Limit: 1, Window: time.Minute}
	imports := Budget{Name: "import", Limit: 1, Window: time.Minute}

	if _, _, ok := rl.Take(review, "user:alice"); !ok {
		t.Fatal("first review call denied")
	}
	if _, _, ok := rl.Take(imports, "user:alice"); !ok {
		t.Error("import budget charged by review call")
	}
	if _, _, ok := rl.Take(review, "user:bob"); !ok {
		t.Error("bob charged for alice's call")
	}
}

func TestTakeWindowReset(t *testing.T) {
	rl, clock := newTestLimiter()
	b := Budget{Name: "backup", Limit: 2, Window: time.Minute}

	rl.Take(b, "ip:10.0.0.1")
	rl.Take(b, "ip:10.0.0.1")
	if _, _, ok := rl.Take(b, "ip:10.0.0.1"); ok {
		t.Fatal("should be blocked within window")
	}

	clock.t = clock.t.Add(time.Minute)
	if _, _, ok := rl.Take(b, "ip:10.0.0.1"); !ok {
		t.Error("should be allowed once the window resets")
	}
}

func TestCleanup(t *testing.T) {
	rl, clock := newTestLimiter()
	short := Budget{Name: "short", Limit: 5, Window: time.Second}
	long := Budget{Name: "long", Limit: 5, Window: time.Hour}

	rl.Take(short, "a")
	rl.Take(long, "a")
	clock.t = clock.t.Add(time.Minute)
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.windows["short|a"]; ok {
		t.Error("expired window should have been cleaned up")
	}
	if _, ok := rl.windows["long|a"]; !ok {
		t.Error("active window should still exist")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter()
	handler := RateLimit(rl, Budget{Name: "review", Limit: 2, Window: time.Minute})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/reviews", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		if userID != "" {
			req = req.WithContext(auth.WithUser(req.Context(), model.UserProfile{ID: userID}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("alice"); rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	rec := send("alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want %q", got, "60")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want %q", got, "0")
	}

	// Same address, different user: separate budget.
	if rec := send("bob"); rec.Code != http.StatusOK {
		t.Errorf("bob: status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := send(""); rec.Code != http.StatusOK {
		t.Errorf("anonymous: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := ClientKey(req); got != "ip:192.0.2.7" {
		t.Errorf("ClientKey = %q, want %q", got, "ip:192.0.2.7")
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientKey(req); got != "ip:203.0.113.9" {
		t.Errorf("ClientKey = %q, want %q", got, "ip:203.0.113.9")
	}

	req = req.WithContext(auth.WithUser(req.Context(), model.UserProfile{ID: "u1"}))
	if got := ClientKey(req); got != "user:u1" {
		t.Errorf("ClientKey = %q, want %q", got, "user:u1")
	}
}
