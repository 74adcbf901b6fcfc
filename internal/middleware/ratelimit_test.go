package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/plansync/internal/auth"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("key", 5, time.Minute); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retry := rl.Allow("key", 5, time.Minute)
	if ok {
		t.Error("6th request should be denied")
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("retry after = %v, want within (0, 1m]", retry)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rl.Allow("key", 3, time.Second)
	}
	if ok, _ := rl.Allow("key", 3, time.Second); ok {
		t.Error("should be blocked within window")
	}

	now = now.Add(time.Second)
	if ok, _ := rl.Allow("key", 3, time.Second); !ok {
		t.Error("should be allowed after window resets")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("expired", 5, time.Second)
	rl.Allow("active", 5, time.Hour)
	now = now.Add(2 * time.Second)

	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.windows["expired"]; ok {
		t.Error("expired window should have been cleaned up")
	}
	if _, ok := rl.windows["active"]; !ok {
		t.Error("active window should still exist")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter()

	handler := RateLimit(rl, ByUser, 2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/", nil)
		req = req.WithContext(auth.WithIdentity(context.Background(), auth.Identity{UserID: userID}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("user-1"); rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	rec := send("user-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if rec := send("user-2"); rec.Code != http.StatusOK {
		t.Errorf("other user: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := RealIP(req); got != "10.0.0.1" {
		t.Errorf("RealIP = %q, want 10.0.0.1", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := RealIP(req); got != "203.0.113.5" {
		t.Errorf("RealIP = %q, want 203.0.113.5", got)
	}

	req.Header.Set("CF-Connecting-IP", "198.51.100.7")
	if got := RealIP(req); got != "198.51.100.7" {
		t.Errorf("RealIP = %q, want 198.51.100.7", got)
	}
}
