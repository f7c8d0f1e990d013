package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterPerPrincipal(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	h := rl.Handler(okHandler())

	do := func(id string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/domains", nil)
		if id != "" {
			req = req.WithContext(auth.WithPrincipal(req.Context(), auth.NewPrincipal(id)))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("alice"); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("expected throttling, got %d", code)
	}
	if code := do("bob"); code != http.StatusOK {
		t.Fatalf("bob has his own bucket, got %d", code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("old")
	now = now.Add(time.Hour)
	rl.getLimiter("fresh")

	if removed := rl.Cleanup(time.Minute); removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, ok := rl.limiters["fresh"]; !ok {
		t.Fatalf("fresh limiter was dropped")
	}
}

func TestTracingMiddleware(t *testing.T) {
	mw := NewTracingMiddleware(nil)

	rec := httptest.NewRecorder()
	mw.Handler(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("trace id was not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-ID", "abc-123")
	rec = httptest.NewRecorder()
	mw.Handler(okHandler()).ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Trace-ID"); got != "abc-123" {
		t.Fatalf("trace id = %q", got)
	}
}

func TestCORSMiddleware(t *testing.T) {
	mw := NewCORSMiddleware([]string{"https://app.example.com", "*.quantera.io"})

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.com", true},
		{"https://desk.quantera.io", true},
		{"https://evil.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/v1/orders", nil)
		req.Header.Set("Origin", tt.origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		mw.Handler(okHandler()).ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: preflight status %d", tt.origin, rec.Code)
		}
		got := rec.Header().Get("Access-Control-Allow-Origin") == tt.origin
		if got != tt.allowed {
			t.Fatalf("%s: allowed = %v, want %v", tt.origin, got, tt.allowed)
		}
	}
}
