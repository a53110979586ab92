package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/middec/middec/internal/platform/auth"
)

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := handler(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeysByUser(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(func(c echo.Context) error {
		return nil
	})

	request := func(user string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, user))
		}
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := request("alice"); err != nil {
		t.Fatalf("alice first request: %v", err)
	}
	if err := request("bob"); err != nil {
		t.Fatalf("bob shares a client IP but has his own bucket: %v", err)
	}
	if err := request("alice"); err == nil {
		t.Fatal("expected alice to be limited")
	}
}

func TestRateLimiter_RefillsAndSweeps(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }

	if ok, _ := l.allow("k"); !ok {
		t.Fatal("expected first token")
	}
	if ok, wait := l.allow("k"); ok || wait < 1 {
		t.Fatalf("expected denial with a wait, got ok=%v wait=%d", ok, wait)
	}

	now = now.Add(time.Second)
	if ok, _ := l.allow("k"); !ok {
		t.Fatal("expected a token after one second")
	}

	now = now.Add(2 * time.Minute)
	l.allow("other")
	if _, ok := l.buckets["k"]; ok {
		t.Error("expected idle bucket to be swept")
	}
}
