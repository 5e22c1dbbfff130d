package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/claimsedi/internal/platform/auth"
)

// hit sends one request from ip with an optional practice claim through mw.
func hit(t *testing.T, mw echo.MiddlewareFunc, ip, practice string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claims/x/edi/submit", nil)
	req.Header.Set(echo.HeaderXRealIP, ip)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if practice != "" {
		c.Set(auth.PracticeClaimKey, practice)
	}
	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	return rec, err
}

func TestRateLimit_BurstThenRefuse(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		rec, err := hit(t, mw, "10.0.0.1", "north")
		if err != nil || rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d (%v)", i+1, rec.Code, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
			t.Errorf("request %d: expected X-RateLimit-Limit 1, got %q", i+1, got)
		}
	}

	rec, err := hit(t, mw, "10.0.0.1", "north")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After 1, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}
}

func TestRateLimit_KeyedByPracticeAndIP(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		practice string
		allowed  bool
	}{
		{"first caller", "10.0.0.1", "north", true},
		{"same practice and ip", "10.0.0.1", "north", false},
		{"same ip other practice", "10.0.0.1", "south", true},
		{"same practice other ip", "10.0.0.2", "north", true},
		{"no practice claim", "10.0.0.1", "", true},
		{"no practice claim again", "10.0.0.1", "", false},
	}

	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	for _, tt := range tests {
		_, err := hit(t, mw, tt.ip, tt.practice)
		if allowed := err == nil; allowed != tt.allowed {
			t.Errorf("%s: allowed = %v, want %v (%v)", tt.name, allowed, tt.allowed, err)
		}
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestTake_ZeroRate(t *testing.T) {
	lim := rate.NewLimiter(0, 1)
	now := time.Now()
	if ok, _ := take(lim, now); !ok {
		t.Fatal("expected the burst token to be available")
	}
	ok, retry := take(lim, now)
	if ok {
		t.Fatal("expected zero rate limiter to refuse after the burst")
	}
	if retry != 1 {
		t.Errorf("expected retryAfter 1 for zero rate, got %d", retry)
	}
}

func TestTake_RetryAfterRoundsUp(t *testing.T) {
	lim := rate.NewLimiter(0.5, 1)
	now := time.Now()
	take(lim, now)
	ok, retry := take(lim, now)
	if ok {
		t.Fatal("expected second token to be refused")
	}
	if retry != 2 {
		t.Errorf("expected retryAfter 2 at half a token per second, got %d", retry)
	}
	// The refused reservation must not consume the next token.
	if ok, _ := take(lim, now.Add(2*time.Second)); !ok {
		t.Error("expected a token after the advertised wait")
	}
}

func TestLimiterStore_ReusesLimiter(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	l1 := store.get("key1")
	if l1 == nil {
		t.Fatal("expected non-nil limiter")
	}
	if l2 := store.get("key1"); l1 != l2 {
		t.Error("expected same limiter instance for same key")
	}
	if l3 := store.get("key2"); l1 == l3 {
		t.Error("expected different limiter for different key")
	}
}
