package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

// clockedLimiter returns a middleware whose limiter set reads time from the
// returned pointer.
func clockedLimiter(cfg RateLimitConfig) (echo.HandlerFunc, *limiterSet, *time.Time) {
	now := time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC)
	set := newLimiterSet(cfg)
	set.now = func() time.Time { return now }
	h := rateLimit(set)(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	return h, set, &now
}

type limitedCall struct {
	err error
	rec *httptest.ResponseRecorder
}

func callAs(h echo.HandlerFunc, tenant, user string) limitedCall {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
	if user != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: user, Role: auth.RolePatient}))
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if tenant != "" {
		c.Set(auth.TenantContextKey, tenant)
	}
	return limitedCall{err: h(c), rec: rec}
}

func assertLimited(t *testing.T, got limitedCall, wantRetry string) {
	t.Helper()
	he, ok := got.err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want 429", got.err)
	}
	if ra := got.rec.Header().Get("Retry-After"); ra != wantRetry {
		t.Errorf("Retry-After = %q, want %q", ra, wantRetry)
	}
	if rem := got.rec.Header().Get("X-RateLimit-Remaining"); rem != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rem)
	}
}

func TestRateLimit_BurstThenLimited(t *testing.T) {
	h, _, _ := clockedLimiter(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 3})

	for i := 0; i < 3; i++ {
		got := callAs(h, "north", "alice")
		if got.err != nil {
			t.Fatalf("request %d: %v", i+1, got.err)
		}
		if lim := got.rec.Header().Get("X-RateLimit-Limit"); lim != "10" {
			t.Errorf("X-RateLimit-Limit = %q, want 10", lim)
		}
	}
	assertLimited(t, callAs(h, "north", "alice"), "1")
}

func TestRateLimit_RetryAfterFollowsRefillRate(t *testing.T) {
	// One token every five seconds.
	h, _, now := clockedLimiter(RateLimitConfig{RequestsPerSecond: 0.2, BurstSize: 1})

	if got := callAs(h, "", "alice"); got.err != nil {
		t.Fatal(got.err)
	}
	assertLimited(t, callAs(h, "", "alice"), "5")

	*now = now.Add(2 * time.Second)
	assertLimited(t, callAs(h, "", "alice"), "3")

	*now = now.Add(3 * time.Second)
	if got := callAs(h, "", "alice"); got.err != nil {
		t.Fatalf("after refill: %v", got.err)
	}
}

func TestRateLimit_KeysAreIsolated(t *testing.T) {
	h, _, _ := clockedLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if got := callAs(h, "north", "alice"); got.err != nil {
		t.Fatal(got.err)
	}
	assertLimited(t, callAs(h, "north", "alice"), "1")

	// Another account, the same account in another tenant, and an
	// anonymous caller each get their own bucket.
	for _, tc := range []struct{ tenant, user string }{
		{"north", "bob"},
		{"south", "alice"},
		{"north", ""},
	} {
		if got := callAs(h, tc.tenant, tc.user); got.err != nil {
			t.Errorf("%s/%q: %v", tc.tenant, tc.user, got.err)
		}
	}
}

func TestRateLimit_IdleKeysEvicted(t *testing.T) {
	h, set, now := clockedLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})

	callAs(h, "north", "alice")
	callAs(h, "north", "bob")
	if n := set.size(); n != 2 {
		t.Fatalf("size = %d, want 2", n)
	}

	*now = now.Add(2 * time.Minute)
	callAs(h, "north", "carol")
	if n := set.size(); n != 1 {
		t.Errorf("size after idle sweep = %d, want 1", n)
	}

	// alice starts over with a full bucket.
	if got := callAs(h, "north", "alice"); got.err != nil {
		t.Errorf("evicted caller: %v", got.err)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 || cfg.IdleTTL != 10*time.Minute {
		t.Errorf("defaults = %+v", cfg)
	}
	if set := newLimiterSet(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}); set.cfg.IdleTTL != 10*time.Minute {
		t.Errorf("zero IdleTTL not defaulted: %s", set.cfg.IdleTTL)
	}
}

func TestRateLimit_TenantFromHeaderBeforeTenantMiddleware(t *testing.T) {
	h, set, _ := clockedLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	call := func(tenant string) error {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
		req.Header.Set("X-Tenant-ID", tenant)
		req.RemoteAddr = "10.0.0.9:4000"
		return h(echo.New().NewContext(req, httptest.NewRecorder()))
	}
	if err := call("north"); err != nil {
		t.Fatalf("first north call: %v", err)
	}
	if err := call("south"); err != nil {
		t.Fatalf("same IP in another tenant must have its own bucket: %v", err)
	}
	if he, ok := call("north").(*echo.HTTPError); !ok || he.Code != http.StatusTooManyRequests {
		t.Fatal("second north call should be limited")
	}
	if set.size() != 2 {
		t.Errorf("size = %d, want 2", set.size())
	}
}

func TestRateLimit_CustomTenantOf(t *testing.T) {
	var asked int
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, TenantOf: func(echo.Context) string {
		asked++
		return "fixed"
	}}
	h, _, _ := clockedLimiter(cfg)

	_ = callAs(h, "north", "u-1")
	got := callAs(h, "south", "u-1")
	if got.err == nil {
		t.Fatal("TenantOf overrides the claim, so both calls share one bucket")
	}
	if asked != 2 {
		t.Errorf("TenantOf called %d times, want 2", asked)
	}
}
