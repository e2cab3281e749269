package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/clinic/clinic/internal/platform/auth"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops a caller's limiter after this long without requests.
	IdleTTL time.Duration
	// TenantOf names the caller's tenant. The limiter runs before a pooled
	// connection is taken, so it must not depend on TenantMiddleware.
	TenantOf func(echo.Context) string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet keeps one limiter per caller key. Idle entries are swept at
// most once per IdleTTL, on the request path.
type limiterSet struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &limiterSet{
		cfg:     cfg,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.cfg.IdleTTL {
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) >= s.cfg.IdleTTL {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}

	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// retryAfter is the whole number of seconds until lim grants one token.
func retryAfter(lim *rate.Limiter, now time.Time) int {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 1
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if secs := int(math.Ceil(d.Seconds())); secs > 1 {
		return secs
	}
	return 1
}

// claimedTenant is the default TenantOf: the token's tenant claim, else the
// X-Tenant-ID header.
func claimedTenant(c echo.Context) string {
	if tid, _ := c.Get(auth.TenantContextKey).(string); tid != "" {
		return tid
	}
	return c.Request().Header.Get("X-Tenant-ID")
}

// rateLimitKey buckets authenticated callers per account and everyone else
// per client IP, both within their tenant.
func rateLimitKey(c echo.Context, tenantOf func(echo.Context) string) string {
	tid := tenantOf(c)
	if id, ok := auth.IdentityFromContext(c.Request().Context()); ok && id.UserID != "" {
		return tid + ":user:" + id.UserID
	}
	return tid + ":ip:" + c.RealIP()
}

// RateLimit rejects callers that exceed their token bucket with 429 and a
// Retry-After hint.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newLimiterSet(cfg))
}

func rateLimit(set *limiterSet) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(set.cfg.RequestsPerSecond, 'f', -1, 64)
	tenantOf := set.cfg.TenantOf
	if tenantOf == nil {
		tenantOf = claimedTenant
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := set.now()
			lim := set.get(rateLimitKey(c, tenantOf), now)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if !lim.AllowN(now, 1) {
				h.Set("Retry-After", strconv.Itoa(retryAfter(lim, now)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
