package db

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const healthTimeout = 5 * time.Second

// Pinger is satisfied by *pgxpool.Pool and *redis.Client wrappers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type poolStats struct {
	Total        int32  `json:"total"`
	Idle         int32  `json:"idle"`
	Acquired     int32  `json:"acquired"`
	Max          int32  `json:"max"`
	Acquires     int64  `json:"acquires"`
	AcquireWaits int64  `json:"acquire_waits"`
	AcquireTime  string `json:"acquire_time"`
}

func statsOf(pool *pgxpool.Pool) poolStats {
	s := pool.Stat()
	return poolStats{
		Total:        s.TotalConns(),
		Idle:         s.IdleConns(),
		Acquired:     s.AcquiredConns(),
		Max:          s.MaxConns(),
		Acquires:     s.AcquireCount(),
		AcquireWaits: s.EmptyAcquireCount(),
		AcquireTime:  s.AcquireDuration().String(),
	}
}

// HealthHandler pings every named dependency concurrently and answers 503
// when any of them fails. A dependency that is a *pgxpool.Pool also reports
// its connection statistics.
func HealthHandler(deps map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		var (
			mu      sync.Mutex
			checks  = make(map[string]string, len(deps))
			healthy = true
		)
		var g errgroup.Group
		for name, dep := range deps {
			g.Go(func() error {
				result := "ok"
				if err := dep.Ping(ctx); err != nil {
					result = err.Error()
				}
				mu.Lock()
				checks[name] = result
				healthy = healthy && result == "ok"
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		body := map[string]any{"status": "healthy", "checks": checks}
		for name, dep := range deps {
			if pool, ok := dep.(*pgxpool.Pool); ok {
				body[name+"_pool"] = statsOf(pool)
			}
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
