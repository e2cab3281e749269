package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

type TimeoutConfig struct {
	Skipper echomw.Skipper
	Timeout time.Duration
}

// isWebSocket matches the long-lived /ws endpoints.
func isWebSocket(c echo.Context) bool {
	return strings.HasSuffix(c.Request().URL.Path, "/ws")
}

// RequestTimeout bounds every request except websocket upgrades by d.
func RequestTimeout(d time.Duration) echo.MiddlewareFunc {
	return RequestTimeoutWithConfig(TimeoutConfig{Skipper: isWebSocket, Timeout: d})
}

// RequestTimeoutWithConfig attaches a deadline to the request context. Work
// that honours the context stops when it passes and the request fails with
// 504, whatever error the handler surfaced.
func RequestTimeoutWithConfig(cfg TimeoutConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) || cfg.Timeout <= 0 {
				return next(c)
			}

			req := c.Request()
			ctx, cancel := context.WithTimeout(req.Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out").SetInternal(err)
		}
	}
}
