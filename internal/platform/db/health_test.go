package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func checkHealth(t *testing.T, deps map[string]Pinger) (int, map[string]any) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), rec)
	if err := HealthHandler(deps)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func up(context.Context) error { return nil }

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := checkHealth(t, map[string]Pinger{
		"database": PingFunc(up),
		"redis":    PingFunc(up),
	})
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("got %d %v", code, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["database"] != "ok" || checks["redis"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHealthHandler_OneDependencyDown(t *testing.T) {
	code, body := checkHealth(t, map[string]Pinger{
		"database": PingFunc(up),
		"redis": PingFunc(func(context.Context) error {
			return errors.New("connection refused")
		}),
	})
	if code != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Fatalf("got %d %v", code, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["database"] != "ok" || checks["redis"] != "connection refused" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHealthHandler_PingsShareDeadline(t *testing.T) {
	code, _ := checkHealth(t, map[string]Pinger{
		"database": PingFunc(func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		}),
	})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}
