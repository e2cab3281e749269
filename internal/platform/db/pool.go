package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// AppName is reported as application_name in pg_stat_activity.
	AppName string
}

const (
	poolIdleTimeout   = 5 * time.Minute
	poolHealthCheck   = 30 * time.Second
	poolConnectBudget = 10 * time.Second
)

// NewPool connects to Postgres and fails fast when the server does not
// answer a ping. Statements run through the pool are logged by QueryTracer.
func NewPool(ctx context.Context, cfg PoolConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= pc.MaxConns {
		pc.MinConns = cfg.MinConns
	}
	pc.MaxConnIdleTime = poolIdleTimeout
	pc.HealthCheckPeriod = poolHealthCheck
	pc.ConnConfig.Tracer = NewQueryTracer(logger)
	if cfg.AppName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	}

	ctx, cancel := context.WithTimeout(ctx, poolConnectBudget)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Debug().Int32("max_conns", pc.MaxConns).Int32("min_conns", pc.MinConns).Msg("database pool ready")
	return pool, nil
}
