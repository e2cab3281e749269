package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

type traceKey struct{}

type traceData struct {
	sql   string
	start time.Time
}

// QueryTracer logs each statement with its duration. Failed statements are
// logged at warn, everything else at debug.
type QueryTracer struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewQueryTracer(logger zerolog.Logger) *QueryTracer {
	return &QueryTracer{logger: logger.With().Str("component", "pgx").Logger(), now: time.Now}
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceData{sql: data.SQL, start: t.now()})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	td, ok := ctx.Value(traceKey{}).(traceData)
	if !ok {
		return
	}
	elapsed := t.now().Sub(td.start)

	if data.Err != nil {
		t.logger.Warn().
			Err(data.Err).
			Str("sql", td.sql).
			Dur("duration", elapsed).
			Msg("query failed")
		return
	}
	t.logger.Debug().
		Str("sql", td.sql).
		Str("command_tag", data.CommandTag.String()).
		Dur("duration", elapsed).
		Msg("query")
}
