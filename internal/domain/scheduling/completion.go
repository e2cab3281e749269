package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/telemetry"
	"github.com/clinic/clinic/pkg/calendar"
)

// TenantRunner scopes work to one tenant's schema at a time.
type TenantRunner interface {
	List(ctx context.Context) ([]string, error)
	Within(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

// CompletionJob moves past-dated active appointments to completed in every
// tenant.
type CompletionJob struct {
	tenants  TenantRunner
	ledger   *Ledger
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	nowFunc  func() time.Time
	loc      *time.Location
	interval time.Duration
}

func NewCompletionJob(tenants TenantRunner, ledger *Ledger, metrics *telemetry.Metrics, logger zerolog.Logger, loc *time.Location, interval time.Duration) *CompletionJob {
	if loc == nil {
		loc = time.UTC
	}
	return &CompletionJob{
		tenants:  tenants,
		ledger:   ledger,
		metrics:  metrics,
		logger:   logger.With().Str("job", "appointment_completion").Logger(),
		nowFunc:  time.Now,
		loc:      loc,
		interval: interval,
	}
}

func (j *CompletionJob) today() calendar.Date {
	return calendar.DateOf(j.nowFunc().In(j.loc))
}

// RunTenant completes one tenant's past appointments.
func (j *CompletionJob) RunTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := j.tenants.Within(ctx, tenantID, func(ctx context.Context) error {
		var err error
		n, err = j.ledger.MarkCompleted(ctx, j.today())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("complete appointments for tenant %s: %w", tenantID, err)
	}
	j.metrics.RecordCompletions(ctx, tenantID, n)
	if n > 0 {
		j.logger.Info().Str("tenant_id", tenantID).Int64("completed", n).Msg("appointments completed")
	}
	return n, nil
}

// RunOnce sweeps every tenant. A failing tenant does not stop the others;
// their errors are joined.
func (j *CompletionJob) RunOnce(ctx context.Context) (int64, error) {
	tenants, err := j.tenants.List(ctx)
	if err != nil {
		return 0, err
	}
	var (
		total int64
		errs  []error
	)
	for _, t := range tenants {
		n, err := j.RunTenant(ctx, t)
		if err != nil {
			j.logger.Error().Err(err).Str("tenant_id", t).Msg("completion sweep failed")
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Run sweeps immediately and then on every interval until ctx is done. A
// non-positive interval disables the job.
func (j *CompletionJob) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	j.logger.Info().Dur("interval", j.interval).Msg("completion job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn().Err(err).Msg("completion sweep finished with errors")
		}
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("completion job stopped")
			return
		case <-ticker.C:
		}
	}
}
