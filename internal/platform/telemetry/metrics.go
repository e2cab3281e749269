package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Booking outcomes recorded on the booking counter.
const (
	OutcomeBooked          = "booked"
	OutcomeSlotUnavailable = "slot_unavailable"
	OutcomeRaceLost        = "race_lost"
	OutcomeRejected        = "rejected"
	OutcomeError           = "error"
)

// Metrics holds the service's instruments. A nil *Metrics records nothing.
type Metrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	bookings        metric.Int64Counter
	cancellations   metric.Int64Counter
	completions     metric.Int64Counter
}

// NewMetrics creates instruments on mp, or on the global provider when mp is
// nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	requestCount, err := meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests"))
	if err != nil {
		return nil, err
	}
	requestDuration, err := meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	bookings, err := meter.Int64Counter("scheduling.bookings",
		metric.WithDescription("Booking attempts by outcome"))
	if err != nil {
		return nil, err
	}
	cancellations, err := meter.Int64Counter("scheduling.cancellations",
		metric.WithDescription("Appointments canceled"))
	if err != nil {
		return nil, err
	}
	completions, err := meter.Int64Counter("scheduling.completions",
		metric.WithDescription("Appointments moved to completed by the completion job"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestCount:    requestCount,
		requestDuration: requestDuration,
		bookings:        bookings,
		cancellations:   cancellations,
		completions:     completions,
	}, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.requestCount.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

func (m *Metrics) RecordBooking(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.bookings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordCancellation(ctx context.Context) {
	if m == nil {
		return
	}
	m.cancellations.Add(ctx, 1)
}

func (m *Metrics) RecordCompletions(ctx context.Context, tenant string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.completions.Add(ctx, n, metric.WithAttributes(attribute.String("tenant", tenant)))
}
