package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeTenants runs every tenant against the same store and fails the ones
// listed in broken.
type fakeTenants struct {
	ids    []string
	broken map[string]bool
	seen   []string
}

func (f *fakeTenants) List(context.Context) ([]string, error) { return f.ids, nil }

func (f *fakeTenants) Within(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	f.seen = append(f.seen, tenantID)
	if f.broken[tenantID] {
		return errors.New("schema missing")
	}
	return fn(ctx)
}

func TestCompletionJob_RunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	appt, err := env.booker.BookAppointment(ctx, bookingFor(s, uuid.New(), "09:00"))
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	tenants := &fakeTenants{ids: []string{"acme", "broken", "zeta"}, broken: map[string]bool{"broken": true}}
	job := NewCompletionJob(tenants, env.ledger, nil, zerolog.Nop(), time.UTC, 0)
	job.nowFunc = func() time.Time { return time.Date(2030, 1, 8, 0, 30, 0, 0, time.UTC) }

	n, err := job.RunOnce(ctx)
	if err == nil {
		t.Error("expected the broken tenant to be reported")
	}
	if n != 1 {
		t.Errorf("expected 1 completion, got %d", n)
	}
	if len(tenants.seen) != 3 {
		t.Errorf("every tenant should be visited, got %v", tenants.seen)
	}
	got, _ := env.ledger.GetAppointment(ctx, appt.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestCompletionJob_UsesClinicZone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	if _, err := env.booker.BookAppointment(ctx, bookingFor(s, uuid.New(), "09:00")); err != nil {
		t.Fatalf("book: %v", err)
	}

	// 23:30 UTC on the Monday is still Monday in UTC but already Tuesday
	// at UTC+2.
	now := time.Date(2030, 1, 7, 23, 30, 0, 0, time.UTC)

	utc := NewCompletionJob(&fakeTenants{ids: []string{"acme"}}, env.ledger, nil, zerolog.Nop(), time.UTC, 0)
	utc.nowFunc = func() time.Time { return now }
	if n, _ := utc.RunOnce(ctx); n != 0 {
		t.Errorf("UTC: appointment is today and must stay active, completed %d", n)
	}

	east := NewCompletionJob(&fakeTenants{ids: []string{"acme"}}, env.ledger, nil, zerolog.Nop(), time.FixedZone("UTC+2", 2*3600), 0)
	east.nowFunc = func() time.Time { return now }
	if n, _ := east.RunOnce(ctx); n != 1 {
		t.Errorf("UTC+2: expected 1 completion, got %d", n)
	}
}

func TestCompletionJob_RunDisabled(t *testing.T) {
	tenants := &fakeTenants{ids: []string{"acme"}}
	job := NewCompletionJob(tenants, newTestEnv(t).ledger, nil, zerolog.Nop(), nil, 0)
	job.Run(context.Background())
	if len(tenants.seen) != 0 {
		t.Errorf("disabled job must not run, visited %v", tenants.seen)
	}
}

func TestCompletionJob_RunStopsWithContext(t *testing.T) {
	tenants := &fakeTenants{ids: []string{"acme"}}
	job := NewCompletionJob(tenants, newTestEnv(t).ledger, nil, zerolog.Nop(), nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(tenants.seen) == 0 {
		t.Error("expected an immediate sweep on start")
	}
}
