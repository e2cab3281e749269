//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

func TestMultiTenant_ScheduleIsolation(t *testing.T) {
	tenantA := newTenant(t, "tenanta")
	tenantB := newTenant(t, "tenantb")
	st := newStack()

	sa := seedReferenceRows(t, tenantA, 1)
	sb := seedReferenceRows(t, tenantB, 1)
	schedA := createSchedule(t, st, tenantA, sa, futureMonday)
	createSchedule(t, st, tenantB, sb, futureMonday)

	within(t, tenantB, func(ctx context.Context) error {
		if _, err := st.svc.GetSchedule(ctx, schedA.ID); !apperrors.IsKind(err, apperrors.KindNotFound) {
			t.Errorf("tenant B reading tenant A schedule: err = %v, want NOT_FOUND", err)
		}
		list, err := st.svc.ListSchedules(ctx, scheduling.ScheduleFilter{})
		if err != nil {
			return err
		}
		if len(list) != 1 || list[0].ClinicID != sb.ClinicID {
			t.Errorf("tenant B schedules = %+v", list)
		}
		return nil
	})

	// Same slot in both tenants: the unique index is per schema.
	within(t, tenantA, func(ctx context.Context) error {
		_, err := st.booker.BookAppointment(ctx, booking(sa, schedA, sa.Patients[0], "09:00"))
		return err
	})
	within(t, tenantB, func(ctx context.Context) error {
		sched, err := st.sched.FindByDoctorClinicDate(ctx, sb.DoctorID, sb.ClinicID, calendar.MustDate(futureMonday))
		if err != nil {
			return err
		}
		_, err = st.booker.BookAppointment(ctx, booking(sb, sched, sb.Patients[0], "09:00"))
		return err
	})

	tenants, err := db.NewTenants(globalPool).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, id := range tenants {
		found[id] = true
	}
	if !found[tenantA] || !found[tenantB] {
		t.Errorf("ListTenants = %v, missing %s or %s", tenants, tenantA, tenantB)
	}
}

func TestCompletionJob_SweepsEveryTenant(t *testing.T) {
	tenantA := newTenant(t, "sweepa")
	tenantB := newTenant(t, "sweepb")
	st := newStack()

	const past = "2000-01-03"
	for _, tenantID := range []string{tenantA, tenantB} {
		s := seedReferenceRows(t, tenantID, 2)
		pastSched := createSchedule(t, st, tenantID, s, past)
		futureSched := createSchedule(t, st, tenantID, s, futureMonday)
		within(t, tenantID, func(ctx context.Context) error {
			// The ledger does not judge dates, so it can seed history.
			for _, in := range []scheduling.NewAppointment{
				{PatientID: s.Patients[0], ScheduleID: pastSched.ID, TimeSlot: calendar.MustTimeOfDay("09:00"), VisitType: scheduling.VisitPrivate},
				{PatientID: s.Patients[1], ScheduleID: futureSched.ID, TimeSlot: calendar.MustTimeOfDay("09:00"), VisitType: scheduling.VisitPrivate},
			} {
				if _, err := st.ledger.CreateAppointment(ctx, in); err != nil {
					return err
				}
			}
			return nil
		})
	}

	job := scheduling.NewCompletionJob(st.tenants, st.ledger, nil, zerolog.Nop(), nil, 0)
	n, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n < 2 {
		t.Errorf("completed = %d, want at least 2", n)
	}

	for _, tenantID := range []string{tenantA, tenantB} {
		within(t, tenantID, func(ctx context.Context) error {
			rows, err := db.ConnFromContext(ctx).Query(ctx,
				`SELECT to_char(date, 'YYYY-MM-DD'), status FROM appointment ORDER BY date`)
			if err != nil {
				return err
			}
			defer rows.Close()
			want := map[string]string{past: "completed", futureMonday: "active"}
			for rows.Next() {
				var date, status string
				if err := rows.Scan(&date, &status); err != nil {
					return err
				}
				if want[date] != status {
					t.Errorf("tenant %s: %s is %s, want %s", tenantID, date, status, want[date])
				}
			}
			return rows.Err()
		})
	}

	// Nothing left to complete.
	n, err = job.RunTenant(context.Background(), tenantA)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v; want 0, nil", n, err)
	}
}
