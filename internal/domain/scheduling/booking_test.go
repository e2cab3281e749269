package scheduling

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/websocket"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

func TestBooker_BookAppointment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	patient := uuid.New()

	appt, err := env.booker.BookAppointment(ctx, bookingFor(s, patient, "09:20"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.Status != StatusActive {
		t.Errorf("expected active, got %s", appt.Status)
	}
	if appt.PatientID != patient || appt.DoctorID != s.DoctorID || appt.ClinicID != s.ClinicID || appt.Date != s.Date {
		t.Errorf("appointment not filled from schedule: %+v", appt)
	}
	if got := env.pub.types(); !reflect.DeepEqual(got, []string{websocket.EventSlotBooked}) {
		t.Errorf("published %v", got)
	}
}

func TestBooker_BookByDoctorClinicDate(t *testing.T) {
	env := newTestEnv(t)
	s := env.schedule(t)
	appt, err := env.booker.BookAppointment(context.Background(), BookingRequest{
		PatientID: uuid.New(),
		DoctorID:  s.DoctorID,
		ClinicID:  s.ClinicID,
		Date:      testMonday,
		TimeSlot:  "09:40",
		VisitType: string(VisitInsured),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.ScheduleID != s.ID {
		t.Errorf("booked on wrong schedule %s", appt.ScheduleID)
	}

	_, err = env.booker.BookAppointment(context.Background(), BookingRequest{
		PatientID: uuid.New(), DoctorID: s.DoctorID, ClinicID: s.ClinicID,
		Date: "2030-01-08", TimeSlot: "09:00", VisitType: string(VisitPrivate),
	})
	assertKind(t, err, apperrors.KindNotFound)
}

func TestBooker_Validation(t *testing.T) {
	env := newTestEnv(t)
	s := env.schedule(t)
	tests := []struct {
		name   string
		mutate func(*BookingRequest)
	}{
		{"missing patient", func(r *BookingRequest) { r.PatientID = uuid.Nil }},
		{"missing slot", func(r *BookingRequest) { r.TimeSlot = "" }},
		{"malformed slot", func(r *BookingRequest) { r.TimeSlot = "nine" }},
		{"end of day slot", func(r *BookingRequest) { r.TimeSlot = "24:00" }},
		{"signed slot", func(r *BookingRequest) { r.TimeSlot = "+9:00" }},
		{"bad visit type", func(r *BookingRequest) { r.VisitType = "walk-in" }},
		{"no schedule and no doctor", func(r *BookingRequest) { r.ScheduleID = nil }},
		{"mismatched doctor", func(r *BookingRequest) { r.DoctorID = uuid.New() }},
		{"mismatched date", func(r *BookingRequest) { r.Date = "2030-01-08" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := bookingFor(s, uuid.New(), "09:00")
			tt.mutate(&req)
			_, err := env.booker.BookAppointment(context.Background(), req)
			assertKind(t, err, apperrors.KindValidation)
		})
	}
}

func TestBooker_PastDateRejected(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.svc.CreateSchedule(context.Background(), ScheduleInput{
		DoctorID: uuid.New(), ClinicID: uuid.New(), Date: "2029-12-31",
		StartTime: "09:00", EndTime: "10:00", Interval: 30,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	_, err = env.booker.BookAppointment(context.Background(), bookingFor(s, uuid.New(), "09:00"))
	assertKind(t, err, apperrors.KindValidation)
}

func TestBooker_SlotUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	if _, err := env.booker.BookAppointment(ctx, bookingFor(s, uuid.New(), "09:00")); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	_, err := env.booker.BookAppointment(ctx, bookingFor(s, uuid.New(), "09:00"))
	assertKind(t, err, apperrors.KindSlotUnavailable)
	if msg := apperrors.PublicMessage(err); msg != apperrors.SlotGoneMessage {
		t.Errorf("unexpected message %q", msg)
	}

	// Not on the grid, and outside the window.
	for _, slot := range []string{"09:10", "10:00", "08:40"} {
		_, err := env.booker.BookAppointment(ctx, bookingFor(s, uuid.New(), slot))
		assertKind(t, err, apperrors.KindSlotUnavailable)
	}
}

func TestBooker_ConcurrentBookingsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	s := env.schedule(t)

	const n = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.booker.BookAppointment(context.Background(), bookingFor(s, uuid.New(), "09:40"))
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case apperrors.IsKind(err, apperrors.KindSlotUnavailable):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful booking, got %d", wins)
	}
	occupied, _ := memAppointments{env.store}.OccupiedSlots(context.Background(), s.ID)
	if len(occupied) != 1 {
		t.Errorf("expected one occupied slot, got %v", occupied)
	}
}

// staleAppointments reports every slot as free, as a read taken just before
// a competing booking committed would.
type staleAppointments struct{ memAppointments }

func (staleAppointments) OccupiedSlots(context.Context, uuid.UUID) ([]calendar.TimeOfDay, error) {
	return nil, nil
}

func TestBooker_RaceLostSurfacesAsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	if _, err := env.booker.BookAppointment(ctx, bookingFor(s, uuid.New(), "09:00")); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	_, err := env.ledger.CreateAppointment(ctx, NewAppointment{
		PatientID: uuid.New(), ScheduleID: s.ID, TimeSlot: tod("09:00"), VisitType: VisitPrivate,
	})
	assertKind(t, err, apperrors.KindSlotConflict)

	stale := NewBooker(memSchedules{env.store}, staleAppointments{memAppointments{env.store}}, env.ledger, zerolog.Nop(),
		WithClock(func() time.Time { return fixedNow }, time.UTC))
	_, err = stale.BookAppointment(ctx, bookingFor(s, uuid.New(), "09:00"))
	assertKind(t, err, apperrors.KindSlotUnavailable)
	if apperrors.PublicMessage(err) != apperrors.SlotGoneMessage {
		t.Errorf("unexpected message %q", apperrors.PublicMessage(err))
	}
}

func TestBooker_CancelFreesSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	patient := uuid.New()

	appt, err := env.booker.BookAppointment(ctx, bookingFor(s, patient, "09:00"))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	slots, _ := env.svc.AvailableSlots(ctx, s.ID)
	if containsSlot(slots, tod("09:00")) {
		t.Fatal("09:00 should be taken")
	}

	canceled, err := env.booker.CancelBooking(ctx, appt.ID, patientIdentity(patient))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled || canceled.CanceledBy == nil {
		t.Errorf("unexpected canceled appointment: %+v", canceled)
	}

	slots, _ = env.svc.AvailableSlots(ctx, s.ID)
	if !containsSlot(slots, tod("09:00")) {
		t.Errorf("09:00 should be free again, got %v", slotStrings(slots))
	}
	want := []string{websocket.EventSlotBooked, websocket.EventSlotReleased}
	if got := env.pub.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("published %v, want %v", got, want)
	}
}

func TestBooker_CancelAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	patient := uuid.New()
	appt, err := env.booker.BookAppointment(ctx, bookingFor(s, patient, "09:00"))
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	denied := []auth.Identity{
		patientIdentity(uuid.New()),
		{UserID: "other-doctor", Role: auth.RoleDoctor, RoleID: uuid.New()},
		{UserID: "other-clinic", Role: auth.RoleClinic, RoleID: uuid.New()},
		{UserID: "impostor", Role: auth.RolePatient, RoleID: s.DoctorID},
	}
	for _, actor := range denied {
		_, err := env.booker.CancelBooking(ctx, appt.ID, actor)
		assertKind(t, err, apperrors.KindForbidden)
	}

	clinic := auth.Identity{UserID: "clinic-user", Role: auth.RoleClinic, RoleID: s.ClinicID}
	if _, err := env.booker.CancelBooking(ctx, appt.ID, clinic); err != nil {
		t.Fatalf("clinic cancel: %v", err)
	}

	// Terminal state.
	_, err = env.booker.CancelBooking(ctx, appt.ID, clinic)
	assertKind(t, err, apperrors.KindConflict)

	_, err = env.booker.CancelBooking(ctx, uuid.New(), clinic)
	assertKind(t, err, apperrors.KindNotFound)
}

func TestLedger_MarkCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	patient := uuid.New()
	done, _ := env.booker.BookAppointment(ctx, bookingFor(s, patient, "09:00"))
	canceled, _ := env.booker.BookAppointment(ctx, bookingFor(s, patient, "09:20"))
	if _, err := env.booker.CancelBooking(ctx, canceled.ID, patientIdentity(patient)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	n, err := env.ledger.MarkCompleted(ctx, s.Date)
	if err != nil || n != 0 {
		t.Fatalf("same-day appointments must stay active: n=%d err=%v", n, err)
	}
	n, err = env.ledger.MarkCompleted(ctx, s.Date.AddDays(1))
	if err != nil || n != 1 {
		t.Fatalf("expected one completion, got n=%d err=%v", n, err)
	}

	got, _ := env.ledger.GetAppointment(ctx, done.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	got, _ = env.ledger.GetAppointment(ctx, canceled.ID)
	if got.Status != StatusCanceled {
		t.Errorf("canceled must stay canceled, got %s", got.Status)
	}

	_, err = env.booker.CancelBooking(ctx, done.ID, patientIdentity(patient))
	assertKind(t, err, apperrors.KindConflict)
}

func TestLedger_List(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.schedule(t)
	env.store.specialties[s.DoctorID] = "cardiology"
	patient := uuid.New()
	for _, slot := range []string{"09:00", "09:20", "09:40"} {
		if _, err := env.booker.BookAppointment(ctx, bookingFor(s, patient, slot)); err != nil {
			t.Fatalf("book %s: %v", slot, err)
		}
	}

	items, total, err := env.ledger.ListForPatient(ctx, patient, AppointmentFilter{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 || items[0].TimeSlot != tod("09:00") {
		t.Errorf("unexpected page: total=%d items=%d", total, len(items))
	}

	_, total, _ = env.ledger.ListForClinic(ctx, s.ClinicID, AppointmentFilter{Specialty: "dermatology"})
	if total != 0 {
		t.Errorf("specialty filter should exclude cardiology, got %d", total)
	}
	_, total, _ = env.ledger.ListForDoctor(ctx, s.DoctorID, AppointmentFilter{Status: StatusActive})
	if total != 3 {
		t.Errorf("expected 3 active, got %d", total)
	}

	_, _, err = env.ledger.ListForDoctor(ctx, s.DoctorID, AppointmentFilter{Status: "pending"})
	assertKind(t, err, apperrors.KindValidation)
}
