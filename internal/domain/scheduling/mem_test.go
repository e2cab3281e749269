package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

// memStore backs the in-memory repositories. Create on appointments
// enforces active (schedule, time slot) uniqueness under the mutex, the way
// the partial unique index does in Postgres.
type memStore struct {
	mu           sync.Mutex
	schedules    map[uuid.UUID]*Schedule
	appointments map[uuid.UUID]*Appointment
	timetables   map[uuid.UUID][]*TimetableEntry
	specialties  map[uuid.UUID]string
}

func newMemStore() *memStore {
	return &memStore{
		schedules:    make(map[uuid.UUID]*Schedule),
		appointments: make(map[uuid.UUID]*Appointment),
		timetables:   make(map[uuid.UUID][]*TimetableEntry),
		specialties:  make(map[uuid.UUID]string),
	}
}

// memTx does not serialize callers, so concurrent bookings really race to
// the uniqueness check.
type memTx struct{}

func (memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// -- schedules --

type memSchedules struct{ *memStore }

func (m memSchedules) Create(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.schedules {
		if other.DoctorID == s.DoctorID && other.ClinicID == s.ClinicID && other.Date == s.Date {
			return apperrors.NewConflictError("doctor already has a schedule at this clinic on %s", s.Date)
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m memSchedules) GetByID(_ context.Context, id uuid.UUID) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("schedule %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m memSchedules) GetForShare(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return m.GetByID(ctx, id)
}

func (m memSchedules) GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return m.GetByID(ctx, id)
}

func (m memSchedules) FindByDoctorClinicDate(_ context.Context, doctorID, clinicID uuid.UUID, date calendar.Date) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		if s.DoctorID == doctorID && s.ClinicID == clinicID && s.Date == date {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("no schedule on %s", date)
}

func (m memSchedules) List(_ context.Context, f ScheduleFilter) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if f.DoctorID != nil && s.DoctorID != *f.DoctorID ||
			f.ClinicID != nil && s.ClinicID != *f.ClinicID ||
			f.From != nil && s.Date.Before(*f.From) ||
			f.To != nil && s.Date.After(*f.To) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m memSchedules) UpdateWindow(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return apperrors.NewNotFoundError("schedule %s not found", s.ID)
	}
	s.UpdatedAt = time.Now()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m memSchedules) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return apperrors.NewNotFoundError("schedule %s not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// -- appointments --

type memAppointments struct{ *memStore }

func (m memAppointments) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.appointments {
		if other.ScheduleID == a.ScheduleID && other.TimeSlot == a.TimeSlot && other.Status != StatusCanceled {
			return apperrors.NewSlotConflictError(errors.New("unique violation on appointment_active_slot_key"))
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appointments[a.ID] = &cp
	return nil
}

func (m memAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("appointment %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (m memAppointments) OccupiedSlots(_ context.Context, scheduleID uuid.UUID) ([]calendar.TimeOfDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calendar.TimeOfDay
	for _, a := range m.appointments {
		if a.ScheduleID == scheduleID && a.Status != StatusCanceled {
			out = append(out, a.TimeSlot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m memAppointments) CountBySchedule(_ context.Context, scheduleID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appointments {
		if a.ScheduleID == scheduleID {
			n++
		}
	}
	return n, nil
}

func (m memAppointments) Cancel(_ context.Context, id uuid.UUID, canceledBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != StatusActive {
		return false, nil
	}
	a.Status = StatusCanceled
	a.CanceledBy = &canceledBy
	return true, nil
}

func (m memAppointments) MarkCompleted(_ context.Context, before calendar.Date) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.appointments {
		if a.Status == StatusActive && a.Date.Before(before) {
			a.Status = StatusCompleted
			n++
		}
	}
	return n, nil
}

func (m memAppointments) List(_ context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Appointment
	for _, a := range m.appointments {
		if f.ClinicID != nil && a.ClinicID != *f.ClinicID ||
			f.DoctorID != nil && a.DoctorID != *f.DoctorID ||
			f.PatientID != nil && a.PatientID != *f.PatientID ||
			f.From != nil && a.Date.Before(*f.From) ||
			f.To != nil && a.Date.After(*f.To) ||
			f.Status != "" && a.Status != f.Status ||
			f.Specialty != "" && m.specialties[a.DoctorID] != f.Specialty {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Date != all[j].Date {
			return all[j].Date.Before(all[i].Date)
		}
		return all[i].TimeSlot < all[j].TimeSlot
	})
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, total, nil
}

// -- timetables --

type memTimetables struct{ *memStore }

func (m memTimetables) Replace(_ context.Context, clinicID uuid.UUID, entries []*TimetableEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	taken := make(map[uuid.UUID]bool)
	for other, rows := range m.timetables {
		if other == clinicID {
			continue
		}
		for _, e := range rows {
			taken[e.ID] = true
		}
	}
	stored := make([]*TimetableEntry, 0, len(entries))
	for _, e := range entries {
		if taken[e.ID] {
			return apperrors.NewValidationError("timetable id %s is already in use", e.ID)
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.ClinicID = clinicID
		cp := *e
		stored = append(stored, &cp)
	}
	m.timetables[clinicID] = stored
	return nil
}

func (m memTimetables) ListByClinic(_ context.Context, clinicID uuid.UUID) ([]*TimetableEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*TimetableEntry(nil), m.timetables[clinicID]...), nil
}

func (m memTimetables) GetDay(_ context.Context, clinicID uuid.UUID, day int) (*TimetableEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.timetables[clinicID] {
		if e.DayOfWeek == day {
			cp := *e
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("no timetable for day %d", day)
}

// -- wiring --

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// fixedNow is a Tuesday; testMonday is the following Monday.
var (
	fixedNow   = time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	testMonday = "2030-01-07"
)

type testEnv struct {
	store  *memStore
	svc    *Service
	ledger *Ledger
	booker *Booker
	pub    *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	sched, appt, tt := memSchedules{store}, memAppointments{store}, memTimetables{store}
	logger := zerolog.Nop()
	pub := &recordingPublisher{}
	ledger := NewLedger(memTx{}, sched, appt, logger)
	return &testEnv{
		store:  store,
		svc:    NewService(memTx{}, sched, appt, tt, logger),
		ledger: ledger,
		booker: NewBooker(sched, appt, ledger, logger,
			WithPublisher(pub),
			WithClock(func() time.Time { return fixedNow }, time.UTC)),
		pub: pub,
	}
}

// schedule creates a 09:00-10:00 schedule with 20 minute slots.
func (e *testEnv) schedule(t *testing.T) *Schedule {
	t.Helper()
	s, err := e.svc.CreateSchedule(context.Background(), ScheduleInput{
		DoctorID:  uuid.New(),
		ClinicID:  uuid.New(),
		Date:      testMonday,
		StartTime: "09:00",
		EndTime:   "10:00",
		Interval:  20,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return s
}

func bookingFor(s *Schedule, patient uuid.UUID, slot string) BookingRequest {
	id := s.ID
	return BookingRequest{
		PatientID:  patient,
		ScheduleID: &id,
		TimeSlot:   slot,
		VisitType:  string(VisitPrivate),
	}
}

func patientIdentity(id uuid.UUID) auth.Identity {
	return auth.Identity{UserID: "user-" + id.String()[:8], Role: auth.RolePatient, RoleID: id}
}

func assertKind(t *testing.T, err error, kind apperrors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperrors.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func slotStrings(slots []calendar.TimeOfDay) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.String()
	}
	return out
}
