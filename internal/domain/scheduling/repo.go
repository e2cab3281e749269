package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/clinic/pkg/calendar"
)

// Repositories return apperrors kinds: NOT_FOUND for missing rows, CONFLICT
// for a duplicate schedule and SLOT_CONFLICT when an insert hits an active
// (schedule, time slot) pair.

type ScheduleRepository interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	// GetForShare and GetForUpdate lock the row until the surrounding
	// transaction ends.
	GetForShare(ctx context.Context, id uuid.UUID) (*Schedule, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error)
	FindByDoctorClinicDate(ctx context.Context, doctorID, clinicID uuid.UUID, date calendar.Date) (*Schedule, error)
	List(ctx context.Context, f ScheduleFilter) ([]*Schedule, error)
	UpdateWindow(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// OccupiedSlots returns the time slots held by non-canceled
	// appointments on the schedule, ascending.
	OccupiedSlots(ctx context.Context, scheduleID uuid.UUID) ([]calendar.TimeOfDay, error)
	CountBySchedule(ctx context.Context, scheduleID uuid.UUID) (int, error)
	// Cancel flips an active appointment to canceled and reports whether a
	// row changed.
	Cancel(ctx context.Context, id uuid.UUID, canceledBy string) (bool, error)
	MarkCompleted(ctx context.Context, before calendar.Date) (int64, error)
	List(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error)
}

type TimetableRepository interface {
	Replace(ctx context.Context, clinicID uuid.UUID, entries []*TimetableEntry) error
	ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*TimetableEntry, error)
	GetDay(ctx context.Context, clinicID uuid.UUID, dayOfWeek int) (*TimetableEntry, error)
}

// Transactor runs fn in one database transaction. Repositories called with
// the ctx passed to fn take part in it.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
