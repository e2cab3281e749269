package scheduling

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

// Ledger is the only writer of appointment rows. Double booking is
// prevented by the storage-level uniqueness of active (schedule, time slot)
// pairs, which the appointment repository reports as SLOT_CONFLICT.
type Ledger struct {
	tx           Transactor
	schedules    ScheduleRepository
	appointments AppointmentRepository
	logger       zerolog.Logger
}

func NewLedger(tx Transactor, sched ScheduleRepository, appt AppointmentRepository, logger zerolog.Logger) *Ledger {
	return &Ledger{tx: tx, schedules: sched, appointments: appt, logger: logger}
}

// CreateAppointment records an active appointment. The schedule row is
// share-locked for the insert so a concurrent window edit waits for it.
func (l *Ledger) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	var appt *Appointment
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		sched, err := l.schedules.GetForShare(ctx, in.ScheduleID)
		if err != nil {
			return err
		}
		if !sched.HasSlot(in.TimeSlot) {
			return apperrors.NewSlotUnavailableError(nil)
		}

		a := &Appointment{
			PatientID:       in.PatientID,
			DoctorID:        sched.DoctorID,
			ClinicID:        sched.ClinicID,
			ScheduleID:      sched.ID,
			DoctorServiceID: in.DoctorServiceID,
			Date:            sched.Date,
			TimeSlot:        in.TimeSlot,
			Description:     in.Description,
			FirstVisit:      in.FirstVisit,
			VisitType:       in.VisitType,
			Status:          StatusActive,
		}
		if err := l.appointments.Create(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindSlotConflict) {
			l.logger.Info().
				Str("schedule_id", in.ScheduleID.String()).
				Str("time_slot", in.TimeSlot.String()).
				Msg("slot_conflict")
		}
		return nil, err
	}
	l.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("schedule_id", appt.ScheduleID.String()).
		Str("time_slot", appt.TimeSlot.String()).
		Msg("booked")
	return appt, nil
}

// CancelAppointment moves an active appointment to canceled, which frees
// its slot for the next availability read.
func (l *Ledger) CancelAppointment(ctx context.Context, id uuid.UUID, actor auth.Identity) (*Appointment, error) {
	appt, err := l.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.CancelableBy(actor) {
		return nil, apperrors.NewForbiddenError("not allowed to cancel appointment %s", id)
	}
	if appt.Status != StatusActive {
		return nil, apperrors.NewConflictError("appointment %s is already %s", id, appt.Status)
	}

	ok, err := l.appointments.Cancel(ctx, id, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewConflictError("appointment %s is no longer active", id)
	}

	appt.Status = StatusCanceled
	canceledBy := actor.UserID
	appt.CanceledBy = &canceledBy
	l.logger.Info().
		Str("appointment_id", id.String()).
		Str("schedule_id", appt.ScheduleID.String()).
		Str("time_slot", appt.TimeSlot.String()).
		Str("canceled_by", actor.UserID).
		Msg("canceled")
	return appt, nil
}

// MarkCompleted closes every active appointment dated before today.
func (l *Ledger) MarkCompleted(ctx context.Context, today calendar.Date) (int64, error) {
	return l.appointments.MarkCompleted(ctx, today)
}

func (l *Ledger) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.appointments.GetByID(ctx, id)
}

func (l *Ledger) ListForClinic(ctx context.Context, clinicID uuid.UUID, f AppointmentFilter) ([]*Appointment, int, error) {
	f.ClinicID = &clinicID
	return l.list(ctx, f)
}

func (l *Ledger) ListForDoctor(ctx context.Context, doctorID uuid.UUID, f AppointmentFilter) ([]*Appointment, int, error) {
	f.DoctorID = &doctorID
	return l.list(ctx, f)
}

func (l *Ledger) ListForPatient(ctx context.Context, patientID uuid.UUID, f AppointmentFilter) ([]*Appointment, int, error) {
	f.PatientID = &patientID
	return l.list(ctx, f)
}

func (l *Ledger) list(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperrors.NewValidationError("invalid status %q", f.Status)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, apperrors.NewValidationError("endDate %s is before startDate %s", f.To, f.From)
	}
	items, total, err := l.appointments.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*Appointment{}
	}
	return items, total, nil
}
