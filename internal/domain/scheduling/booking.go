package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/telemetry"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

// BookerOption configures a Booker.
type BookerOption func(*Booker)

// WithPublisher sets where slot events go. Events are notifications only.
func WithPublisher(p events.Publisher) BookerOption {
	return func(b *Booker) { b.events = p }
}

func WithMetrics(m *telemetry.Metrics) BookerOption {
	return func(b *Booker) { b.metrics = m }
}

// WithClock sets the clock and zone used to decide which dates are past.
func WithClock(now func() time.Time, loc *time.Location) BookerOption {
	return func(b *Booker) { b.nowFunc, b.loc = now, loc }
}

// Booker validates a booking against current availability and commits it
// through the ledger. The availability check may be stale by the time the
// insert runs; the ledger's uniqueness guarantee decides the race.
type Booker struct {
	schedules    ScheduleRepository
	appointments AppointmentRepository
	ledger       *Ledger
	events       events.Publisher
	metrics      *telemetry.Metrics
	logger       zerolog.Logger
	nowFunc      func() time.Time
	loc          *time.Location
}

func NewBooker(sched ScheduleRepository, appt AppointmentRepository, ledger *Ledger, logger zerolog.Logger, opts ...BookerOption) *Booker {
	b := &Booker{
		schedules:    sched,
		appointments: appt,
		ledger:       ledger,
		events:       events.Discard,
		logger:       logger,
		nowFunc:      time.Now,
		loc:          time.UTC,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Booker) today() calendar.Date {
	return calendar.DateOf(b.nowFunc().In(b.loc))
}

type parsedBooking struct {
	slot      calendar.TimeOfDay
	visitType VisitType
	date      calendar.Date
}

func (b *Booker) validate(req BookingRequest) (parsedBooking, error) {
	var p parsedBooking
	if req.PatientID == uuid.Nil {
		return p, apperrors.NewValidationError("patient is required")
	}
	if strings.TrimSpace(req.TimeSlot) == "" {
		return p, apperrors.NewValidationError("timeSlot is required")
	}
	slot, err := calendar.ParseTimeOfDay(req.TimeSlot)
	if err != nil {
		return p, apperrors.NewValidationError("timeSlot: %v", err)
	}
	if slot >= calendar.MinutesPerDay {
		return p, apperrors.NewValidationError("timeSlot %s is the end of the day, not a slot start", req.TimeSlot)
	}
	p.slot = slot

	p.visitType = VisitType(req.VisitType)
	if !p.visitType.Valid() {
		return p, apperrors.NewValidationError("visitType must be %q or %q", VisitPrivate, VisitInsured)
	}

	if req.ScheduleID == nil {
		if req.DoctorID == uuid.Nil {
			return p, apperrors.NewValidationError("doctorId is required")
		}
		if req.ClinicID == uuid.Nil {
			return p, apperrors.NewValidationError("clinicId is required")
		}
		if req.Date == "" {
			return p, apperrors.NewValidationError("date is required")
		}
	}
	if req.Date != "" {
		if p.date, err = calendar.ParseDate(req.Date); err != nil {
			return p, apperrors.NewValidationError("date: %v", err)
		}
	}
	return p, nil
}

func (b *Booker) resolveSchedule(ctx context.Context, req BookingRequest, p parsedBooking) (*Schedule, error) {
	if req.ScheduleID == nil {
		return b.schedules.FindByDoctorClinicDate(ctx, req.DoctorID, req.ClinicID, p.date)
	}
	sched, err := b.schedules.GetByID(ctx, *req.ScheduleID)
	if err != nil {
		return nil, err
	}
	if req.DoctorID != uuid.Nil && req.DoctorID != sched.DoctorID ||
		req.ClinicID != uuid.Nil && req.ClinicID != sched.ClinicID ||
		!p.date.IsZero() && p.date != sched.Date {
		return nil, apperrors.NewValidationError("scheduleId does not match doctorId, clinicId and date")
	}
	return sched, nil
}

// BookAppointment books req.TimeSlot for the patient. Any way the slot can
// be gone, before or during the request, surfaces as SLOT_UNAVAILABLE.
func (b *Booker) BookAppointment(ctx context.Context, req BookingRequest) (appt *Appointment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduling.BookAppointment")
	outcome := telemetry.OutcomeError
	defer func() {
		span.SetAttributes(attribute.String("booking.outcome", outcome))
		if outcome == telemetry.OutcomeError {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		b.metrics.RecordBooking(ctx, outcome)
	}()

	p, err := b.validate(req)
	if err != nil {
		outcome = telemetry.OutcomeRejected
		return nil, err
	}
	sched, err := b.resolveSchedule(ctx, req, p)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) || apperrors.IsKind(err, apperrors.KindValidation) {
			outcome = telemetry.OutcomeRejected
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("schedule.id", sched.ID.String()),
		attribute.String("appointment.time_slot", p.slot.String()),
	)

	if sched.Date.Before(b.today()) {
		outcome = telemetry.OutcomeRejected
		return nil, apperrors.NewValidationError("cannot book %s: the date has passed", sched.Date)
	}

	occupied, err := b.appointments.OccupiedSlots(ctx, sched.ID)
	if err != nil {
		return nil, err
	}
	available, err := sched.Slots(occupied)
	if err != nil {
		return nil, err
	}
	if !containsSlot(available, p.slot) {
		outcome = telemetry.OutcomeSlotUnavailable
		return nil, apperrors.NewSlotUnavailableError(nil)
	}

	appt, err = b.ledger.CreateAppointment(ctx, NewAppointment{
		PatientID:       req.PatientID,
		ScheduleID:      sched.ID,
		DoctorServiceID: req.DoctorServiceID,
		TimeSlot:        p.slot,
		Description:     req.Description,
		FirstVisit:      req.FirstVisit,
		VisitType:       p.visitType,
	})
	switch {
	case apperrors.IsKind(err, apperrors.KindSlotConflict):
		outcome = telemetry.OutcomeRaceLost
		return nil, apperrors.NewSlotUnavailableError(err)
	case apperrors.IsKind(err, apperrors.KindSlotUnavailable):
		outcome = telemetry.OutcomeSlotUnavailable
		return nil, err
	case err != nil:
		return nil, err
	}

	outcome = telemetry.OutcomeBooked
	b.publish(ctx, events.SlotBooked(db.TenantFromContext(ctx), appt.ScheduleID.String(), appt.Date.String(), appt.TimeSlot.String()))
	return appt, nil
}

// CancelBooking cancels through the ledger and announces the freed slot.
func (b *Booker) CancelBooking(ctx context.Context, id uuid.UUID, actor auth.Identity) (*Appointment, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduling.CancelBooking")
	defer span.End()

	appt, err := b.ledger.CancelAppointment(ctx, id, actor)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindInternal {
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	b.metrics.RecordCancellation(ctx)
	b.publish(ctx, events.SlotReleased(db.TenantFromContext(ctx), appt.ScheduleID.String(), appt.Date.String(), appt.TimeSlot.String()))
	return appt, nil
}

func (b *Booker) publish(ctx context.Context, event events.Event) {
	if err := b.events.Publish(ctx, event); err != nil {
		b.logger.Warn().Err(err).
			Str("event", event.Type).
			Str("schedule_id", event.ScheduleID).
			Msg("failed to publish slot event")
	}
}
