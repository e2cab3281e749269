package scheduling

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

// Service owns schedules and clinic timetables.
type Service struct {
	tx           Transactor
	schedules    ScheduleRepository
	appointments AppointmentRepository
	timetables   TimetableRepository
	logger       zerolog.Logger
}

func NewService(tx Transactor, sched ScheduleRepository, appt AppointmentRepository, tt TimetableRepository, logger zerolog.Logger) *Service {
	return &Service{tx: tx, schedules: sched, appointments: appt, timetables: tt, logger: logger}
}

// -- Schedule --

type window struct {
	start, end calendar.TimeOfDay
	interval   int
}

func parseWindow(start, end string, interval int) (window, error) {
	var w window
	var err error
	if w.start, err = calendar.ParseTimeOfDay(start); err != nil {
		return w, apperrors.NewValidationError("startTime: %v", err)
	}
	if w.end, err = calendar.ParseTimeOfDay(end); err != nil {
		return w, apperrors.NewValidationError("endTime: %v", err)
	}
	if interval < 1 || interval > MaxInterval {
		return w, apperrors.NewValidationError("interval must be between 1 and %d minutes, got %d", MaxInterval, interval)
	}
	if !w.start.Before(w.end) {
		return w, apperrors.NewValidationError("endTime %s must be after startTime %s", w.end, w.start)
	}
	if w.start == calendar.MinutesPerDay {
		return w, apperrors.NewValidationError("startTime must be before 24:00")
	}
	w.interval = interval
	return w, nil
}

// CreateSchedule validates and stores a dated schedule. Closed days are
// expressed by not creating a schedule, so an empty window is rejected.
func (s *Service) CreateSchedule(ctx context.Context, in ScheduleInput) (*Schedule, error) {
	if in.DoctorID == uuid.Nil {
		return nil, apperrors.NewValidationError("doctorId is required")
	}
	if in.ClinicID == uuid.Nil {
		return nil, apperrors.NewValidationError("clinicId is required")
	}
	date, err := calendar.ParseDate(in.Date)
	if err != nil {
		return nil, apperrors.NewValidationError("date: %v", err)
	}
	w, err := parseWindow(in.StartTime, in.EndTime, in.Interval)
	if err != nil {
		return nil, err
	}

	sched := &Schedule{
		DoctorID:  in.DoctorID,
		ClinicID:  in.ClinicID,
		Date:      date,
		StartTime: w.start,
		EndTime:   w.end,
		Interval:  w.interval,
	}
	if err := s.schedules.Create(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("schedule_id", sched.ID.String()).
		Str("doctor_id", sched.DoctorID.String()).
		Str("date", sched.Date.String()).
		Msg("schedule created")
	return sched, nil
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

// GetScheduleWithOccupancy loads a schedule with the slots held by
// non-canceled appointments and the slots still open.
func (s *Service) GetScheduleWithOccupancy(ctx context.Context, id uuid.UUID) (*ScheduleView, error) {
	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	occupied, err := s.appointments.OccupiedSlots(ctx, id)
	if err != nil {
		return nil, err
	}
	available, err := sched.Slots(occupied)
	if err != nil {
		return nil, err
	}
	if occupied == nil {
		occupied = []calendar.TimeOfDay{}
	}
	return &ScheduleView{Schedule: sched, OccupiedSlots: occupied, AvailableSlots: available}, nil
}

// AvailableSlots recomputes the open slots of a schedule from stored state.
func (s *Service) AvailableSlots(ctx context.Context, id uuid.UUID) ([]calendar.TimeOfDay, error) {
	view, err := s.GetScheduleWithOccupancy(ctx, id)
	if err != nil {
		return nil, err
	}
	return view.AvailableSlots, nil
}

func (s *Service) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*Schedule, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, apperrors.NewValidationError("endDate %s is before startDate %s", f.To, f.From)
	}
	return s.schedules.List(ctx, f)
}

// UpdateScheduleWindow changes a schedule's hours and interval. The edit is
// refused when a non-canceled appointment would no longer sit on a slot of
// the new window. The schedule row stays locked while the check runs so a
// concurrent booking cannot slip in between.
func (s *Service) UpdateScheduleWindow(ctx context.Context, id uuid.UUID, in WindowInput) (*Schedule, error) {
	w, err := parseWindow(in.StartTime, in.EndTime, in.Interval)
	if err != nil {
		return nil, err
	}

	var sched *Schedule
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := s.schedules.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		occupied, err := s.appointments.OccupiedSlots(ctx, id)
		if err != nil {
			return err
		}

		next := *current
		next.StartTime, next.EndTime, next.Interval = w.start, w.end, w.interval
		var orphaned []string
		for _, t := range occupied {
			if !next.HasSlot(t) {
				orphaned = append(orphaned, t.String())
			}
		}
		if len(orphaned) > 0 {
			return apperrors.NewConflictError("schedule has appointments outside the new window: %v", orphaned)
		}

		if err := s.schedules.UpdateWindow(ctx, &next); err != nil {
			return err
		}
		sched = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// DeleteSchedule removes a schedule that no appointment has ever referenced.
// Appointments are history and are never deleted with it.
func (s *Service) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.schedules.GetForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := s.appointments.CountBySchedule(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperrors.NewConflictError("schedule %s has %d appointments and cannot be deleted", id, n)
		}
		return s.schedules.Delete(ctx, id)
	})
}

// ProvisionSchedule creates the schedule for a date from the clinic's
// timetable row for that weekday.
func (s *Service) ProvisionSchedule(ctx context.Context, in ProvisionInput) (*Schedule, error) {
	if in.ClinicID == uuid.Nil {
		return nil, apperrors.NewValidationError("clinicId is required")
	}
	date, err := calendar.ParseDate(in.Date)
	if err != nil {
		return nil, apperrors.NewValidationError("date: %v", err)
	}

	entry, err := s.timetables.GetDay(ctx, in.ClinicID, date.ISOWeekday())
	if apperrors.IsKind(err, apperrors.KindNotFound) || (err == nil && entry.Closed()) {
		return nil, apperrors.NewValidationError("clinic is closed on %s", date)
	}
	if err != nil {
		return nil, err
	}

	return s.CreateSchedule(ctx, ScheduleInput{
		DoctorID:  in.DoctorID,
		ClinicID:  in.ClinicID,
		Date:      in.Date,
		StartTime: entry.StartTime.String(),
		EndTime:   entry.EndTime.String(),
		Interval:  in.Interval,
	})
}

// -- Timetable --

// ReplaceTimetable swaps a clinic's whole weekly template in one
// transaction. Existing schedules are left alone.
func (s *Service) ReplaceTimetable(ctx context.Context, clinicID uuid.UUID, in []TimetableInput) ([]*TimetableEntry, error) {
	if clinicID == uuid.Nil {
		return nil, apperrors.NewValidationError("clinicId is required")
	}
	entries, err := timetableEntries(in)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.timetables.Replace(ctx, clinicID, entries)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("clinic_id", clinicID.String()).Int("days", len(entries)).Msg("timetable replaced")
	return entries, nil
}

func timetableEntries(in []TimetableInput) ([]*TimetableEntry, error) {
	seen := make(map[int]bool, len(in))
	ids := make(map[uuid.UUID]bool, len(in))
	entries := make([]*TimetableEntry, 0, len(in))
	for _, item := range in {
		if item.DayOfWeek < 1 || item.DayOfWeek > 7 {
			return nil, apperrors.NewValidationError("dayOfWeek must be between 1 and 7, got %d", item.DayOfWeek)
		}
		if seen[item.DayOfWeek] {
			return nil, apperrors.NewValidationError("dayOfWeek %d appears more than once", item.DayOfWeek)
		}
		seen[item.DayOfWeek] = true

		e := &TimetableEntry{DayOfWeek: item.DayOfWeek}
		if item.ID != nil && *item.ID != uuid.Nil {
			if ids[*item.ID] {
				return nil, apperrors.NewValidationError("timetable id %s appears more than once", *item.ID)
			}
			ids[*item.ID] = true
			e.ID = *item.ID
		}
		switch {
		case item.StartTime == nil && item.EndTime == nil:
		case item.StartTime == nil || item.EndTime == nil:
			return nil, apperrors.NewValidationError("day %d: startTime and endTime must both be set or both be empty", item.DayOfWeek)
		default:
			start, err := calendar.ParseTimeOfDay(*item.StartTime)
			if err != nil {
				return nil, apperrors.NewValidationError("day %d startTime: %v", item.DayOfWeek, err)
			}
			end, err := calendar.ParseTimeOfDay(*item.EndTime)
			if err != nil {
				return nil, apperrors.NewValidationError("day %d endTime: %v", item.DayOfWeek, err)
			}
			if !start.Before(end) {
				return nil, apperrors.NewValidationError("day %d: startTime %s must be before endTime %s", item.DayOfWeek, start, end)
			}
			e.StartTime, e.EndTime = &start, &end
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DayOfWeek < entries[j].DayOfWeek })
	return entries, nil
}

func (s *Service) GetTimetable(ctx context.Context, clinicID uuid.UUID) ([]*TimetableEntry, error) {
	return s.timetables.ListByClinic(ctx, clinicID)
}
