package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

const (
	pgUniqueViolation = "23505"

	activeSlotConstraint  = "appointment_active_slot_key"
	scheduleDayConstraint = "schedule_doctor_clinic_date_key"
	timetableKey          = "timetable_pkey"
)

var dialect = goqu.Dialect("postgres")

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewNotFoundError(format, args...)
	}
	return err
}

// =========== Transactor ===========

type pgTransactor struct{ pool *pgxpool.Pool }

func NewTransactor(pool *pgxpool.Pool) Transactor { return &pgTransactor{pool: pool} }

func (t *pgTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, t.pool, fn)
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

func (r *scheduleRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const schedCols = `id, doctor_id, clinic_id, to_char(date, 'YYYY-MM-DD'),
	to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	interval_minutes, created_at, updated_at`

func (r *scheduleRepoPG) scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		s                Schedule
		date, start, end string
	)
	if err := row.Scan(&s.ID, &s.DoctorID, &s.ClinicID, &date, &start, &end,
		&s.Interval, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.Date, err = calendar.ParseDate(date); err != nil {
		return nil, err
	}
	if s.StartTime, err = calendar.ParseTimeOfDay(start); err != nil {
		return nil, err
	}
	if s.EndTime, err = calendar.ParseTimeOfDay(end); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedule (id, doctor_id, clinic_id, date, start_time, end_time, interval_minutes)
		VALUES ($1, $2, $3, $4::date, $5::time, $6::time, $7)
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, s.ClinicID, s.Date.String(), s.StartTime.String(), s.EndTime.String(), s.Interval,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if name, ok := uniqueViolation(err); ok && name == scheduleDayConstraint {
		return apperrors.NewConflictError("doctor already has a schedule at this clinic on %s", s.Date)
	}
	return err
}

func (r *scheduleRepoPG) get(ctx context.Context, id uuid.UUID, lock string) (*Schedule, error) {
	s, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+schedCols+` FROM schedule WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFound(err, "schedule %s not found", id)
	}
	return s, nil
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return r.get(ctx, id, "")
}

func (r *scheduleRepoPG) GetForShare(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return r.get(ctx, id, " FOR SHARE")
}

func (r *scheduleRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *scheduleRepoPG) FindByDoctorClinicDate(ctx context.Context, doctorID, clinicID uuid.UUID, date calendar.Date) (*Schedule, error) {
	s, err := r.scanSchedule(r.conn(ctx).QueryRow(ctx,
		`SELECT `+schedCols+` FROM schedule WHERE doctor_id = $1 AND clinic_id = $2 AND date = $3::date`,
		doctorID, clinicID, date.String()))
	if err != nil {
		return nil, notFound(err, "no schedule for doctor %s at clinic %s on %s", doctorID, clinicID, date)
	}
	return s, nil
}

func (r *scheduleRepoPG) List(ctx context.Context, f ScheduleFilter) ([]*Schedule, error) {
	ds := dialect.From("schedule").Select(goqu.L(schedCols)).Prepared(true)
	if f.DoctorID != nil {
		ds = ds.Where(goqu.C("doctor_id").Eq(*f.DoctorID))
	}
	if f.ClinicID != nil {
		ds = ds.Where(goqu.C("clinic_id").Eq(*f.ClinicID))
	}
	if f.From != nil {
		ds = ds.Where(goqu.C("date").Gte(f.From.String()))
	}
	if f.To != nil {
		ds = ds.Where(goqu.C("date").Lte(f.To.String()))
	}
	query, args, err := ds.Order(goqu.C("date").Asc(), goqu.C("start_time").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build schedule list query: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Schedule
	for rows.Next() {
		s, err := r.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *scheduleRepoPG) UpdateWindow(ctx context.Context, s *Schedule) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE schedule SET start_time = $2::time, end_time = $3::time, interval_minutes = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.StartTime.String(), s.EndTime.String(), s.Interval,
	).Scan(&s.UpdatedAt)
	return notFound(err, "schedule %s not found", s.ID)
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM schedule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("schedule %s not found", id)
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const apptCols = `a.id, a.patient_id, a.doctor_id, a.clinic_id, a.schedule_id, a.doctor_service_id,
	to_char(a.date, 'YYYY-MM-DD'), to_char(a.time_slot, 'HH24:MI'), a.description, a.first_visit,
	a.visit_type, a.status, a.canceled_by, a.created_at, a.updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		date, slot string
	)
	if err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.ClinicID, &a.ScheduleID, &a.DoctorServiceID,
		&date, &slot, &a.Description, &a.FirstVisit,
		&a.VisitType, &a.Status, &a.CanceledBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Date, err = calendar.ParseDate(date); err != nil {
		return nil, err
	}
	if a.TimeSlot, err = calendar.ParseTimeOfDay(slot); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, clinic_id, schedule_id, doctor_service_id,
			date, time_slot, description, first_visit, visit_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8::time, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.ClinicID, a.ScheduleID, a.DoctorServiceID,
		a.Date.String(), a.TimeSlot.String(), a.Description, a.FirstVisit, a.VisitType, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if name, ok := uniqueViolation(err); ok && name == activeSlotConstraint {
		return apperrors.NewSlotConflictError(err)
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment a WHERE a.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "appointment %s not found", id)
	}
	return a, nil
}

func (r *appointmentRepoPG) OccupiedSlots(ctx context.Context, scheduleID uuid.UUID) ([]calendar.TimeOfDay, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT to_char(time_slot, 'HH24:MI') FROM appointment
		WHERE schedule_id = $1 AND status <> 'canceled'
		ORDER BY time_slot`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var slots []calendar.TimeOfDay
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		t, err := calendar.ParseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		slots = append(slots, t)
	}
	return slots, rows.Err()
}

func (r *appointmentRepoPG) CountBySchedule(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE schedule_id = $1`, scheduleID).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) Cancel(ctx context.Context, id uuid.UUID, canceledBy string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status = 'canceled', canceled_by = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, canceledBy)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) MarkCompleted(ctx context.Context, before calendar.Date) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status = 'completed', updated_at = NOW()
		WHERE status = 'active' AND date < $1::date`, before.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	ds := dialect.From(goqu.T("appointment").As("a")).Prepared(true)
	if f.ClinicID != nil {
		ds = ds.Where(goqu.I("a.clinic_id").Eq(*f.ClinicID))
	}
	if f.DoctorID != nil {
		ds = ds.Where(goqu.I("a.doctor_id").Eq(*f.DoctorID))
	}
	if f.PatientID != nil {
		ds = ds.Where(goqu.I("a.patient_id").Eq(*f.PatientID))
	}
	if f.From != nil {
		ds = ds.Where(goqu.I("a.date").Gte(f.From.String()))
	}
	if f.To != nil {
		ds = ds.Where(goqu.I("a.date").Lte(f.To.String()))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.I("a.status").Eq(string(f.Status)))
	}
	if f.Specialty != "" {
		ds = ds.Join(goqu.T("doctor").As("d"), goqu.On(goqu.I("d.id").Eq(goqu.I("a.doctor_id")))).
			Where(goqu.I("d.specialty").Eq(f.Specialty))
	}

	countQuery, countArgs, err := ds.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	ds = ds.Select(goqu.L(apptCols)).Order(goqu.I("a.date").Desc(), goqu.I("a.time_slot").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		ds = ds.Offset(uint(f.Offset))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment list query: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// =========== Timetable Repository ===========

type timetableRepoPG struct{ pool *pgxpool.Pool }

func NewTimetableRepoPG(pool *pgxpool.Pool) TimetableRepository { return &timetableRepoPG{pool: pool} }

func (r *timetableRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const timetableCols = `id, clinic_id, day_of_week, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	created_at, updated_at`

func (r *timetableRepoPG) scanEntry(row pgx.Row) (*TimetableEntry, error) {
	var (
		e          TimetableEntry
		start, end *string
	)
	if err := row.Scan(&e.ID, &e.ClinicID, &e.DayOfWeek, &start, &end, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.StartTime, err = optionalTime(start); err != nil {
		return nil, err
	}
	if e.EndTime, err = optionalTime(end); err != nil {
		return nil, err
	}
	return &e, nil
}

func optionalTime(s *string) (*calendar.TimeOfDay, error) {
	if s == nil {
		return nil, nil
	}
	t, err := calendar.ParseTimeOfDay(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalTimeArg(t *calendar.TimeOfDay) *string {
	if t == nil {
		return nil
	}
	s := t.String()
	return &s
}

// Replace must run inside a transaction so readers never see a half
// written week.
func (r *timetableRepoPG) Replace(ctx context.Context, clinicID uuid.UUID, entries []*TimetableEntry) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM timetable WHERE clinic_id = $1`, clinicID); err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.ClinicID = clinicID
		err := q.QueryRow(ctx, `
			INSERT INTO timetable (id, clinic_id, day_of_week, start_time, end_time)
			VALUES ($1, $2, $3, $4::time, $5::time)
			RETURNING created_at, updated_at`,
			e.ID, e.ClinicID, e.DayOfWeek, optionalTimeArg(e.StartTime), optionalTimeArg(e.EndTime),
		).Scan(&e.CreatedAt, &e.UpdatedAt)
		if name, ok := uniqueViolation(err); ok && name == timetableKey {
			return apperrors.NewValidationError("timetable id %s is already in use", e.ID)
		}
		if err != nil {
			return fmt.Errorf("insert timetable day %d: %w", e.DayOfWeek, err)
		}
	}
	return nil
}

func (r *timetableRepoPG) ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*TimetableEntry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+timetableCols+` FROM timetable WHERE clinic_id = $1 ORDER BY day_of_week`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TimetableEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *timetableRepoPG) GetDay(ctx context.Context, clinicID uuid.UUID, dayOfWeek int) (*TimetableEntry, error) {
	e, err := r.scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+timetableCols+` FROM timetable WHERE clinic_id = $1 AND day_of_week = $2`, clinicID, dayOfWeek))
	if err != nil {
		return nil, notFound(err, "clinic %s has no timetable for day %d", clinicID, dayOfWeek)
	}
	return e, nil
}
