package prescription

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const cols = `id, patient_id, doctor_id, appointment_id, code, status, medication, instructions,
	to_char(expiration_date, 'YYYY-MM-DD'), created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Prescription, error) {
	var (
		p   Prescription
		exp string
	)
	if err := row.Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.AppointmentID, &p.Code, &p.Status,
		&p.Medication, &p.Instructions, &exp, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ExpirationDate, err = calendar.ParseDate(exp); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, doctor_id, appointment_id, code, status,
			medication, instructions, expiration_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.DoctorID, p.AppointmentID, p.Code, p.Status,
		p.Medication, p.Instructions, p.ExpirationDate.String(),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM prescription WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("prescription %s not found", id)
	}
	return p, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescription WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cols+` FROM prescription WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID, today calendar.Date) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription SET status = 'inactive', code = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND expiration_date < $2::date`, id, today.String())
	return err
}

func (r *repoPG) DeactivateExpired(ctx context.Context, patientID uuid.UUID, today calendar.Date) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription SET status = 'inactive', code = NULL, updated_at = NOW()
		WHERE patient_id = $1 AND status = 'active' AND expiration_date < $2::date`, patientID, today.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
