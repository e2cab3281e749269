package prescription

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/clinic/pkg/calendar"
)

type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error)
	// Deactivate flips one expired prescription to inactive and clears its
	// code. It is a no-op for rows that are already inactive or not yet
	// expired on today.
	Deactivate(ctx context.Context, id uuid.UUID, today calendar.Date) error
	// DeactivateExpired does the same for every expired prescription of a
	// patient and returns how many changed.
	DeactivateExpired(ctx context.Context, patientID uuid.UUID, today calendar.Date) (int64, error)
}
