package prescription

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

type Service struct {
	repo    Repository
	logger  zerolog.Logger
	nowFunc func() time.Time
	loc     *time.Location
}

func NewService(repo Repository, logger zerolog.Logger, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, logger: logger, nowFunc: time.Now, loc: loc}
}

func (s *Service) today() calendar.Date {
	return calendar.DateOf(s.nowFunc().In(s.loc))
}

// newCode returns a short dispensing code. Uniqueness is enforced by the
// prescription table.
func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// Issue records a new active prescription written by the calling doctor.
func (s *Service) Issue(ctx context.Context, actor auth.Identity, in IssueInput) (*Prescription, error) {
	if actor.Role != auth.RoleDoctor {
		return nil, apperrors.NewForbiddenError("only doctors issue prescriptions")
	}
	if in.PatientID == uuid.Nil {
		return nil, apperrors.NewValidationError("patientId is required")
	}
	if strings.TrimSpace(in.Medication) == "" {
		return nil, apperrors.NewValidationError("medication is required")
	}
	exp, err := calendar.ParseDate(in.ExpirationDate)
	if err != nil {
		return nil, apperrors.NewValidationError("expirationDate: %v", err)
	}
	if exp.Before(s.today()) {
		return nil, apperrors.NewValidationError("expirationDate %s is in the past", exp)
	}

	code := newCode()
	p := &Prescription{
		PatientID:      in.PatientID,
		DoctorID:       actor.RoleID,
		AppointmentID:  in.AppointmentID,
		Code:           &code,
		Status:         StatusActive,
		Medication:     in.Medication,
		Instructions:   in.Instructions,
		ExpirationDate: exp,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("prescription_id", p.ID.String()).Str("patient_id", p.PatientID.String()).Msg("prescription issued")
	return p, nil
}

// Get returns a prescription the actor may see, expiring it first when its
// date has passed.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor auth.Identity) (*Prescription, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.VisibleTo(actor) {
		return nil, apperrors.NewForbiddenError("not allowed to read prescription %s", id)
	}
	today := s.today()
	if p.Expired(today) {
		if err := s.repo.Deactivate(ctx, p.ID, today); err != nil {
			return nil, err
		}
		p.deactivate()
		s.logger.Info().Str("prescription_id", p.ID.String()).Msg("prescription expired")
	}
	return p, nil
}

// ListForPatient expires the patient's lapsed prescriptions and returns one
// page of them.
func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	n, err := s.repo.DeactivateExpired(ctx, patientID, s.today())
	if err != nil {
		return nil, 0, err
	}
	if n > 0 {
		s.logger.Info().Str("patient_id", patientID.String()).Int64("count", n).Msg("prescriptions expired")
	}
	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*Prescription{}
	}
	return items, total, nil
}
