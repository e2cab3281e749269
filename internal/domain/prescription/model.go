// Package prescription serves time-boxed prescriptions. An active
// prescription past its expiration date is deactivated, and its code
// released, the first time it is read.
package prescription

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/calendar"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

type Prescription struct {
	ID             uuid.UUID     `json:"id"`
	PatientID      uuid.UUID     `json:"patientId"`
	DoctorID       uuid.UUID     `json:"doctorId"`
	AppointmentID  *uuid.UUID    `json:"appointmentId,omitempty"`
	Code           *string       `json:"code"`
	Status         Status        `json:"status"`
	Medication     string        `json:"medication"`
	Instructions   string        `json:"instructions"`
	ExpirationDate calendar.Date `json:"expirationDate"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Expired reports whether p is still marked active although today is past
// its expiration date. The expiration date itself is the last valid day.
func (p *Prescription) Expired(today calendar.Date) bool {
	return p.Status == StatusActive && p.ExpirationDate.Before(today)
}

func (p *Prescription) deactivate() {
	p.Status = StatusInactive
	p.Code = nil
}

// VisibleTo reports whether actor may read p: its patient, its prescribing
// doctor or an admin.
func (p *Prescription) VisibleTo(actor auth.Identity) bool {
	return actor.IsAdmin() ||
		actor.Acts(auth.RolePatient, p.PatientID) ||
		actor.Acts(auth.RoleDoctor, p.DoctorID)
}

// IssueInput is a doctor's new prescription.
type IssueInput struct {
	PatientID      uuid.UUID  `json:"patientId"`
	AppointmentID  *uuid.UUID `json:"appointmentId,omitempty"`
	Medication     string     `json:"medication"`
	Instructions   string     `json:"instructions"`
	ExpirationDate string     `json:"expirationDate"`
}
