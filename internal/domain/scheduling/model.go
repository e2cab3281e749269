package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/calendar"
)

// MaxInterval is the longest slot a schedule may use: one day.
const MaxInterval = calendar.MinutesPerDay

type AppointmentStatus string

const (
	StatusActive    AppointmentStatus = "active"
	StatusCanceled  AppointmentStatus = "canceled"
	StatusCompleted AppointmentStatus = "completed"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCanceled, StatusCompleted:
		return true
	}
	return false
}

type VisitType string

const (
	VisitPrivate VisitType = "private"
	VisitInsured VisitType = "insured"
)

func (v VisitType) Valid() bool {
	return v == VisitPrivate || v == VisitInsured
}

// Schedule is one bookable working day of a doctor at a clinic.
type Schedule struct {
	ID        uuid.UUID          `json:"id"`
	DoctorID  uuid.UUID          `json:"doctorId"`
	ClinicID  uuid.UUID          `json:"clinicId"`
	Date      calendar.Date      `json:"date"`
	StartTime calendar.TimeOfDay `json:"startTime"`
	EndTime   calendar.TimeOfDay `json:"endTime"`
	Interval  int                `json:"interval"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// HasSlot reports whether t is one of the schedule's slot start times,
// booked or not.
func (s *Schedule) HasSlot(t calendar.TimeOfDay) bool {
	if s.Interval <= 0 || t < s.StartTime || t >= s.EndTime {
		return false
	}
	return (t.Minutes()-s.StartTime.Minutes())%s.Interval == 0
}

// OwnedBy reports whether actor may manage the schedule.
func (s *Schedule) OwnedBy(actor auth.Identity) bool {
	return actor.IsAdmin() ||
		actor.Acts(auth.RoleClinic, s.ClinicID) ||
		actor.Acts(auth.RoleDoctor, s.DoctorID)
}

// ScheduleView is a schedule together with its occupancy and the slots
// still open, computed at read time.
type ScheduleView struct {
	*Schedule
	OccupiedSlots  []calendar.TimeOfDay `json:"occupiedSlots"`
	AvailableSlots []calendar.TimeOfDay `json:"availableSlots"`
}

// ScheduleInput is the raw request to create a schedule. Times arrive as
// strings so malformed values surface as validation errors.
type ScheduleInput struct {
	DoctorID  uuid.UUID `json:"doctorId"`
	ClinicID  uuid.UUID `json:"clinicId"`
	Date      string    `json:"date"`
	StartTime string    `json:"startTime"`
	EndTime   string    `json:"endTime"`
	Interval  int       `json:"interval"`
}

// WindowInput replaces the working window of an existing schedule.
type WindowInput struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Interval  int    `json:"interval"`
}

// ProvisionInput derives a schedule from the clinic timetable.
type ProvisionInput struct {
	ClinicID uuid.UUID `json:"-"`
	DoctorID uuid.UUID `json:"doctorId"`
	Date     string    `json:"date"`
	Interval int       `json:"interval"`
}

type ScheduleFilter struct {
	DoctorID *uuid.UUID
	ClinicID *uuid.UUID
	From     *calendar.Date
	To       *calendar.Date
}

// TimetableEntry is a clinic's opening hours for one ISO weekday. Nil
// times mean the clinic is closed that day.
type TimetableEntry struct {
	ID        uuid.UUID           `json:"id"`
	ClinicID  uuid.UUID           `json:"clinicId"`
	DayOfWeek int                 `json:"dayOfWeek"`
	StartTime *calendar.TimeOfDay `json:"startTime"`
	EndTime   *calendar.TimeOfDay `json:"endTime"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func (e *TimetableEntry) Closed() bool {
	return e.StartTime == nil || e.EndTime == nil
}

type TimetableInput struct {
	ID        *uuid.UUID `json:"id,omitempty"`
	DayOfWeek int        `json:"dayOfWeek"`
	StartTime *string    `json:"startTime"`
	EndTime   *string    `json:"endTime"`
}

type Appointment struct {
	ID              uuid.UUID          `json:"id"`
	PatientID       uuid.UUID          `json:"patientId"`
	DoctorID        uuid.UUID          `json:"doctorId"`
	ClinicID        uuid.UUID          `json:"clinicId"`
	ScheduleID      uuid.UUID          `json:"scheduleId"`
	DoctorServiceID *uuid.UUID         `json:"doctorServiceId,omitempty"`
	Date            calendar.Date      `json:"date"`
	TimeSlot        calendar.TimeOfDay `json:"timeSlot"`
	Description     string             `json:"description"`
	FirstVisit      bool               `json:"firstVisit"`
	VisitType       VisitType          `json:"visitType"`
	Status          AppointmentStatus  `json:"status"`
	CanceledBy      *string            `json:"canceledBy,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// CancelableBy reports whether actor may cancel the appointment: the
// patient who booked it, its doctor, its clinic or an admin.
func (a *Appointment) CancelableBy(actor auth.Identity) bool {
	return actor.IsAdmin() ||
		actor.Acts(auth.RolePatient, a.PatientID) ||
		actor.Acts(auth.RoleDoctor, a.DoctorID) ||
		actor.Acts(auth.RoleClinic, a.ClinicID)
}

// NewAppointment is what the ledger needs to record a booking. Doctor,
// clinic and date are copied from the schedule.
type NewAppointment struct {
	PatientID       uuid.UUID
	ScheduleID      uuid.UUID
	DoctorServiceID *uuid.UUID
	TimeSlot        calendar.TimeOfDay
	Description     string
	FirstVisit      bool
	VisitType       VisitType
}

// BookingRequest is a patient's booking. The schedule is addressed either
// by ScheduleID or by doctor, clinic and date.
type BookingRequest struct {
	PatientID       uuid.UUID  `json:"patientId"`
	ScheduleID      *uuid.UUID `json:"scheduleId,omitempty"`
	DoctorID        uuid.UUID  `json:"doctorId"`
	ClinicID        uuid.UUID  `json:"clinicId"`
	DoctorServiceID *uuid.UUID `json:"doctorServiceId,omitempty"`
	Date            string     `json:"date"`
	TimeSlot        string     `json:"timeSlot"`
	FirstVisit      bool       `json:"firstVisit"`
	VisitType       string     `json:"visitType"`
	Description     string     `json:"description"`
}

// AppointmentFilter narrows an appointment listing. Nil fields do not
// filter.
type AppointmentFilter struct {
	ClinicID  *uuid.UUID
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	From      *calendar.Date
	To        *calendar.Date
	Status    AppointmentStatus
	Specialty string
	Limit     int
	Offset    int
}
