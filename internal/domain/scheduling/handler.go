package scheduling

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc    *Service
	ledger *Ledger
	booker *Booker
}

func NewHandler(svc *Service, ledger *Ledger, booker *Booker) *Handler {
	return &Handler{svc: svc, ledger: ledger, booker: booker}
}

// RegisterRoutes mounts the scheduling endpoints. Roles are checked per
// route so unknown paths under api still fall through to 404.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	var (
		patient = auth.RequireRole(auth.RolePatient)
		staff   = auth.RequireRole(auth.RoleClinic, auth.RoleDoctor)
		clinic  = auth.RequireRole(auth.RoleClinic)
		doctor  = auth.RequireRole(auth.RoleDoctor)
	)

	api.POST("/appointments", h.BookAppointment, patient)
	api.DELETE("/patients/appointments/:appointmentId", h.CancelAppointment, patient)
	api.GET("/patients/appointments", h.ListPatientAppointments, patient)

	api.DELETE("/appointments/:appointmentId", h.CancelAppointment, staff)
	api.POST("/schedules", h.CreateSchedule, staff)
	api.PUT("/schedules/:id", h.UpdateSchedule, staff)
	api.DELETE("/schedules/:id", h.DeleteSchedule, staff)

	api.GET("/clinics/appointments", h.ListClinicAppointments, clinic)
	api.PUT("/clinics/:clinicId/timetable", h.ReplaceTimetable, clinic)
	api.POST("/clinics/:clinicId/schedules/provision", h.ProvisionSchedule, clinic)

	api.GET("/doctors/appointments", h.ListDoctorAppointments, doctor)

	// Any authenticated caller.
	api.GET("/clinics/:clinicId/timetable", h.GetTimetable)
	api.GET("/schedules", h.ListSchedules)
	api.GET("/schedules/:id", h.GetSchedule)
	api.GET("/schedules/:id/slots", h.GetAvailableSlots)
}

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.NewValidationError("invalid %s", name)
	}
	return id, nil
}

func uuidQuery(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid %s", name)
	}
	return &id, nil
}

func dateQuery(c echo.Context, name string) (*calendar.Date, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	d, err := calendar.ParseDate(v)
	if err != nil {
		return nil, apperrors.NewValidationError("%s: %v", name, err)
	}
	return &d, nil
}

// subject picks whose records a listing shows: the caller's own role record,
// or for admins the one named in the query string.
func subject(c echo.Context, role, param string) (uuid.UUID, error) {
	id, err := identity(c)
	if err != nil {
		return uuid.Nil, err
	}
	if id.Role == role {
		return id.RoleID, nil
	}
	q, err := uuidQuery(c, param)
	if err != nil {
		return uuid.Nil, err
	}
	if q == nil {
		return uuid.Nil, apperrors.NewValidationError("%s is required", param)
	}
	return *q, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperrors.NewValidationError("invalid request body")
	}
	return nil
}

// -- Appointment Handlers --

func (h *Handler) BookAppointment(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req BookingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	// Only admins book on behalf of another patient.
	if !id.IsAdmin() {
		req.PatientID = id.RoleID
	}

	appt, err := h.booker.BookAppointment(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	apptID, err := uuidParam(c, "appointmentId")
	if err != nil {
		return err
	}
	appt, err := h.booker.CancelBooking(c.Request().Context(), apptID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":     "appointment canceled",
		"appointment": appt,
	})
}

type appointmentPage struct {
	Pages        int            `json:"pages"`
	Total        int            `json:"total"`
	Appointments []*Appointment `json:"appointments"`
}

type lister func(f AppointmentFilter) ([]*Appointment, int, error)

func listAppointments(c echo.Context, f AppointmentFilter, list lister) error {
	pg := pagination.FromContext(c)
	f.Limit, f.Offset = pg.Limit, pg.Offset
	items, total, err := list(f)
	if err != nil {
		return err
	}
	if err := pg.Check(total); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appointmentPage{Pages: pg.Pages(total), Total: total, Appointments: items})
}

func (h *Handler) ListClinicAppointments(c echo.Context) error {
	clinicID, err := subject(c, auth.RoleClinic, "clinicId")
	if err != nil {
		return err
	}
	var f AppointmentFilter
	if f.DoctorID, err = uuidQuery(c, "doctorId"); err != nil {
		return err
	}
	if f.PatientID, err = uuidQuery(c, "patientId"); err != nil {
		return err
	}
	if f.From, err = dateQuery(c, "date"); err != nil {
		return err
	}
	f.To = f.From
	f.Specialty = c.QueryParam("specialty")

	ctx := c.Request().Context()
	return listAppointments(c, f, func(f AppointmentFilter) ([]*Appointment, int, error) {
		return h.ledger.ListForClinic(ctx, clinicID, f)
	})
}

func (h *Handler) ListDoctorAppointments(c echo.Context) error {
	doctorID, err := subject(c, auth.RoleDoctor, "doctorId")
	if err != nil {
		return err
	}
	var f AppointmentFilter
	if f.From, err = dateQuery(c, "startDate"); err != nil {
		return err
	}
	if f.To, err = dateQuery(c, "endDate"); err != nil {
		return err
	}
	f.Status = AppointmentStatus(c.QueryParam("status"))

	ctx := c.Request().Context()
	return listAppointments(c, f, func(f AppointmentFilter) ([]*Appointment, int, error) {
		return h.ledger.ListForDoctor(ctx, doctorID, f)
	})
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	patientID, err := subject(c, auth.RolePatient, "patientId")
	if err != nil {
		return err
	}
	var f AppointmentFilter
	if f.From, err = dateQuery(c, "startDate"); err != nil {
		return err
	}
	if f.To, err = dateQuery(c, "endDate"); err != nil {
		return err
	}

	ctx := c.Request().Context()
	return listAppointments(c, f, func(f AppointmentFilter) ([]*Appointment, int, error) {
		return h.ledger.ListForPatient(ctx, patientID, f)
	})
}

// -- Timetable Handlers --

func ownClinic(c echo.Context) (uuid.UUID, error) {
	id, err := identity(c)
	if err != nil {
		return uuid.Nil, err
	}
	clinicID, err := uuidParam(c, "clinicId")
	if err != nil {
		return uuid.Nil, err
	}
	if !id.IsAdmin() && !id.Acts(auth.RoleClinic, clinicID) {
		return uuid.Nil, apperrors.NewForbiddenError("not allowed to manage clinic %s", clinicID)
	}
	return clinicID, nil
}

func (h *Handler) ReplaceTimetable(c echo.Context) error {
	clinicID, err := ownClinic(c)
	if err != nil {
		return err
	}
	var body struct {
		TimetablesData []TimetableInput `json:"timetablesData"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	entries, err := h.svc.ReplaceTimetable(c.Request().Context(), clinicID, body.TimetablesData)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetTimetable(c echo.Context) error {
	clinicID, err := uuidParam(c, "clinicId")
	if err != nil {
		return err
	}
	entries, err := h.svc.GetTimetable(c.Request().Context(), clinicID)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*TimetableEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// -- Schedule Handlers --

func (h *Handler) CreateSchedule(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var in ScheduleInput
	if err := bind(c, &in); err != nil {
		return err
	}
	switch id.Role {
	case auth.RoleClinic:
		if in.ClinicID == uuid.Nil {
			in.ClinicID = id.RoleID
		}
	case auth.RoleDoctor:
		if in.DoctorID == uuid.Nil {
			in.DoctorID = id.RoleID
		}
	}
	if !(&Schedule{DoctorID: in.DoctorID, ClinicID: in.ClinicID}).OwnedBy(id) {
		return apperrors.NewForbiddenError("not allowed to create schedules for this doctor and clinic")
	}

	sched, err := h.svc.CreateSchedule(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) ProvisionSchedule(c echo.Context) error {
	clinicID, err := ownClinic(c)
	if err != nil {
		return err
	}
	var in ProvisionInput
	if err := bind(c, &in); err != nil {
		return err
	}
	in.ClinicID = clinicID
	sched, err := h.svc.ProvisionSchedule(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	var (
		f   ScheduleFilter
		err error
	)
	if f.DoctorID, err = uuidQuery(c, "doctorId"); err != nil {
		return err
	}
	if f.ClinicID, err = uuidQuery(c, "clinicId"); err != nil {
		return err
	}
	if f.From, err = dateQuery(c, "startDate"); err != nil {
		return err
	}
	if f.To, err = dateQuery(c, "endDate"); err != nil {
		return err
	}
	items, err := h.svc.ListSchedules(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Schedule{}
	}
	return c.JSON(http.StatusOK, map[string]any{"schedules": items})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetScheduleWithOccupancy(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetAvailableSlots(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"scheduleId": id, "slots": slots})
}

// ownedSchedule loads a schedule and checks the caller may manage it.
func (h *Handler) ownedSchedule(c echo.Context) (uuid.UUID, error) {
	actor, err := identity(c)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return uuid.Nil, err
	}
	sched, err := h.svc.GetSchedule(c.Request().Context(), id)
	if err != nil {
		return uuid.Nil, err
	}
	if !sched.OwnedBy(actor) {
		return uuid.Nil, apperrors.NewForbiddenError("not allowed to manage schedule %s", id)
	}
	return id, nil
}

func (h *Handler) UpdateSchedule(c echo.Context) error {
	id, err := h.ownedSchedule(c)
	if err != nil {
		return err
	}
	var in WindowInput
	if err := bind(c, &in); err != nil {
		return err
	}
	sched, err := h.svc.UpdateScheduleWindow(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := h.ownedSchedule(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSchedule(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
