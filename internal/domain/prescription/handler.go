package prescription

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/prescriptions/:id", h.Get, auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	api.POST("/prescriptions", h.Issue, auth.RequireRole(auth.RoleDoctor))
	api.GET("/patients/prescriptions", h.ListForPatient, auth.RequireRole(auth.RolePatient))
}

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func (h *Handler) Issue(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	var in IssueInput
	if err := c.Bind(&in); err != nil {
		return apperrors.NewValidationError("invalid request body")
	}
	p, err := h.svc.Issue(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.NewValidationError("invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	patientID := actor.RoleID
	if actor.IsAdmin() {
		if patientID, err = uuid.Parse(c.QueryParam("patientId")); err != nil {
			return apperrors.NewValidationError("patientId is required")
		}
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if err := pg.Check(total); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"pages":         pg.Pages(total),
		"total":         total,
		"prescriptions": items,
	})
}
