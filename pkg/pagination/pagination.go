package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/pkg/apperrors"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Page   int
	Offset int
}

// FromContext extracts ?limit and ?page (1-based) from the echo context.
// Missing or malformed values fall back to the defaults.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	page, _ := strconv.Atoi(c.QueryParam("page"))
	return New(limit, page)
}

// New normalises a limit/page pair and derives the offset.
func New(limit, page int) Params {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if page <= 0 {
		page = 1
	}
	return Params{Limit: limit, Page: page, Offset: (page - 1) * limit}
}

// Pages returns the number of pages needed for total rows.
func (p Params) Pages(total int) int {
	if total <= 0 {
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}

// Check fails with a not-found error when the requested page lies beyond the
// available range. Page 1 is always in range, even for an empty result.
func (p Params) Check(total int) error {
	if p.Page > 1 && p.Page > p.Pages(total) {
		return apperrors.NewNotFoundError("page %d is out of range", p.Page)
	}
	return nil
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}
