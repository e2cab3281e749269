package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/pkg/apperrors"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var httpKinds = map[int]string{
	http.StatusBadRequest:            string(apperrors.KindValidation),
	http.StatusUnauthorized:          "UNAUTHORIZED",
	http.StatusForbidden:             string(apperrors.KindForbidden),
	http.StatusNotFound:              string(apperrors.KindNotFound),
	http.StatusMethodNotAllowed:      "METHOD_NOT_ALLOWED",
	http.StatusConflict:              string(apperrors.KindConflict),
	http.StatusRequestEntityTooLarge: "PAYLOAD_TOO_LARGE",
	http.StatusTooManyRequests:       "RATE_LIMITED",
	http.StatusServiceUnavailable:    "UNAVAILABLE",
	http.StatusGatewayTimeout:        "TIMEOUT",
}

// StatusFor returns the status ErrorHandler will answer err with.
func StatusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperrors.HTTPStatus(apperrors.KindOf(err))
}

func render(err error) (int, ErrorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		kind, ok := httpKinds[he.Code]
		if !ok {
			kind = string(apperrors.KindInternal)
		}
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && he.Code != http.StatusInternalServerError {
			msg = s
		}
		return he.Code, ErrorBody{Error: kind, Message: msg}
	}

	kind := apperrors.KindOf(err)
	return apperrors.HTTPStatus(kind), ErrorBody{Error: string(kind), Message: apperrors.PublicMessage(err)}
}

// ErrorHandler is installed as echo's HTTPErrorHandler. Handlers return
// service errors unchanged and this is the only place they become responses.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
