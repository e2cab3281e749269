package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error. The HTTP layer maps each kind to a
// status code; services never pick status codes themselves.
type Kind string

const (
	KindValidation            Kind = "VALIDATION"
	KindInvalidScheduleConfig Kind = "INVALID_SCHEDULE_CONFIG"
	KindNotFound              Kind = "NOT_FOUND"
	KindForbidden             Kind = "FORBIDDEN"
	KindConflict              Kind = "CONFLICT"
	KindSlotUnavailable       Kind = "SLOT_UNAVAILABLE"
	KindSlotConflict          Kind = "SLOT_CONFLICT"
	KindInternal              Kind = "INTERNAL"
)

// SlotGoneMessage is what a client sees whenever a requested slot is taken.
const SlotGoneMessage = "the requested time slot is no longer available; refresh availability and choose another slot"

// AppError represents an application error
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

func NewValidationError(format string, args ...any) *AppError {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewInvalidScheduleConfigError(format string, args ...any) *AppError {
	return &AppError{Kind: KindInvalidScheduleConfig, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewForbiddenError(format string, args ...any) *AppError {
	return &AppError{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) *AppError {
	return &AppError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NewSlotUnavailableError is returned to callers of the booking flow whenever
// the slot is gone, regardless of when it went.
func NewSlotUnavailableError(err error) *AppError {
	return &AppError{Kind: KindSlotUnavailable, Message: SlotGoneMessage, Err: err}
}

// NewSlotConflictError wraps a storage-level uniqueness violation on an
// active (schedule, time slot) pair.
func NewSlotConflictError(err error) *AppError {
	return &AppError{Kind: KindSlotConflict, Message: SlotGoneMessage, Err: err}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of the first AppError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Kind == kind
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidScheduleConfig:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict, KindSlotUnavailable, KindSlotConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client. Internal errors
// never expose their cause.
func PublicMessage(err error) string {
	var ae *AppError
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Message
	}
	return "internal server error"
}
