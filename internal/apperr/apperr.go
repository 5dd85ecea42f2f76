// Package apperr centralizes the error taxonomy and its HTTP status
// mapping, so no handler in internal/httpapi has to know which errors map
// to which codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the kinds that carry no extra data.
var (
	// ErrBrokerUnavailable: publish failed after retries were exhausted.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrBrokerNotConfigured: no broker was wired at startup.
	ErrBrokerNotConfigured = errors.New("broker not configured")
	// ErrTrackerUnavailable: tracker connect failed at startup.
	ErrTrackerUnavailable = errors.New("tracker unavailable")
	// ErrResultMissing: no result entry exists, or it expired.
	ErrResultMissing = errors.New("result missing")
	// ErrHandlerNotRegistered: trigger referenced an unknown task name.
	ErrHandlerNotRegistered = errors.New("handler not registered")
	// ErrNotFound: the requested resource (task, job, DLQ entry) does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError carries field-level detail for a 422 response.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %d field(s) invalid", len(e.Fields))
}

// NewValidationError builds a ValidationError from a single field/message pair.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// NotCancellable describes a cancel_task request on a terminal task.
// CancelTask uses it only for its message and does not return it as an
// error: the caller still gets 200 with cancelled:false.
type NotCancellable struct {
	TaskID         string
	PreviousStatus string
}

func (e *NotCancellable) Error() string {
	return fmt.Sprintf("task %s is not cancellable from status %s", e.TaskID, e.PreviousStatus)
}

// HTTPStatus maps an error kind to the HTTP status code spec.md §6/§7
// assigns it. Unknown errors map to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity
	}

	switch {
	case errors.Is(err, ErrBrokerUnavailable), errors.Is(err, ErrBrokerNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrResultMissing), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrHandlerNotRegistered):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
