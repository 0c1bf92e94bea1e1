package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/pantry/internal/types"
)

// ErrConflict is returned when the remote rejects a write because it would
// clash with existing state (409).
var ErrConflict = errors.New("remote conflict")

// Error is a non-2xx response from the remote. It unwraps to the sentinel
// matching its status so callers classify with errors.Is.
type Error struct {
	Status int
	Title  string
	Detail string
	// Fields carries per-field failures of a 422 response.
	Fields []FieldError
}

// FieldError is one field failure reported by the remote.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("remote %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("remote %d: %s", e.Status, http.StatusText(e.Status))
}

func (e *Error) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return types.ErrAuth
	case e.Status == http.StatusNotFound:
		return types.ErrNotFound
	case e.Status == http.StatusConflict:
		return ErrConflict
	case e.Status == http.StatusUnprocessableEntity || e.Status == http.StatusBadRequest:
		return types.ErrSchemaViolation
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return types.ErrNetwork
	default:
		return nil
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Status
	}
	return 0
}
