package docserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/pantry/internal/types"
	"github.com/hyperengineering/pantry/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {"https://pantry.dev/errors/bad-request", "Bad Request"},
	http.StatusUnauthorized:        {"https://pantry.dev/errors/unauthorized", "Unauthorized"},
	http.StatusForbidden:           {"https://pantry.dev/errors/forbidden", "Forbidden"},
	http.StatusNotFound:            {"https://pantry.dev/errors/not-found", "Not Found"},
	http.StatusConflict:            {"https://pantry.dev/errors/conflict", "Conflict"},
	http.StatusUnprocessableEntity: {"https://pantry.dev/errors/validation-error", "Validation Error"},
	http.StatusInternalServerError: {"https://pantry.dev/errors/internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:  {"https://pantry.dev/errors/service-unavailable", "Service Unavailable"},
}

func lookupProblemType(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{"https://pantry.dev/errors/unknown", http.StatusText(status)}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt := lookupProblemType(status)
	writeProblemBody(w, status, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := lookupProblemType(http.StatusUnprocessableEntity)
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	})
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response",
			"component", "docserver",
			"error", err,
		)
	}
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		WriteProblemWithErrors(w, r, "Document failed validation", verr.Errors)
	case errors.Is(err, types.ErrSchemaViolation):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, ErrExists):
		WriteProblem(w, r, http.StatusConflict, "Document already exists")
	case errors.Is(err, ErrEmailTaken):
		WriteProblem(w, r, http.StatusConflict, "Email already registered")
	case errors.Is(err, ErrBadPassword):
		WriteProblem(w, r, http.StatusUnauthorized, "Invalid email or password")
	default:
		slog.Error("request failed",
			"component", "docserver",
			"path", r.URL.Path,
			"method", r.Method,
			"error", err,
		)
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
