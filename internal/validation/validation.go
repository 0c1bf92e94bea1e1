// Package validation checks document bodies and request fields before they
// reach storage. Failures are collected per field so callers can report all
// of them at once.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// ValidationError is one field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func fieldError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Collector gathers field failures across a whole document.
type Collector struct {
	errors []ValidationError
}

// Add records err. Nil is ignored so checks can be chained.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateText applies the free-text rules to value. A blank value reports
// only "is required".
func (c *Collector) ValidateText(field, value string, max int) {
	if err := ValidateRequired(field, value); err != nil {
		c.Add(err)
		return
	}
	for _, check := range []func(string, string) *ValidationError{ValidateUTF8, ValidateNoNullBytes} {
		c.Add(check(field, value))
	}
	c.Add(ValidateMaxLength(field, value, max))
}

func ValidateUTF8(field, value string) *ValidationError {
	if utf8.ValidString(value) {
		return nil
	}
	return fieldError(field, "must be valid UTF-8")
}

func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.IndexByte(value, 0) < 0 {
		return nil
	}
	return fieldError(field, "must not contain null bytes")
}

// ValidateMaxLength counts runes, not bytes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) <= max {
		return nil
	}
	return fieldError(field, "exceeds maximum length of %d characters", max)
}

func ValidateMaxItems(field string, n, max int) *ValidationError {
	if n <= max {
		return nil
	}
	return fieldError(field, "exceeds maximum of %d entries", max)
}

// ValidateULID accepts any case. Values that overflow 128 bits are
// rejected.
func ValidateULID(field, value string) *ValidationError {
	if len(value) != ulid.EncodedSize {
		return fieldError(field, "must be a valid ULID (%d characters)", ulid.EncodedSize)
	}
	if _, err := ulid.ParseStrict(value); err != nil {
		return fieldError(field, "must be a valid ULID (%v)", err)
	}
	return nil
}

// ValidateRequired treats whitespace-only values as empty.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return fieldError(field, "is required")
}

// ValidateEnum is case sensitive.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fieldError(field, "must be one of: %s", strings.Join(allowed, ", "))
}
