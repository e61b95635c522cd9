package errors

import (
	"fmt"
	"strings"
)

// Severity grades a validation finding.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ValidationError describes one rejected field. Validation failures are
// returned as values at the boundary they occur at, never propagated across
// pipeline stages.
type ValidationError struct {
	Field    string      `json:"field"`
	Message  string      `json:"message"`
	Value    interface{} `json:"value,omitempty"`
	Severity Severity    `json:"severity"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates findings for a single input.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// HasErrors reports whether any finding is of error severity.
func (e ValidationErrors) HasErrors() bool {
	for _, v := range e {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Invalid appends an error-severity finding and returns the extended slice.
func (e ValidationErrors) Invalid(field, message string, value interface{}) ValidationErrors {
	return append(e, &ValidationError{
		Field:    field,
		Message:  message,
		Value:    value,
		Severity: SeverityError,
	})
}
