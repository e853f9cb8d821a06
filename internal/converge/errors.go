package converge

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigErrorCode categorizes configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeCycleDetected indicates writers depend on each other in a cycle.
	ErrCodeCycleDetected ConfigErrorCode = "CYCLE_DETECTED"

	// ErrCodeMultipleWriters indicates a field is written by more than one trait.
	ErrCodeMultipleWriters ConfigErrorCode = "MULTIPLE_WRITERS"

	// ErrCodeInvalidTrait indicates a malformed trait entry.
	ErrCodeInvalidTrait ConfigErrorCode = "INVALID_TRAIT"
)

// ConfigError is a hard failure raised while compiling a module's traits.
// It must block module construction; it is never degraded.
type ConfigError struct {
	// Code identifies the error category.
	Code ConfigErrorCode

	// Message is a human-readable description.
	Message string

	// ModuleID identifies the module being compiled, when known.
	ModuleID string

	// Fields lists the offending field paths, sorted.
	Fields []string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (fields=%s)", strings.Join(e.Fields, ", "))
	}
	if e.ModuleID != "" {
		fmt.Fprintf(&b, " (module=%s)", e.ModuleID)
	}
	return b.String()
}

// IsCycleError returns true if err is a CYCLE_DETECTED configuration error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsMultipleWritersError returns true if err is a MULTIPLE_WRITERS
// configuration error.
func IsMultipleWritersError(err error) bool {
	return hasCode(err, ErrCodeMultipleWriters)
}

func hasCode(err error, code ConfigErrorCode) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func newInvalidTrait(path, format string, args ...any) *ConfigError {
	e := &ConfigError{
		Code:    ErrCodeInvalidTrait,
		Message: fmt.Sprintf(format, args...),
	}
	if path != "" {
		e.Fields = []string{path}
	}
	return e
}
