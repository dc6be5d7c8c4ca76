// Package errors provides the consolidated error definitions for vitalstore.
//
// Errors fall into two families: startup errors (manifest compilation,
// schema synchronization) which are fatal and abort the process, and
// per-request errors (parse, commit, not-found) which are isolated to the
// owning job or surfaced to the caller.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Startup errors. Fatal: the process must not serve traffic.
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrCyclicManifest  = errors.New("cyclic derived-column dependency")
	ErrSchemaSync      = errors.New("schema synchronization failed")

	// Per-job errors. Terminate the owning job, never the process.
	ErrParse  = errors.New("parse error")
	ErrCommit = errors.New("commit error")

	// Client-visible errors.
	ErrTableNotFound  = errors.New("table not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidBucket  = errors.New("invalid bucket granularity")
	ErrInvalidRequest = errors.New("invalid request")

	// State errors.
	ErrJobTerminal = errors.New("job already in terminal state")
	ErrStoreClosed = errors.New("store is closed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewTableNotFound creates a table not-found error with context.
func NewTableNotFound(table string) error {
	return fmt.Errorf("table '%s': %w", table, ErrTableNotFound)
}

// NewJobNotFound creates a job not-found error with context.
func NewJobNotFound(id string) error {
	return fmt.Errorf("job '%s': %w", id, ErrJobNotFound)
}

// NewRecordNotFound creates a record not-found error with context.
func NewRecordNotFound(table, id string) error {
	return fmt.Errorf("%s '%s': %w", table, id, ErrRecordNotFound)
}

// NewManifestError creates a manifest validation error with context.
func NewManifestError(table, reason string) error {
	return fmt.Errorf("table '%s': %s: %w", table, reason, ErrInvalidManifest)
}

// NewColumnError creates a manifest validation error for a single column.
func NewColumnError(table, column, reason string) error {
	return fmt.Errorf("table '%s' column '%s': %s: %w", table, column, reason, ErrInvalidManifest)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple manifest validation errors so a single
// compile pass can report every problem at once.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("manifest validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
