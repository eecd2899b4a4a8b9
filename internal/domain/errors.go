// Package domain defines core types, interfaces, and errors for the ingestion platform.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// TransientError marks an infrastructure failure (connection reset, locked
// database) that is worth retrying. Jobs that exhaust their retries on a
// transient error go back to PENDING.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RowError describes a single rejected input row.
type RowError struct {
	Row    []any
	Reason string
}

// DataError carries rows that could not be cast or stored. The job keeps
// going and ends as FAILED once the rows are quarantined.
type DataError struct {
	Columns []string
	Rows    []RowError
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%d row(s) rejected", len(e.Rows))
}

// SchemaDriftError is raised when a categorical column outgrows its
// configured cardinality ceiling.
type SchemaDriftError struct {
	DataTableID int64
	Column      string
	Distinct    int
	Ceiling     int
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("category column %q of data table %d has %d distinct values (ceiling %d)",
		e.Column, e.DataTableID, e.Distinct, e.Ceiling)
}

// FatalError marks a failure during commit; the affected rows are not
// guaranteed to be persisted and must be re-imported.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// ErrCanceled is returned by job bodies that observed a cancellation request.
var ErrCanceled = errors.New("job canceled")

// ErrSentToBridge is returned by job bodies that handed their work to the
// Bridge instead of running it locally.
var ErrSentToBridge = errors.New("job forwarded to bridge")

// Transient wraps err as a TransientError unless it is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// RescheduleDelay is how long a job that hit schema drift waits before it
// runs again with ForceCategoryChange set.
const RescheduleDelay = 80 * time.Second
