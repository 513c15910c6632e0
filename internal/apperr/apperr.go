// Package apperr defines the error kinds surfaced by provisioning and the
// session binder.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kinds, for errors.Is
var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrDependency   = errors.New("dependency failure")
	ErrAccessDenied = errors.New("access denied")
	ErrTransient    = errors.New("transient failure")
)

// FieldError is a problem with one input field
type FieldError struct {
	Field   string
	Message string
}

// ValidationError reports malformed or missing input
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError creates a ValidationError
func NewValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields}
}

// Field creates a single-field ValidationError
func Field(field, message string) *ValidationError {
	return NewValidationError(FieldError{Field: field, Message: message})
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Details returns field -> message
func (e *ValidationError) Details() map[string]string {
	details := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		details[f.Field] = f.Message
	}
	return details
}

// ConflictError reports a uniqueness violation
type ConflictError struct {
	Field   string
	Message string
}

// NewConflictError creates a ConflictError
func NewConflictError(field, message string) *ConflictError {
	return &ConflictError{Field: field, Message: message}
}

func (e *ConflictError) Error() string   { return e.Message }
func (e *ConflictError) Is(t error) bool { return t == ErrConflict }

// DependencyError reports a failed step of a multi-step workflow
type DependencyError struct {
	Step string
	Err  error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}
func (e *DependencyError) Unwrap() error   { return e.Err }
func (e *DependencyError) Is(t error) bool { return t == ErrDependency }

// AccessDeniedError reports a missing profile/tenant pairing
type AccessDeniedError struct {
	Message string
}

// NewAccessDenied creates an AccessDeniedError
func NewAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

func (e *AccessDeniedError) Error() string   { return e.Message }
func (e *AccessDeniedError) Is(t error) bool { return t == ErrAccessDenied }

// TransientError reports a network failure or timeout; callers may retry
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Is(t error) bool { return t == ErrTransient }

// Transient wraps err as a TransientError when it is a deadline expiry,
// otherwise returns err unchanged
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}
