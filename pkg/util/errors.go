// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classified failures
var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrInUse            = errors.New("resource in use")
	ErrValidationFailed = errors.New("validation failed")
	ErrEtagConflict     = errors.New("etag conflict")
	ErrSubnetFull       = errors.New("no free addresses in subnet")
	ErrPoolFull         = errors.New("all networks in pool are full")
	ErrUnavailable      = errors.New("service unavailable")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrInternal         = errors.New("internal error")
)

// NotFoundError identifies the record that could not be found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s '%s' not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error for a resource
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// InUseError represents a resource that cannot be deleted because it's referenced
type InUseError struct {
	Resource string
	UsedBy   []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s is in use by: %s", e.Resource, strings.Join(e.UsedBy, ", "))
}

func (e *InUseError) Unwrap() error {
	return ErrInUse
}

// NewInUseError creates an in-use error
func NewInUseError(resource string, usedBy ...string) *InUseError {
	return &InUseError{
		Resource: resource,
		UsedBy:   usedBy,
	}
}

// InternalError wraps an invariant violation or programming error with context
type InternalError struct {
	Op      string
	Details string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %s", e.Op, e.Details)
}

func (e *InternalError) Unwrap() error {
	return ErrInternal
}

// NewInternalError creates an internal error
func NewInternalError(op, details string) *InternalError {
	return &InternalError{Op: op, Details: details}
}

// UnavailableError is surfaced when a retry budget is exhausted or the
// store is transiently unreachable.
type UnavailableError struct {
	Op     string
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.Op, e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return ErrUnavailable
}

// NewUnavailableError creates an unavailable error
func NewUnavailableError(op, reason string) *UnavailableError {
	return &UnavailableError{Op: op, Reason: reason}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}
