// Package corerr defines the error taxonomy shared by the dispatch, billing
// and retry cores: Validation, InsufficientFunds, Conflict,
// Transient and Permanent. Every fallible core operation returns one of
// these (possibly wrapped) rather than an ad-hoc error string.
package corerr

import (
	"errors"
	"fmt"
)

// Sentinel Validation errors — surfaced to the caller, never retried.
var (
	ErrUnknownCustomer = errors.New("unknown customer")
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrJobTypeDisabled = errors.New("job type disabled")
	ErrUnknownRunner   = errors.New("unknown runner")
	ErrNotFound        = errors.New("not found")
	ErrNotCancellable  = errors.New("job is not cancellable")
	ErrTimeout         = errors.New("operation timed out")

	ErrRateLimitExceeded        = errors.New("submission rate limit exceeded")
	ErrConcurrencyLimitExceeded = errors.New("concurrent running job limit exceeded")
)

// InsufficientFundsError is returned by Billing.reserve when a wallet's
// available balance cannot cover the requested amount.
type InsufficientFundsError struct {
	CustomerID string
	Requested  int64
	Available  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for customer %s: requested %d, available %d",
		e.CustomerID, e.Requested, e.Available)
}

// IsInsufficientFunds reports whether err is or wraps an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}

// ConflictError is returned when a compare-and-set on a Job's status loses a
// race: the job was already claimed, already terminal, or otherwise moved.
type ConflictError struct {
	JobID        string
	WantStatus   string
	ActualStatus string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %q, actual %q", e.JobID, e.WantStatus, e.ActualStatus)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// OverageError is returned by Billing.settle when the final cost exceeds the
// reservation by more than the job type's allowed overage.
type OverageError struct {
	ReservedCents int64
	FinalCents    int64
	AllowedCents  int64
}

func (e *OverageError) Error() string {
	return fmt.Sprintf("final cost %d exceeds reserved %d by more than allowed overage %d",
		e.FinalCents, e.ReservedCents, e.AllowedCents)
}

// Class classifies a failure for the Retry Core.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// ProcessorError is the typed outcome a runner-side processor returns on
// failure, carrying the retry classification alongside the message.
type ProcessorError struct {
	Class   Class
	Message string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// NewTransient builds a Transient ProcessorError.
func NewTransient(format string, args ...any) *ProcessorError {
	return &ProcessorError{Class: ClassTransient, Message: fmt.Sprintf(format, args...)}
}

// NewPermanent builds a Permanent ProcessorError.
func NewPermanent(format string, args ...any) *ProcessorError {
	return &ProcessorError{Class: ClassPermanent, Message: fmt.Sprintf(format, args...)}
}

// ClassOf extracts the retry classification from err. Unclassified errors
// default to Transient.
func ClassOf(err error) Class {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}
