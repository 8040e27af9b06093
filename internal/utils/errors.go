package utils

import (
	"errors"
	"fmt"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

var (
	// ErrDuplicateAlertSuppressed is not a failure: a pending alert already covers the condition.
	ErrDuplicateAlertSuppressed = errors.New("duplicate alert suppressed")
	// ErrNotFound signals a missing alert, lock or property row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition signals a state change out of a terminal state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInsufficientAuthority signals an approver below the alert's required role.
	ErrInsufficientAuthority = errors.New("insufficient authority")
	// ErrUnsupportedMethod signals an analysis method without an implementation.
	ErrUnsupportedMethod = errors.New("unsupported analysis method")
)

// InsufficientDataError reports a metric window too short to analyse.
type InsufficientDataError struct {
	PropertyID string
	MetricName string
	Need       int
	Have       int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient history: need ≥%d points, have %d", e.Need, e.Have)
}

// InvalidThresholdError reports a non-positive or otherwise unusable threshold setting.
type InvalidThresholdError struct {
	Field string
	Value float64
}

func (e *InvalidThresholdError) Error() string {
	return fmt.Sprintf("invalid threshold %s=%v: must be positive", e.Field, e.Value)
}

// ConcurrentMutationError reports a lost race on a property's governance state.
type ConcurrentMutationError struct {
	PropertyID string
	Reason     string
}

func (e *ConcurrentMutationError) Error() string {
	return fmt.Sprintf("concurrent mutation on property %s: %s", e.PropertyID, e.Reason)
}

// IsConcurrentMutation reports whether err carries a ConcurrentMutationError.
func IsConcurrentMutation(err error) bool {
	var target *ConcurrentMutationError
	return errors.As(err, &target)
}
