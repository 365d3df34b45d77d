package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrFeatureNotConfigured    = errors.New("feature not configured")
	ErrFeatureInactive         = errors.New("feature inactive")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidFeatureID        = errors.New("invalid feature id")
	ErrInvalidFeatureName      = errors.New("invalid feature name")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidCost             = errors.New("invalid cost")
	ErrInvalidEntryKind        = errors.New("invalid entry kind")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// InsufficientCreditsError carries the shortfall of a rejected consumption.
type InsufficientCreditsError struct {
	Required  Credits
	Available Credits
}

// Error returns the formatted error message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientCredits, insufficient.Required, insufficient.Available)
}

// Unwrap returns ErrInsufficientCredits.
func (insufficient InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// Shortfall is the number of credits missing.
func (insufficient InsufficientCreditsError) Shortfall() Credits {
	if insufficient.Available >= insufficient.Required {
		return 0
	}
	return insufficient.Required - insufficient.Available
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
