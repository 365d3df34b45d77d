package reconcile

import "errors"

// Domain-level error values returned by the reconciliation processor.
var (
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrInvalidNotification  = errors.New("invalid notification")
	ErrInvalidSignature     = errors.New("invalid notification signature")
	ErrUnauthorized         = errors.New("unauthorized reconciliation")
	ErrInvalidRequest       = errors.New("invalid reconciliation request")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
