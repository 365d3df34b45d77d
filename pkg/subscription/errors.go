package subscription

import "errors"

// Domain-level error values returned by the subscription service.
var (
	ErrPlanNotFound           = errors.New("plan not found")
	ErrPlanInactive           = errors.New("plan inactive")
	ErrInvalidPlan            = errors.New("invalid plan")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrSubscriptionExists     = errors.New("subscription already exists")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrPaymentAlreadyRecorded = errors.New("payment already recorded")
	ErrCheckoutFailed         = errors.New("checkout failed")
	ErrInvalidSubscriptionID  = errors.New("invalid subscription id")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)
