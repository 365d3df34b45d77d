package subscription

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// TransitionLogger records subscription transitions and rejected transitions.
type TransitionLogger interface {
	LogTransition(ctx context.Context, entry TransitionLog)
}

// TransitionLog describes one attempted transition.
type TransitionLog struct {
	Operation         string
	SubscriptionID    string
	AccountID         ledger.AccountID
	PlanID            string
	Event             Event
	From              Status
	To                Status
	ProviderPaymentID string
	Applied           bool
	Status            string
	Error             error
}

// WithTransitionLogger wires a logger that receives every transition attempt.
func WithTransitionLogger(logger TransitionLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCheckoutProvider wires the provider used for paid plans.
func WithCheckoutProvider(provider CheckoutProvider) ServiceOption {
	return func(service *Service) {
		service.provider = provider
	}
}

func (service *Service) logTransition(ctx context.Context, entry TransitionLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else {
		entry.Status = operationStatusOK
	}
	service.logger.LogTransition(ctx, entry)
}
