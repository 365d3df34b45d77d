package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
)

const (
	// DefaultProviderTimeout bounds provider calls when no timeout is configured.
	DefaultProviderTimeout = 10 * time.Second
	// DefaultGateTTL is how long a handled payment status suppresses duplicates.
	DefaultGateTTL = 10 * time.Minute

	gateKeyPrefix = "notification:"
)

// Processor turns provider notifications and manual requests into at most one
// subscription transition each.
type Processor struct {
	subscriptions   SubscriptionService
	provider        PaymentProvider
	parser          NotificationParser
	gate            NotificationGate
	gateTTL         time.Duration
	providerTimeout time.Duration
	logger          ReconciliationLogger
}

// NewProcessor wires a Processor.
func NewProcessor(subscriptions SubscriptionService, provider PaymentProvider, parser NotificationParser, options ...ProcessorOption) (*Processor, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("%w: subscription service is nil", ErrInvalidServiceConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: payment provider is nil", ErrInvalidServiceConfig)
	}
	if parser == nil {
		return nil, fmt.Errorf("%w: notification parser is nil", ErrInvalidServiceConfig)
	}
	processor := &Processor{
		subscriptions:   subscriptions,
		provider:        provider,
		parser:          parser,
		gateTTL:         DefaultGateTTL,
		providerTimeout: DefaultProviderTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// HandleNotification processes one provider push. It never fails from the
// provider's point of view: every error is logged and reported in Result.
func (processor *Processor) HandleNotification(ctx context.Context, request NotificationRequest) Result {
	result := processor.handleNotification(ctx, request)
	processor.logReconciliation(ctx, ReconciliationLog{
		Source:         sourceWebhook,
		SubscriptionID: result.SubscriptionID,
		PaymentID:      result.PaymentID,
		PaymentStatus:  result.PaymentStatus,
		Outcome:        result.Outcome,
		Error:          result.Err,
	})
	return result
}

func (processor *Processor) handleNotification(ctx context.Context, request NotificationRequest) Result {
	notification, err := processor.parser.ParseNotification(request)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	if !strings.EqualFold(notification.Topic, TopicPayment) {
		return Result{Outcome: OutcomeIgnored, PaymentID: notification.PaymentID}
	}
	if strings.TrimSpace(notification.PaymentID) == "" {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("%w: missing payment id", ErrInvalidNotification)}
	}

	payment, err := processor.getPayment(ctx, notification.PaymentID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, PaymentID: notification.PaymentID, Err: err}
	}

	// The gate only drops repeats of a status already handled; a later status
	// for the same payment gets its own key.
	gateKey := ""
	if processor.gate != nil {
		candidateKey := gateKeyPrefix + notification.PaymentID + ":" + string(payment.Status)
		acquired, gateErr := processor.gate.Acquire(ctx, candidateKey, processor.gateTTL)
		if gateErr == nil && !acquired {
			return Result{Outcome: OutcomeAlreadyProcessed, PaymentID: notification.PaymentID, PaymentStatus: payment.Status}
		}
		// Gate errors fall through to the database guards.
		if gateErr == nil {
			gateKey = candidateKey
		}
	}

	result := processor.processPayment(ctx, notification, payment)
	if gateKey != "" && result.Outcome != OutcomeApplied && result.Outcome != OutcomeAlreadyProcessed {
		if releaseErr := processor.gate.Release(context.WithoutCancel(ctx), gateKey); releaseErr != nil && result.Err == nil {
			result.Err = releaseErr
		}
	}
	return result
}

func (processor *Processor) processPayment(ctx context.Context, notification Notification, payment Payment) Result {
	result := Result{PaymentID: payment.ID, PaymentStatus: payment.Status}
	reference := payment.ExternalReference
	if reference == "" {
		reference = notification.ExternalReference
	}
	found, err := processor.subscriptions.FindByReference(ctx, reference, payment.ID)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}
	result.SubscriptionID = found.ID
	outcome, _, err := processor.apply(ctx, found, payment)
	result.Outcome = outcome
	result.Err = err
	return result
}

// apply maps an authoritative payment onto the subscription's state machine.
func (processor *Processor) apply(ctx context.Context, current subscription.Subscription, payment Payment) (Outcome, subscription.Subscription, error) {
	event, drives := payment.Status.Event()
	if !drives {
		return OutcomeIgnored, current, nil
	}
	record := payment.Record()
	switch event {
	case subscription.EventApprove:
		if current.Status == subscription.StatusActive {
			transition, err := processor.subscriptions.Renew(ctx, current.ID, record)
			return classify(transition, err, OutcomeAlreadyProcessed)
		}
		transition, err := processor.subscriptions.Activate(ctx, current.ID, record)
		return classify(transition, err, OutcomeAlreadyProcessed)
	default:
		transition, err := processor.subscriptions.Fail(ctx, current.ID, record)
		notApplied := OutcomeIgnored
		if current.Status == subscription.StatusCancelled || transition.Subscription.Status == subscription.StatusCancelled {
			notApplied = OutcomeAlreadyProcessed
		}
		return classify(transition, err, notApplied)
	}
}

func classify(transition subscription.TransitionResult, err error, notApplied Outcome) (Outcome, subscription.Subscription, error) {
	if err != nil {
		return OutcomeFailed, transition.Subscription, err
	}
	if transition.Applied {
		return OutcomeApplied, transition.Subscription, nil
	}
	return notApplied, transition.Subscription, nil
}

// Reconcile re-derives a subscription's state on an administrator's request.
// Unlike HandleNotification, every failure is returned to the caller.
func (processor *Processor) Reconcile(ctx context.Context, request ReconcileRequest) (ReconcileResult, error) {
	result, err := processor.reconcile(ctx, request)
	processor.logReconciliation(ctx, ReconciliationLog{
		Source:         sourceManual,
		Operator:       request.Operator,
		SubscriptionID: result.Subscription.ID,
		Outcome:        result.Outcome,
		Error:          err,
	})
	return result, err
}

func (processor *Processor) reconcile(ctx context.Context, request ReconcileRequest) (ReconcileResult, error) {
	if strings.TrimSpace(request.Operator) == "" {
		return ReconcileResult{Outcome: OutcomeFailed}, ErrUnauthorized
	}
	current, err := processor.locate(ctx, request)
	if err != nil {
		return ReconcileResult{Outcome: OutcomeFailed}, err
	}
	if current.Status == subscription.StatusActive {
		return ReconcileResult{Success: true, Message: "subscription already active", Outcome: OutcomeAlreadyProcessed, Subscription: current}, nil
	}

	if request.ForceActivate {
		transition, err := processor.subscriptions.Activate(ctx, current.ID, subscription.PaymentRecord{
			ProviderPaymentID: subscription.ManualPaymentPrefix + current.ID,
			Status:            string(PaymentApproved),
		})
		outcome, updated, err := classify(transition, err, OutcomeAlreadyProcessed)
		if err != nil {
			return ReconcileResult{Outcome: outcome, Subscription: current}, err
		}
		return ReconcileResult{Success: true, Message: "subscription activated manually", Outcome: outcome, Subscription: updated}, nil
	}

	payment, err := processor.findPayment(ctx, current)
	if errors.Is(err, ErrPaymentNotFound) {
		return ReconcileResult{Message: "no payment found at provider", Outcome: OutcomeIgnored, Subscription: current}, nil
	}
	if err != nil {
		return ReconcileResult{Outcome: OutcomeFailed, Subscription: current}, err
	}
	outcome, updated, err := processor.apply(ctx, current, payment)
	if err != nil {
		return ReconcileResult{Outcome: outcome, Subscription: current}, err
	}
	return ReconcileResult{
		Success:      outcome == OutcomeApplied || outcome == OutcomeAlreadyProcessed,
		Message:      fmt.Sprintf("provider payment %s is %s", payment.ID, payment.Status),
		Outcome:      outcome,
		Subscription: updated,
	}, nil
}

func (processor *Processor) locate(ctx context.Context, request ReconcileRequest) (subscription.Subscription, error) {
	if subscriptionID := strings.TrimSpace(request.SubscriptionID); subscriptionID != "" {
		return processor.subscriptions.Get(ctx, subscriptionID)
	}
	if strings.TrimSpace(request.AccountID) == "" {
		return subscription.Subscription{}, fmt.Errorf("%w: subscription id or account id required", ErrInvalidRequest)
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	current, err := processor.subscriptions.GetCurrent(ctx, accountID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if current == nil {
		return subscription.Subscription{}, subscription.ErrSubscriptionNotFound
	}
	return *current, nil
}

// findPayment pulls the stored provider payment, falling back to the newest
// payment for the subscription's external reference.
func (processor *Processor) findPayment(ctx context.Context, current subscription.Subscription) (Payment, error) {
	if current.ProviderPaymentID != "" && !strings.HasPrefix(current.ProviderPaymentID, subscription.ManualPaymentPrefix) {
		payment, err := processor.getPayment(ctx, current.ProviderPaymentID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return Payment{}, err
		}
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, processor.providerTimeout)
	defer cancel()
	payment, err := processor.provider.LatestPayment(timeoutCtx, current.ID)
	if err != nil {
		return Payment{}, providerError(err)
	}
	payment.Status = NormalizePaymentStatus(string(payment.Status))
	return payment, nil
}

func (processor *Processor) getPayment(ctx context.Context, paymentID string) (Payment, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, processor.providerTimeout)
	defer cancel()
	payment, err := processor.provider.GetPayment(timeoutCtx, paymentID)
	if err != nil {
		return Payment{}, providerError(err)
	}
	payment.Status = NormalizePaymentStatus(string(payment.Status))
	return payment, nil
}

func providerError(err error) error {
	if err == nil || errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}
