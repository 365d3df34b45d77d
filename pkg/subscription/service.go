package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// Service drives the subscription lifecycle.
type Service struct {
	store    Store
	granter  Granter
	provider CheckoutProvider
	nowFn    func() time.Time
	logger   TransitionLogger
}

// NewService wires a Service.
func NewService(store Store, granter Granter, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if granter == nil {
		return nil, fmt.Errorf("%w: granter dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, granter: granter, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Create subscribes an account to a plan. Free plans become active at once and
// grant their credits; paid plans open a provider checkout and stay pending.
func (service *Service) Create(ctx context.Context, accountID ledger.AccountID, planID string, callbacks Callbacks) (CreateResult, error) {
	result, err := service.create(ctx, accountID, planID, callbacks)
	event := EventCheckout
	if result.IsFree {
		event = EventFree
	}
	service.logTransition(ctx, TransitionLog{
		Operation:      operationCreate,
		SubscriptionID: result.Subscription.ID,
		AccountID:      accountID,
		PlanID:         NormalizePlanID(planID),
		Event:          event,
		From:           StatusNone,
		To:             result.Subscription.Status,
		Applied:        err == nil,
		Error:          err,
	})
	return result, err
}

func (service *Service) create(ctx context.Context, accountID ledger.AccountID, planID string, callbacks Callbacks) (CreateResult, error) {
	if accountID.IsZero() {
		return CreateResult{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidAccountID)
	}
	plan, err := service.store.GetPlan(ctx, NormalizePlanID(planID))
	if err != nil {
		return CreateResult{}, err
	}
	if !plan.Active {
		return CreateResult{}, fmt.Errorf("%w: %s", ErrPlanInactive, plan.ID)
	}
	if _, err := service.store.FindOpenByAccount(ctx, accountID); err == nil {
		return CreateResult{}, ErrSubscriptionExists
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return CreateResult{}, err
	}
	subscriptionID, err := ledger.GenerateID(IDPrefix)
	if err != nil {
		return CreateResult{}, err
	}
	if plan.IsFree() {
		subscription, err := service.createFree(ctx, subscriptionID, accountID, plan)
		if err != nil {
			return CreateResult{IsFree: true}, err
		}
		return CreateResult{Subscription: subscription, IsFree: true}, nil
	}

	if service.provider == nil {
		return CreateResult{}, fmt.Errorf("%w: no checkout provider configured", ErrCheckoutFailed)
	}
	checkout, err := service.provider.CreateCheckout(ctx, CheckoutRequest{
		Plan:              plan,
		AccountID:         accountID,
		ExternalReference: subscriptionID,
		Callbacks:         callbacks,
		IdempotencyKey:    subscriptionID,
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
	}
	status, err := Transition(StatusNone, EventCheckout)
	if err != nil {
		return CreateResult{}, err
	}
	now := service.nowFn().UTC()
	subscription := Subscription{
		ID:                subscriptionID,
		AccountID:         accountID,
		PlanID:            plan.ID,
		Status:            status,
		ProviderPaymentID: checkout.SessionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := service.claimAccount(ctx, txStore, accountID, subscriptionID); err != nil {
			return err
		}
		return txStore.CreateSubscription(ctx, subscription)
	})
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Subscription: subscription, PaymentURL: checkout.RedirectURL}, nil
}

func (service *Service) createFree(ctx context.Context, subscriptionID string, accountID ledger.AccountID, plan Plan) (Subscription, error) {
	status, err := Transition(StatusNone, EventFree)
	if err != nil {
		return Subscription{}, err
	}
	now := service.nowFn().UTC()
	renewal := now.Add(BillingPeriod)
	subscription := Subscription{
		ID:          subscriptionID,
		AccountID:   accountID,
		PlanID:      plan.ID,
		Status:      status,
		StartDate:   &now,
		RenewalDate: &renewal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := service.claimAccount(ctx, txStore, accountID, subscriptionID); err != nil {
			return err
		}
		if err := txStore.CreateSubscription(ctx, subscription); err != nil {
			return err
		}
		return service.grantPlanCredits(ctx, txStore, subscription, plan, activationKey(subscriptionID))
	})
	if err != nil {
		return Subscription{}, err
	}
	return subscription, nil
}

func (service *Service) claimAccount(ctx context.Context, txStore Store, accountID ledger.AccountID, subscriptionID string) error {
	if _, err := txStore.Ledger().GetOrCreateAccount(ctx, accountID); err != nil {
		return err
	}
	claimed, err := txStore.ClaimAccountSubscription(ctx, accountID, subscriptionID)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrSubscriptionExists
	}
	return nil
}

// Activate moves a pending subscription to active after a confirmed payment.
// An already active subscription is reported with Applied=false and no error.
func (service *Service) Activate(ctx context.Context, subscriptionID string, payment PaymentRecord) (TransitionResult, error) {
	var result TransitionResult
	var from Status
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		subscription, err := txStore.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		from = subscription.Status
		result.Subscription = subscription
		if subscription.Status == StatusActive {
			return nil
		}
		to, err := Transition(subscription.Status, EventApprove)
		if err != nil {
			return err
		}
		plan, err := txStore.GetPlan(ctx, subscription.PlanID)
		if err != nil {
			return err
		}
		now := service.nowFn().UTC()
		renewal := now.Add(BillingPeriod)
		applied, err := txStore.UpdateStatus(ctx, StatusChange{
			SubscriptionID:    subscription.ID,
			From:              []Status{StatusPending},
			To:                to,
			ProviderPaymentID: payment.ProviderPaymentID,
			StartDate:         &now,
			RenewalDate:       &renewal,
			UpdatedAt:         now,
		})
		if err != nil {
			return err
		}
		if !applied {
			return service.reloadAfterLostRace(ctx, txStore, subscription.ID, StatusActive, &result)
		}
		if payment.ProviderPaymentID != "" && !subscription.HasPayment(payment.ProviderPaymentID) {
			if err := txStore.InsertPayment(ctx, subscription.ID, approvedPayment(payment, now)); err != nil {
				return err
			}
		}
		if err := service.grantPlanCredits(ctx, txStore, subscription, plan, activationKey(subscription.ID)); err != nil {
			return err
		}
		updated, err := txStore.GetSubscription(ctx, subscription.ID)
		if err != nil {
			return err
		}
		result = TransitionResult{Subscription: updated, Applied: true}
		return nil
	})
	if err != nil {
		result.Applied = false
	}
	service.logTransition(ctx, TransitionLog{
		Operation:         operationActivate,
		SubscriptionID:    subscriptionID,
		AccountID:         result.Subscription.AccountID,
		PlanID:            result.Subscription.PlanID,
		Event:             EventApprove,
		From:              from,
		To:                result.Subscription.Status,
		ProviderPaymentID: payment.ProviderPaymentID,
		Applied:           result.Applied,
		Error:             err,
	})
	return result, err
}

// Renew records a new successful payment on an active subscription, extends
// its renewal date and grants the plan credits once per provider payment.
func (service *Service) Renew(ctx context.Context, subscriptionID string, payment PaymentRecord) (TransitionResult, error) {
	var result TransitionResult
	var from Status
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		subscription, err := txStore.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		from = subscription.Status
		result.Subscription = subscription
		if _, err := Transition(subscription.Status, EventRenew); err != nil {
			return err
		}
		if strings.TrimSpace(payment.ProviderPaymentID) == "" {
			return fmt.Errorf("%w: renewal requires a provider payment id", ErrInvalidTransition)
		}
		if subscription.ProviderPaymentID == payment.ProviderPaymentID || subscription.HasPayment(payment.ProviderPaymentID) {
			return nil
		}
		plan, err := txStore.GetPlan(ctx, subscription.PlanID)
		if err != nil {
			return err
		}
		now := service.nowFn().UTC()
		if err := txStore.InsertPayment(ctx, subscription.ID, approvedPayment(payment, now)); err != nil {
			return err
		}
		if subscription.AwaitsProviderPayment() {
			// The manual activation already granted this period's credits.
			return service.attachConfirmingPayment(ctx, txStore, subscription, payment.ProviderPaymentID, now, &result)
		}
		base := now
		if subscription.RenewalDate != nil && subscription.RenewalDate.After(base) {
			base = *subscription.RenewalDate
		}
		if err := txStore.UpdateRenewal(ctx, subscription.ID, base.Add(BillingPeriod), payment.ProviderPaymentID, now); err != nil {
			return err
		}
		if err := service.grantPlanCredits(ctx, txStore, subscription, plan, paymentKey(payment.ProviderPaymentID)); err != nil {
			return err
		}
		updated, err := txStore.GetSubscription(ctx, subscription.ID)
		if err != nil {
			return err
		}
		result = TransitionResult{Subscription: updated, Applied: true}
		return nil
	})
	if errors.Is(err, ErrPaymentAlreadyRecorded) || errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		err = nil
		result.Applied = false
	}
	if err != nil {
		result.Applied = false
	}
	service.logTransition(ctx, TransitionLog{
		Operation:         operationRenew,
		SubscriptionID:    subscriptionID,
		AccountID:         result.Subscription.AccountID,
		PlanID:            result.Subscription.PlanID,
		Event:             EventRenew,
		From:              from,
		To:                result.Subscription.Status,
		ProviderPaymentID: payment.ProviderPaymentID,
		Applied:           result.Applied,
		Error:             err,
	})
	return result, err
}

// attachConfirmingPayment replaces the manual placeholder with the provider
// payment without extending the period or granting credits.
func (service *Service) attachConfirmingPayment(ctx context.Context, txStore Store, subscription Subscription, providerPaymentID string, now time.Time, result *TransitionResult) error {
	renewal := now.Add(BillingPeriod)
	if subscription.RenewalDate != nil {
		renewal = *subscription.RenewalDate
	}
	if err := txStore.UpdateRenewal(ctx, subscription.ID, renewal, providerPaymentID, now); err != nil {
		return err
	}
	updated, err := txStore.GetSubscription(ctx, subscription.ID)
	if err != nil {
		return err
	}
	*result = TransitionResult{Subscription: updated, Applied: false}
	return nil
}

// Fail cancels a subscription after a rejected or reversed payment. A failure
// dated before the newest approved payment of an active subscription is stale
// and leaves it untouched. Granted credits are never revoked.
func (service *Service) Fail(ctx context.Context, subscriptionID string, payment PaymentRecord) (TransitionResult, error) {
	var result TransitionResult
	var from Status
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		subscription, err := txStore.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		from = subscription.Status
		result.Subscription = subscription
		if subscription.Status == StatusCancelled {
			return nil
		}
		to, err := Transition(subscription.Status, EventReject)
		if err != nil {
			return err
		}
		if subscription.Status == StatusActive && isStaleFailure(subscription, payment) {
			return nil
		}
		now := service.nowFn().UTC()
		if payment.ProviderPaymentID != "" && !subscription.HasPayment(payment.ProviderPaymentID) {
			failed := payment
			if failed.Date.IsZero() {
				failed.Date = now
			}
			if err := txStore.InsertPayment(ctx, subscription.ID, failed); err != nil {
				return err
			}
		}
		return service.cancelInTx(ctx, txStore, subscription, to, now, &result)
	})
	if err != nil {
		result.Applied = false
	}
	service.logTransition(ctx, TransitionLog{
		Operation:         operationFail,
		SubscriptionID:    subscriptionID,
		AccountID:         result.Subscription.AccountID,
		PlanID:            result.Subscription.PlanID,
		Event:             EventReject,
		From:              from,
		To:                result.Subscription.Status,
		ProviderPaymentID: payment.ProviderPaymentID,
		Applied:           result.Applied,
		Error:             err,
	})
	return result, err
}

// Cancel cancels a pending or active subscription. Cancelling a cancelled
// subscription is an invalid transition.
func (service *Service) Cancel(ctx context.Context, subscriptionID string) (Subscription, error) {
	var result TransitionResult
	var from Status
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		subscription, err := txStore.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		from = subscription.Status
		result.Subscription = subscription
		to, err := Transition(subscription.Status, EventCancel)
		if err != nil {
			return err
		}
		if err := service.cancelInTx(ctx, txStore, subscription, to, service.nowFn().UTC(), &result); err != nil {
			return err
		}
		if !result.Applied {
			return fmt.Errorf("%w: %s already cancelled", ErrInvalidTransition, subscription.ID)
		}
		return nil
	})
	service.logTransition(ctx, TransitionLog{
		Operation:      operationCancel,
		SubscriptionID: subscriptionID,
		AccountID:      result.Subscription.AccountID,
		PlanID:         result.Subscription.PlanID,
		Event:          EventCancel,
		From:           from,
		To:             result.Subscription.Status,
		Applied:        err == nil,
		Error:          err,
	})
	if err != nil {
		return Subscription{}, err
	}
	return result.Subscription, nil
}

// CancelCurrent cancels the account's open subscription.
func (service *Service) CancelCurrent(ctx context.Context, accountID ledger.AccountID) (Subscription, error) {
	current, err := service.store.FindOpenByAccount(ctx, accountID)
	if err != nil {
		return Subscription{}, err
	}
	return service.Cancel(ctx, current.ID)
}

func (service *Service) cancelInTx(ctx context.Context, txStore Store, subscription Subscription, to Status, now time.Time, result *TransitionResult) error {
	applied, err := txStore.UpdateStatus(ctx, StatusChange{
		SubscriptionID: subscription.ID,
		From:           []Status{StatusPending, StatusActive},
		To:             to,
		EndDate:        &now,
		UpdatedAt:      now,
	})
	if err != nil {
		return err
	}
	if !applied {
		return service.reloadAfterLostRace(ctx, txStore, subscription.ID, StatusCancelled, result)
	}
	if err := txStore.ReleaseAccountSubscription(ctx, subscription.AccountID, subscription.ID); err != nil {
		return err
	}
	updated, err := txStore.GetSubscription(ctx, subscription.ID)
	if err != nil {
		return err
	}
	*result = TransitionResult{Subscription: updated, Applied: true}
	return nil
}

// reloadAfterLostRace handles a conditional update that matched no row: a
// concurrent writer reached the target first (no-op) or moved elsewhere (invalid).
func (service *Service) reloadAfterLostRace(ctx context.Context, txStore Store, subscriptionID string, target Status, result *TransitionResult) error {
	current, err := txStore.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	result.Subscription = current
	result.Applied = false
	if current.Status == target {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, subscriptionID, current.Status)
}

func (service *Service) grantPlanCredits(ctx context.Context, txStore Store, subscription Subscription, plan Plan, key string) error {
	if plan.Credits <= 0 {
		return nil
	}
	amount, err := ledger.NewPositiveCredits(plan.Credits)
	if err != nil {
		return err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(key)
	if err != nil {
		return err
	}
	_, err = service.granter.GrantTx(ctx, txStore.Ledger(), subscription.AccountID, amount, "Subscription: "+plan.Name, idempotencyKey)
	return err
}

// GetCurrent returns the account's open subscription, or nil when there is none.
func (service *Service) GetCurrent(ctx context.Context, accountID ledger.AccountID) (*Subscription, error) {
	current, err := service.store.FindOpenByAccount(ctx, accountID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &current, nil
}

// Get loads a subscription with its payment history.
func (service *Service) Get(ctx context.Context, subscriptionID string) (Subscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return Subscription{}, ErrInvalidSubscriptionID
	}
	return service.store.GetSubscription(ctx, strings.TrimSpace(subscriptionID))
}

// FindByReference locates a subscription by external reference first and
// provider payment id second.
func (service *Service) FindByReference(ctx context.Context, externalReference string, providerPaymentID string) (Subscription, error) {
	if reference := strings.TrimSpace(externalReference); reference != "" {
		subscription, err := service.store.GetSubscription(ctx, reference)
		if err == nil {
			return subscription, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return Subscription{}, err
		}
	}
	if paymentID := strings.TrimSpace(providerPaymentID); paymentID != "" {
		return service.store.FindByProviderPaymentID(ctx, paymentID)
	}
	return Subscription{}, ErrSubscriptionNotFound
}

// Plan returns a catalog entry.
func (service *Service) Plan(ctx context.Context, planID string) (Plan, error) {
	return service.store.GetPlan(ctx, NormalizePlanID(planID))
}

// Plans lists the catalog.
func (service *Service) Plans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	return service.store.ListPlans(ctx, activeOnly)
}

// UpsertPlan validates and stores a catalog entry.
func (service *Service) UpsertPlan(ctx context.Context, plan Plan) (Plan, error) {
	plan.ID = NormalizePlanID(plan.ID)
	plan.Name = strings.TrimSpace(plan.Name)
	plan.Currency = strings.ToUpper(strings.TrimSpace(plan.Currency))
	switch {
	case plan.ID == "":
		return Plan{}, fmt.Errorf("%w: empty id", ErrInvalidPlan)
	case plan.Name == "":
		return Plan{}, fmt.Errorf("%w: empty name", ErrInvalidPlan)
	case plan.Price < 0:
		return Plan{}, fmt.Errorf("%w: negative price", ErrInvalidPlan)
	case plan.Credits < 0:
		return Plan{}, fmt.Errorf("%w: negative credits", ErrInvalidPlan)
	case plan.Price > 0 && plan.Currency == "":
		return Plan{}, fmt.Errorf("%w: paid plan requires a currency", ErrInvalidPlan)
	}
	if err := service.store.UpsertPlan(ctx, plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func isStaleFailure(subscription Subscription, payment PaymentRecord) bool {
	if payment.ProviderPaymentID != "" && payment.ProviderPaymentID == subscription.ProviderPaymentID {
		return false
	}
	latest, ok := subscription.LatestSuccessfulPayment()
	if !ok || payment.Date.IsZero() {
		return false
	}
	return payment.Date.Before(latest)
}

func approvedPayment(payment PaymentRecord, now time.Time) PaymentRecord {
	payment.Status = PaymentStatusApproved
	if payment.Date.IsZero() {
		payment.Date = now
	}
	return payment
}

func activationKey(subscriptionID string) string {
	return "subscription:" + subscriptionID + ":activation"
}

func paymentKey(providerPaymentID string) string {
	return "payment:" + providerPaymentID
}
