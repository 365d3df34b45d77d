package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// Plan is a purchasable credit bundle. Price is in minor currency units.
type Plan struct {
	ID              string
	Name            string
	Price           int64
	Currency        string
	Credits         int64
	Features        []string
	ProviderPriceID string
	Active          bool
}

// IsFree reports whether the plan activates without a payment.
func (plan Plan) IsFree() bool {
	return plan.Price == 0
}

// PaymentRecord is one provider payment attached to a subscription.
type PaymentRecord struct {
	ProviderPaymentID string
	Amount            int64
	Status            string
	Date              time.Time
}

// Subscription binds an account to a plan.
type Subscription struct {
	ID                string
	AccountID         ledger.AccountID
	PlanID            string
	Status            Status
	ProviderPaymentID string
	StartDate         *time.Time
	EndDate           *time.Time
	RenewalDate       *time.Time
	Payments          []PaymentRecord
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPayment reports whether the provider payment is already attached.
func (subscription Subscription) HasPayment(providerPaymentID string) bool {
	if providerPaymentID == "" {
		return false
	}
	for _, payment := range subscription.Payments {
		if payment.ProviderPaymentID == providerPaymentID {
			return true
		}
	}
	return false
}

// AwaitsProviderPayment reports whether the subscription was activated
// manually and no approved provider payment has been attached since.
func (subscription Subscription) AwaitsProviderPayment() bool {
	if !strings.HasPrefix(subscription.ProviderPaymentID, ManualPaymentPrefix) {
		return false
	}
	for _, payment := range subscription.Payments {
		if payment.Status == PaymentStatusApproved && !strings.HasPrefix(payment.ProviderPaymentID, ManualPaymentPrefix) {
			return false
		}
	}
	return true
}

// LatestSuccessfulPayment returns the date of the newest approved payment.
func (subscription Subscription) LatestSuccessfulPayment() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, payment := range subscription.Payments {
		if payment.Status != PaymentStatusApproved {
			continue
		}
		if !found || payment.Date.After(latest) {
			latest = payment.Date
			found = true
		}
	}
	return latest, found
}

// PaymentStatusApproved marks a recorded payment that granted credits.
const PaymentStatusApproved = "approved"

// Callbacks are the provider redirect and notification urls for a checkout.
type Callbacks struct {
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	NotificationURL string
}

// CheckoutRequest asks the provider to open a checkout session.
type CheckoutRequest struct {
	Plan              Plan
	AccountID         ledger.AccountID
	ExternalReference string
	Callbacks         Callbacks
	IdempotencyKey    string
}

// Checkout is the provider's answer to a checkout request.
type Checkout struct {
	SessionID   string
	RedirectURL string
	IsFreePlan  bool
}

// CheckoutProvider opens checkout sessions with a payment provider.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, request CheckoutRequest) (Checkout, error)
}

// Granter credits an account inside a caller-owned ledger transaction.
type Granter interface {
	GrantTx(ctx context.Context, transactionStore ledger.Store, accountID ledger.AccountID, amount ledger.PositiveCredits, reason string, idempotencyKey ledger.IdempotencyKey) (ledger.Credits, error)
}

// CreateResult is returned by Service.Create.
type CreateResult struct {
	Subscription Subscription
	PaymentURL   string
	IsFree       bool
}

// TransitionResult reports whether a transition changed anything.
type TransitionResult struct {
	Subscription Subscription
	Applied      bool
}

// StatusChange is a conditional status update: it applies only while the
// stored status is one of From.
type StatusChange struct {
	SubscriptionID    string
	From              []Status
	To                Status
	ProviderPaymentID string
	StartDate         *time.Time
	EndDate           *time.Time
	RenewalDate       *time.Time
	UpdatedAt         time.Time
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// Ledger returns a ledger store bound to the same transaction.
	Ledger() ledger.Store
	GetPlan(ctx context.Context, planID string) (Plan, error)
	UpsertPlan(ctx context.Context, plan Plan) error
	ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error)
	CreateSubscription(ctx context.Context, subscription Subscription) error
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (Subscription, error)
	FindOpenByAccount(ctx context.Context, accountID ledger.AccountID) (Subscription, error)
	UpdateStatus(ctx context.Context, change StatusChange) (bool, error)
	UpdateRenewal(ctx context.Context, subscriptionID string, renewalDate time.Time, providerPaymentID string, updatedAt time.Time) error
	InsertPayment(ctx context.Context, subscriptionID string, payment PaymentRecord) error
	// ClaimAccountSubscription points the account at a subscription only when it has none.
	ClaimAccountSubscription(ctx context.Context, accountID ledger.AccountID, subscriptionID string) (bool, error)
	ReleaseAccountSubscription(ctx context.Context, accountID ledger.AccountID, subscriptionID string) error
}

// NormalizePlanID trims and lower-cases a plan id.
func NormalizePlanID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
