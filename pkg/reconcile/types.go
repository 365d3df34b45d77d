package reconcile

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
)

// PaymentStatus is the provider's payment status, normalized to lower case.
type PaymentStatus string

const (
	PaymentApproved    PaymentStatus = "approved"
	PaymentPending     PaymentStatus = "pending"
	PaymentInProcess   PaymentStatus = "in_process"
	PaymentAuthorized  PaymentStatus = "authorized"
	PaymentRejected    PaymentStatus = "rejected"
	PaymentCancelled   PaymentStatus = "cancelled"
	PaymentRefunded    PaymentStatus = "refunded"
	PaymentChargedBack PaymentStatus = "charged_back"
)

// NormalizePaymentStatus lower-cases a provider status and folds the
// "canceled" spelling into PaymentCancelled.
func NormalizePaymentStatus(raw string) PaymentStatus {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "canceled" {
		return PaymentCancelled
	}
	return PaymentStatus(normalized)
}

// Event maps a payment status to the subscription event it drives.
// Statuses that drive nothing return false.
func (status PaymentStatus) Event() (subscription.Event, bool) {
	switch status {
	case PaymentApproved:
		return subscription.EventApprove, true
	case PaymentRejected, PaymentCancelled, PaymentRefunded, PaymentChargedBack:
		return subscription.EventReject, true
	default:
		return "", false
	}
}

// Payment is the authoritative payment object pulled from the provider.
type Payment struct {
	ID                string
	Status            PaymentStatus
	Amount            int64
	Currency          string
	ExternalReference string
	CreatedAt         time.Time
}

// Record converts the payment into a subscription payment record.
func (payment Payment) Record() subscription.PaymentRecord {
	return subscription.PaymentRecord{
		ProviderPaymentID: payment.ID,
		Amount:            payment.Amount,
		Status:            string(payment.Status),
		Date:              payment.CreatedAt,
	}
}

// PaymentProvider is the payment provider port.
type PaymentProvider interface {
	subscription.CheckoutProvider
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	// LatestPayment returns the newest payment created for an external reference.
	LatestPayment(ctx context.Context, externalReference string) (Payment, error)
}

// NotificationRequest is the raw inbound webhook.
type NotificationRequest struct {
	Header http.Header
	Query  url.Values
	Body   []byte
}

// Notification is what a provider push tells us. Its status is never trusted.
type Notification struct {
	PaymentID         string
	ExternalReference string
	Topic             string
}

// TopicPayment is the only notification topic that is processed.
const TopicPayment = "payment"

// NotificationParser extracts a Notification from a provider push.
type NotificationParser interface {
	ParseNotification(request NotificationRequest) (Notification, error)
}

// NotificationGate drops concurrent duplicate deliveries before they reach the
// database. It is an optimization: the database guards stay authoritative.
type NotificationGate interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// SubscriptionService is the subset of the subscription service the processor drives.
type SubscriptionService interface {
	Get(ctx context.Context, subscriptionID string) (subscription.Subscription, error)
	GetCurrent(ctx context.Context, accountID ledger.AccountID) (*subscription.Subscription, error)
	FindByReference(ctx context.Context, externalReference string, providerPaymentID string) (subscription.Subscription, error)
	Activate(ctx context.Context, subscriptionID string, payment subscription.PaymentRecord) (subscription.TransitionResult, error)
	Renew(ctx context.Context, subscriptionID string, payment subscription.PaymentRecord) (subscription.TransitionResult, error)
	Fail(ctx context.Context, subscriptionID string, payment subscription.PaymentRecord) (subscription.TransitionResult, error)
}

// Outcome classifies how a notification or reconciliation ended.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeFailed           Outcome = "failed"
)

// Result describes a processed notification.
type Result struct {
	Outcome        Outcome
	SubscriptionID string
	PaymentID      string
	PaymentStatus  PaymentStatus
	Err            error
}

// ReconcileRequest asks for a manual reconciliation. Exactly one of
// SubscriptionID and AccountID is used, SubscriptionID first.
type ReconcileRequest struct {
	SubscriptionID string
	AccountID      string
	ForceActivate  bool
	Operator       string
}

// ReconcileResult is returned to the administrator.
type ReconcileResult struct {
	Success      bool
	Message      string
	Outcome      Outcome
	Subscription subscription.Subscription
}
