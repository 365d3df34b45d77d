// Package paddle adapts Paddle Billing transactions to the payment provider
// port: a transaction is both the checkout session and the payment.
package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"
)

const (
	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"

	customDataSubscriptionID = "subscription_id"
	customDataAccountID      = "account_id"
	signatureHeader          = "Paddle-Signature"
	transactionEventPrefix   = "transaction."
)

// Config holds Paddle credentials.
type Config struct {
	APIKey        string
	WebhookSecret string
	Environment   string
}

type transactionsClient interface {
	CreateTransaction(ctx context.Context, req *paddlesdk.CreateTransactionRequest) (*paddlesdk.Transaction, error)
	GetTransaction(ctx context.Context, req *paddlesdk.GetTransactionRequest) (*paddlesdk.Transaction, error)
}

type webhookVerifier interface {
	Verify(req *http.Request) (bool, error)
}

// Provider implements reconcile.PaymentProvider and reconcile.NotificationParser.
type Provider struct {
	transactions transactionsClient
	verifier     webhookVerifier
}

// New creates a Provider for the configured environment.
func New(config Config) (*Provider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("paddle API key is required")
	}
	if strings.TrimSpace(config.WebhookSecret) == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddlesdk.SDK
	var err error
	switch strings.ToLower(strings.TrimSpace(config.Environment)) {
	case EnvironmentSandbox:
		client, err = paddlesdk.NewSandbox(config.APIKey)
	case EnvironmentProduction, "":
		client, err = paddlesdk.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}
	return &Provider{
		transactions: client.TransactionsClient,
		verifier:     paddlesdk.NewWebhookVerifier(config.WebhookSecret),
	}, nil
}

// CreateCheckout creates a Paddle transaction for the plan's catalog price.
func (provider *Provider) CreateCheckout(ctx context.Context, request subscription.CheckoutRequest) (subscription.Checkout, error) {
	if request.Plan.IsFree() {
		return subscription.Checkout{IsFreePlan: true}, nil
	}
	if request.Plan.ProviderPriceID == "" {
		return subscription.Checkout{}, fmt.Errorf("plan %s has no paddle price id", request.Plan.ID)
	}
	item := paddlesdk.NewCreateTransactionItemsTransactionItemFromCatalog(&paddlesdk.TransactionItemFromCatalog{
		PriceID:  request.Plan.ProviderPriceID,
		Quantity: 1,
	})
	transactionRequest := &paddlesdk.CreateTransactionRequest{
		Items: []paddlesdk.CreateTransactionItems{*item},
		CustomData: paddlesdk.CustomData{
			customDataSubscriptionID: request.ExternalReference,
			customDataAccountID:      request.AccountID.String(),
		},
	}
	if request.Callbacks.SuccessURL != "" {
		transactionRequest.Checkout = &paddlesdk.TransactionCheckout{URL: paddlesdk.PtrTo(request.Callbacks.SuccessURL)}
	}
	transaction, err := provider.transactions.CreateTransaction(ctx, transactionRequest)
	if err != nil {
		return subscription.Checkout{}, fmt.Errorf("failed to create paddle transaction: %w", err)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return subscription.Checkout{}, errors.New("no checkout URL returned from paddle")
	}
	return subscription.Checkout{SessionID: transaction.ID, RedirectURL: *transaction.Checkout.URL}, nil
}

// GetPayment loads a transaction by id.
func (provider *Provider) GetPayment(ctx context.Context, paymentID string) (reconcile.Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return reconcile.Payment{}, fmt.Errorf("%w: empty transaction id", reconcile.ErrPaymentNotFound)
	}
	transaction, err := provider.transactions.GetTransaction(ctx, &paddlesdk.GetTransactionRequest{TransactionID: paymentID})
	if err != nil {
		return reconcile.Payment{}, fmt.Errorf("%w: %w", reconcile.ErrProviderUnavailable, err)
	}
	return mapTransaction(transaction), nil
}

// LatestPayment is not supported: Paddle cannot filter transactions by
// custom data, so manual reconciliation relies on the stored transaction id.
func (provider *Provider) LatestPayment(_ context.Context, externalReference string) (reconcile.Payment, error) {
	return reconcile.Payment{}, fmt.Errorf("%w: paddle has no lookup by reference %s", reconcile.ErrPaymentNotFound, externalReference)
}

type webhookEnvelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		ID         string         `json:"id"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"data"`
}

// ParseNotification verifies the Paddle-Signature header and extracts the
// transaction id from transaction.* events.
func (provider *Provider) ParseNotification(request reconcile.NotificationRequest) (reconcile.Notification, error) {
	verification, err := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(request.Body))
	if err != nil {
		return reconcile.Notification{}, fmt.Errorf("failed to create request for verification: %w", err)
	}
	verification.Header.Set(signatureHeader, request.Header.Get(signatureHeader))
	valid, err := provider.verifier.Verify(verification)
	if err != nil {
		return reconcile.Notification{}, fmt.Errorf("%w: %w", reconcile.ErrInvalidSignature, err)
	}
	if !valid {
		return reconcile.Notification{}, reconcile.ErrInvalidSignature
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(request.Body, &envelope); err != nil {
		return reconcile.Notification{}, fmt.Errorf("%w: %w", reconcile.ErrInvalidNotification, err)
	}
	notification := reconcile.Notification{PaymentID: envelope.Data.ID, Topic: envelope.EventType}
	if strings.HasPrefix(envelope.EventType, transactionEventPrefix) {
		notification.Topic = reconcile.TopicPayment
	}
	if reference, ok := envelope.Data.CustomData[customDataSubscriptionID].(string); ok {
		notification.ExternalReference = reference
	}
	return notification, nil
}

func mapTransaction(transaction *paddlesdk.Transaction) reconcile.Payment {
	payment := reconcile.Payment{
		ID:       transaction.ID,
		Status:   mapTransactionStatus(string(transaction.Status)),
		Currency: string(transaction.CurrencyCode),
	}
	if amount, err := strconv.ParseInt(transaction.Details.Totals.Total, 10, 64); err == nil {
		payment.Amount = amount
	}
	if reference, ok := transaction.CustomData[customDataSubscriptionID].(string); ok {
		payment.ExternalReference = reference
	}
	if created, err := time.Parse(time.RFC3339, transaction.CreatedAt); err == nil {
		payment.CreatedAt = created.UTC()
	}
	return payment
}

// mapTransactionStatus maps Paddle transaction statuses onto payment statuses.
func mapTransactionStatus(status string) reconcile.PaymentStatus {
	switch strings.ToLower(status) {
	case "completed", "paid":
		return reconcile.PaymentApproved
	case "billed":
		return reconcile.PaymentInProcess
	case "draft", "ready":
		return reconcile.PaymentPending
	case "canceled", "cancelled":
		return reconcile.PaymentCancelled
	case "past_due":
		return reconcile.PaymentRejected
	default:
		return reconcile.NormalizePaymentStatus(status)
	}
}
