// Package mercadopago talks to the MercadoPago REST API: checkout preferences,
// payment lookup and payment search by external reference.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
)

const (
	DefaultBaseURL = "https://api.mercadopago.com"

	preferencesPath     = "/checkout/preferences"
	paymentsPath        = "/v1/payments/"
	paymentSearchPath   = "/v1/payments/search"
	maxResponseBytes    = 1 << 20
	defaultHTTPTimeout  = 15 * time.Second
	idempotencyHeader   = "X-Idempotency-Key"
	autoReturnApproved  = "approved"
	defaultCurrencyCode = "BRL"
)

// ErrMissingAccessToken is returned when the client has no credentials.
var ErrMissingAccessToken = errors.New("mercadopago access token is required")

// Config configures the client.
type Config struct {
	AccessToken   string
	BaseURL       string
	WebhookSecret string
	Sandbox       bool
	HTTPClient    *http.Client
}

// Client implements reconcile.PaymentProvider and reconcile.NotificationParser.
type Client struct {
	accessToken   string
	baseURL       string
	webhookSecret string
	sandbox       bool
	httpClient    *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("mercadopago base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		accessToken:   accessToken,
		baseURL:       baseURL,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		sandbox:       cfg.Sandbox,
		httpClient:    httpClient,
	}, nil
}

type preferenceItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	CurrencyID  string  `json:"currency_id"`
	Description string  `json:"description,omitempty"`
}

type preferenceBackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type preferenceRequest struct {
	Items             []preferenceItem   `json:"items"`
	ExternalReference string             `json:"external_reference"`
	BackURLs          preferenceBackURLs `json:"back_urls"`
	NotificationURL   string             `json:"notification_url,omitempty"`
	AutoReturn        string             `json:"auto_return,omitempty"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
	ExternalReference string      `json:"external_reference"`
	DateCreated       string      `json:"date_created"`
}

type searchResponse struct {
	Results []paymentResponse `json:"results"`
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

// CreateCheckout opens a checkout preference whose external reference is the
// subscription id.
func (client *Client) CreateCheckout(ctx context.Context, request subscription.CheckoutRequest) (subscription.Checkout, error) {
	if request.Plan.IsFree() {
		return subscription.Checkout{IsFreePlan: true}, nil
	}
	currency := request.Plan.Currency
	if currency == "" {
		currency = defaultCurrencyCode
	}
	payload := preferenceRequest{
		Items: []preferenceItem{{
			ID:         request.Plan.ID,
			Title:      request.Plan.Name,
			Quantity:   1,
			UnitPrice:  fromMinorUnits(request.Plan.Price),
			CurrencyID: currency,
		}},
		ExternalReference: request.ExternalReference,
		BackURLs: preferenceBackURLs{
			Success: request.Callbacks.SuccessURL,
			Failure: request.Callbacks.FailureURL,
			Pending: request.Callbacks.PendingURL,
		},
		NotificationURL: request.Callbacks.NotificationURL,
		Metadata:        map[string]string{"account_id": request.AccountID.String()},
	}
	if request.Callbacks.SuccessURL != "" {
		payload.AutoReturn = autoReturnApproved
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return subscription.Checkout{}, fmt.Errorf("encode preference: %w", err)
	}
	header := http.Header{}
	if request.IdempotencyKey != "" {
		header.Set(idempotencyHeader, request.IdempotencyKey)
	}
	var response preferenceResponse
	if err := client.do(ctx, http.MethodPost, preferencesPath, header, body, &response); err != nil {
		return subscription.Checkout{}, fmt.Errorf("create preference: %w", err)
	}
	redirectURL := response.InitPoint
	if client.sandbox && response.SandboxInitPoint != "" {
		redirectURL = response.SandboxInitPoint
	}
	if response.ID == "" || redirectURL == "" {
		return subscription.Checkout{}, errors.New("create preference: response missing id or init point")
	}
	return subscription.Checkout{SessionID: response.ID, RedirectURL: redirectURL}, nil
}

// GetPayment fetches the authoritative payment object.
func (client *Client) GetPayment(ctx context.Context, paymentID string) (reconcile.Payment, error) {
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return reconcile.Payment{}, fmt.Errorf("%w: empty payment id", reconcile.ErrPaymentNotFound)
	}
	var response paymentResponse
	if err := client.do(ctx, http.MethodGet, paymentsPath+url.PathEscape(trimmed), nil, nil, &response); err != nil {
		return reconcile.Payment{}, err
	}
	return mapPayment(response), nil
}

// LatestPayment returns the newest payment for an external reference.
func (client *Client) LatestPayment(ctx context.Context, externalReference string) (reconcile.Payment, error) {
	query := url.Values{}
	query.Set("external_reference", externalReference)
	query.Set("sort", "date_created")
	query.Set("criteria", "desc")
	query.Set("limit", "1")
	var response searchResponse
	if err := client.do(ctx, http.MethodGet, paymentSearchPath+"?"+query.Encode(), nil, nil, &response); err != nil {
		return reconcile.Payment{}, err
	}
	if len(response.Results) == 0 {
		return reconcile.Payment{}, fmt.Errorf("%w: no payment for reference %s", reconcile.ErrPaymentNotFound, externalReference)
	}
	return mapPayment(response.Results[0]), nil
}

func (client *Client) do(ctx context.Context, method string, path string, header http.Header, body []byte, target any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	request.Header.Set("Authorization", "Bearer "+client.accessToken)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %w", reconcile.ErrProviderUnavailable, err)
	}
	defer func() { _ = response.Body.Close() }()

	limited := io.LimitReader(response.Body, maxResponseBytes)
	switch {
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", reconcile.ErrPaymentNotFound, path)
	case response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", reconcile.ErrProviderUnavailable, response.StatusCode)
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("mercadopago: status %d: %s", response.StatusCode, decodeAPIError(limited))
	}
	if err := json.NewDecoder(limited).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(reader io.Reader) string {
	var payload apiError
	if err := json.NewDecoder(reader).Decode(&payload); err != nil {
		return "unreadable error body"
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}

func mapPayment(response paymentResponse) reconcile.Payment {
	payment := reconcile.Payment{
		ID:                response.ID.String(),
		Status:            reconcile.NormalizePaymentStatus(response.Status),
		Amount:            toMinorUnits(response.TransactionAmount),
		Currency:          response.CurrencyID,
		ExternalReference: response.ExternalReference,
	}
	if created, err := time.Parse(time.RFC3339, response.DateCreated); err == nil {
		payment.CreatedAt = created.UTC()
	}
	return payment
}

// toMinorUnits rounds a decimal amount to integer cents.
func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromMinorUnits(amount int64) float64 {
	return float64(amount) / 100
}
