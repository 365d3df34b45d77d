package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
)

const (
	headerSignature = "X-Signature"
	headerRequestID = "X-Request-Id"
)

type notificationBody struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
	Resource string `json:"resource"`
}

// ParseNotification reads both webhook payloads and legacy IPN query strings.
// The status is never read from the push; only the payment id is.
func (client *Client) ParseNotification(request reconcile.NotificationRequest) (reconcile.Notification, error) {
	var body notificationBody
	if len(strings.TrimSpace(string(request.Body))) > 0 {
		decoder := json.NewDecoder(strings.NewReader(string(request.Body)))
		decoder.UseNumber()
		if err := decoder.Decode(&body); err != nil {
			return reconcile.Notification{}, fmt.Errorf("%w: %w", reconcile.ErrInvalidNotification, err)
		}
	}

	topic := firstNonEmpty(body.Type, body.Topic, request.Query.Get("type"), request.Query.Get("topic"))
	paymentID := firstNonEmpty(body.Data.ID.String(), request.Query.Get("data.id"), request.Query.Get("id"), lastPathSegment(body.Resource))
	if topic == "" && strings.HasPrefix(body.Action, reconcile.TopicPayment+".") {
		topic = reconcile.TopicPayment
	}

	if client.webhookSecret != "" {
		if err := client.verifySignature(request, paymentID); err != nil {
			return reconcile.Notification{}, err
		}
	}
	return reconcile.Notification{PaymentID: paymentID, Topic: strings.ToLower(topic)}, nil
}

// verifySignature checks the x-signature header: ts=<unix>,v1=<hex hmac>
// over the manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func (client *Client) verifySignature(request reconcile.NotificationRequest, paymentID string) error {
	header := request.Header.Get(headerSignature)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", reconcile.ErrInvalidSignature, headerSignature)
	}
	var timestamp, signature string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signature = strings.TrimSpace(value)
		}
	}
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: malformed %s header", reconcile.ErrInvalidSignature, headerSignature)
	}
	expected := SignManifest(client.webhookSecret, paymentID, request.Header.Get(headerRequestID), timestamp)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return reconcile.ErrInvalidSignature
	}
	return nil
}

// SignManifest computes the v1 signature MercadoPago sends for a notification.
func SignManifest(secret string, dataID string, requestID string, timestamp string) string {
	var manifest strings.Builder
	if dataID != "" {
		manifest.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	manifest.WriteString("ts:" + timestamp + ";")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func lastPathSegment(resource string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(resource), "/")
	if trimmed == "" {
		return ""
	}
	index := strings.LastIndex(trimmed, "/")
	return trimmed[index+1:]
}
