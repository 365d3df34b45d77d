package reconcile

import (
	"context"
	"time"
)

const (
	sourceWebhook = "webhook"
	sourceManual  = "manual"
)

// ProcessorOption configures a Processor instance.
type ProcessorOption func(*Processor)

// ReconciliationLogger records every processed notification and manual reconciliation.
type ReconciliationLogger interface {
	LogReconciliation(ctx context.Context, entry ReconciliationLog)
}

// ReconciliationLog describes one processed notification or manual run.
type ReconciliationLog struct {
	Source         string
	Operator       string
	SubscriptionID string
	PaymentID      string
	PaymentStatus  PaymentStatus
	Outcome        Outcome
	Error          error
}

// WithReconciliationLogger wires a logger for processed notifications.
func WithReconciliationLogger(logger ReconciliationLogger) ProcessorOption {
	return func(processor *Processor) {
		processor.logger = logger
	}
}

// WithNotificationGate wires a duplicate-delivery gate with the given key ttl.
func WithNotificationGate(gate NotificationGate, ttl time.Duration) ProcessorOption {
	return func(processor *Processor) {
		processor.gate = gate
		if ttl > 0 {
			processor.gateTTL = ttl
		}
	}
}

// WithProviderTimeout bounds every provider call.
func WithProviderTimeout(timeout time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.providerTimeout = timeout
		}
	}
}

func (processor *Processor) logReconciliation(ctx context.Context, entry ReconciliationLog) {
	if processor.logger == nil {
		return
	}
	processor.logger.LogReconciliation(ctx, entry)
}
