// Package oplog renders ledger, subscription and reconciliation callbacks as
// structured zap entries.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements ledger.OperationLogger, subscription.TransitionLogger and
// reconcile.ReconciliationLogger on top of a zap.Logger.
type Logger struct {
	logger *zap.Logger
}

// New wraps logger; a nil logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation records a ledger or registry operation. Refused consumptions are
// expected traffic and logged at info.
func (oplog *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if !entry.FeatureID.IsZero() {
		fields = append(fields, zap.String("feature_id", entry.FeatureID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	fields = append(fields, zap.Int64("balance", entry.Balance.Int64()))
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		level = zapcore.WarnLevel
		if isExpectedLedgerError(entry.Error) {
			level = zapcore.InfoLevel
		}
	}
	oplog.logger.Log(level, "ledger operation", fields...)
}

// LogTransition records a subscription transition. Invalid transitions are
// logged at error level for manual inspection.
func (oplog *Logger) LogTransition(_ context.Context, entry subscription.TransitionLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("subscription_id", entry.SubscriptionID),
		zap.String("event", string(entry.Event)),
		zap.String("from", string(entry.From)),
		zap.String("to", string(entry.To)),
		zap.Bool("applied", entry.Applied),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if entry.PlanID != "" {
		fields = append(fields, zap.String("plan_id", entry.PlanID))
	}
	if entry.ProviderPaymentID != "" {
		fields = append(fields, zap.String("provider_payment_id", entry.ProviderPaymentID))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		level = zapcore.WarnLevel
		if errors.Is(entry.Error, subscription.ErrInvalidTransition) {
			level = zapcore.ErrorLevel
		}
	}
	oplog.logger.Log(level, "subscription transition", fields...)
}

// LogReconciliation records a processed notification or manual reconciliation.
func (oplog *Logger) LogReconciliation(_ context.Context, entry reconcile.ReconciliationLog) {
	fields := []zap.Field{
		zap.String("source", entry.Source),
		zap.String("outcome", string(entry.Outcome)),
	}
	if entry.Operator != "" {
		fields = append(fields, zap.String("operator", entry.Operator))
	}
	if entry.SubscriptionID != "" {
		fields = append(fields, zap.String("subscription_id", entry.SubscriptionID))
	}
	if entry.PaymentID != "" {
		fields = append(fields, zap.String("payment_id", entry.PaymentID))
	}
	if entry.PaymentStatus != "" {
		fields = append(fields, zap.String("payment_status", string(entry.PaymentStatus)))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		level = zapcore.WarnLevel
		if errors.Is(entry.Error, subscription.ErrInvalidTransition) {
			level = zapcore.ErrorLevel
		}
	}
	oplog.logger.Log(level, "payment reconciliation", fields...)
}

func isExpectedLedgerError(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientCredits) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ledger.ErrFeatureInactive) ||
		errors.Is(err, ledger.ErrFeatureNotConfigured)
}
