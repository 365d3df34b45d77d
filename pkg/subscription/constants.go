package subscription

import "time"

const (
	operationCreate   = "create"
	operationActivate = "activate"
	operationRenew    = "renew"
	operationFail     = "fail"
	operationCancel   = "cancel"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// IDPrefix prefixes every subscription id.
	IDPrefix = "sub"

	// ManualPaymentPrefix marks the placeholder payment of an administrator
	// activation that no provider payment has confirmed yet.
	ManualPaymentPrefix = "manual:"

	// BillingPeriod is the time between renewals.
	BillingPeriod = 30 * 24 * time.Hour
)
