package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store    Store
	registry CostResolver
	nowFn    func() time.Time
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, registry CostResolver, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, registry: registry, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the cached balance, creating the account on first use.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Credits, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Consume debits the configured cost of a feature when the balance covers it.
// The decrement and its ledger entry commit together or not at all.
func (service *Service) Consume(ctx context.Context, accountID AccountID, featureID FeatureID, description string) (ConsumeResult, error) {
	var result ConsumeResult
	featureCost, operationError := service.resolveActiveCost(ctx, featureID)
	if operationError == nil {
		result.FeatureName = featureCost.Name
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetOrCreateAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if featureCost.Cost == 0 {
				result.Remaining = account.Balance
				return nil
			}
			cost := PositiveCredits(featureCost.Cost)
			applied, err := transactionStore.DebitIfSufficient(ctx, accountID, cost)
			if err != nil {
				return err
			}
			if !applied {
				current, err := transactionStore.GetAccount(ctx, accountID)
				if err != nil {
					return err
				}
				return InsufficientCreditsError{Required: featureCost.Cost, Available: current.Balance}
			}
			entry, err := service.newEntry(accountID, EntryUse, cost.ToSigned().Negated(), featureID, describeConsumption(description, featureCost), IdempotencyKey{})
			if err != nil {
				return err
			}
			if err := transactionStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
			updated, err := transactionStore.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			result.Remaining = updated.Balance
			result.Consumed = featureCost.Cost
			return nil
		})
	}
	if operationError != nil {
		result = ConsumeResult{}
	}
	emitOperation(ctx, service.logger, OperationLog{
		Operation: operationConsume,
		AccountID: accountID,
		FeatureID: featureID,
		Amount:    -featureCost.Cost.Int64(),
		Balance:   result.Remaining,
		Error:     operationError,
	})
	return result, operationError
}

// Grant credits an account and appends an add entry. A repeated idempotency key
// for the same account returns ErrDuplicateIdempotencyKey and changes nothing.
func (service *Service) Grant(ctx context.Context, accountID AccountID, amount PositiveCredits, reason string, idempotencyKey IdempotencyKey) (Credits, error) {
	var balance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		balance, err = service.grant(ctx, transactionStore, accountID, amount, reason, idempotencyKey)
		return err
	})
	service.logGrant(ctx, accountID, amount, balance, idempotencyKey, operationError)
	return balance, operationError
}

// GrantTx grants inside a transaction owned by the caller.
func (service *Service) GrantTx(ctx context.Context, transactionStore Store, accountID AccountID, amount PositiveCredits, reason string, idempotencyKey IdempotencyKey) (Credits, error) {
	if transactionStore == nil {
		return 0, fmt.Errorf("%w: transaction store is nil", ErrInvalidServiceConfig)
	}
	balance, err := service.grant(ctx, transactionStore, accountID, amount, reason, idempotencyKey)
	service.logGrant(ctx, accountID, amount, balance, idempotencyKey, err)
	return balance, err
}

func (service *Service) grant(ctx context.Context, transactionStore Store, accountID AccountID, amount PositiveCredits, reason string, idempotencyKey IdempotencyKey) (Credits, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := transactionStore.GetOrCreateAccount(ctx, accountID); err != nil {
		return 0, err
	}
	entry, err := service.newEntry(accountID, EntryAdd, amount.ToSigned(), FeatureID{}, strings.TrimSpace(reason), idempotencyKey)
	if err != nil {
		return 0, err
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return 0, err
	}
	if err := transactionStore.Credit(ctx, accountID, amount); err != nil {
		return 0, err
	}
	account, err := transactionStore.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (service *Service) logGrant(ctx context.Context, accountID AccountID, amount PositiveCredits, balance Credits, idempotencyKey IdempotencyKey, err error) {
	emitOperation(ctx, service.logger, OperationLog{
		Operation:      operationGrant,
		AccountID:      accountID,
		Amount:         amount.Int64(),
		Balance:        balance,
		IdempotencyKey: idempotencyKey,
		Error:          err,
	})
}

// History returns one page of ledger entries, newest first.
// Page numbers start at 1; limit is clamped to [1, MaxHistoryLimit].
func (service *Service) History(ctx context.Context, accountID AccountID, page int, limit int) (HistoryPage, error) {
	page, limit = normalizePage(page, limit)
	total, err := service.store.CountEntries(ctx, accountID)
	if err != nil {
		return HistoryPage{}, err
	}
	entries, err := service.store.ListEntries(ctx, accountID, (page-1)*limit, limit)
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{Entries: entries, Page: page, Limit: limit, Total: total}, nil
}

func (service *Service) resolveActiveCost(ctx context.Context, featureID FeatureID) (FeatureCost, error) {
	featureCost, err := service.registry.GetCost(ctx, featureID)
	if err != nil {
		return FeatureCost{}, err
	}
	if !featureCost.Active {
		return featureCost, fmt.Errorf("%w: %s", ErrFeatureInactive, featureID.String())
	}
	return featureCost, nil
}

func (service *Service) newEntry(accountID AccountID, kind EntryKind, amount SignedCredits, featureID FeatureID, description string, idempotencyKey IdempotencyKey) (Entry, error) {
	entryID, err := GenerateID(entryIDPrefix)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		EntryID:        entryID,
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amount,
		FeatureID:      featureID,
		Description:    description,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      service.nowFn().UTC(),
	}, nil
}

func describeConsumption(description string, featureCost FeatureCost) string {
	trimmed := strings.TrimSpace(description)
	if trimmed != "" {
		return trimmed
	}
	if featureCost.Name != "" {
		return featureCost.Name
	}
	return featureCost.FeatureID.String()
}

func normalizePage(page int, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return page, limit
}

// IsInsufficientCredits extracts the shortfall details from an error chain.
func IsInsufficientCredits(err error) (InsufficientCreditsError, bool) {
	var insufficient InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return insufficient, true
	}
	return InsufficientCreditsError{}, false
}
