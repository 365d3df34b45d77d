// Package memstore keeps accounts, ledger entries, feature costs, plans and
// subscriptions in process memory. Transactions are serialized and roll back
// by restoring a snapshot.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
)

// Database holds the shared state behind every store view.
type Database struct {
	mutex sync.Mutex
	state state
}

type paymentRow struct {
	subscriptionID string
	payment        subscription.PaymentRecord
}

type state struct {
	accounts      map[string]ledger.Account
	entries       []ledger.Entry
	features      map[string]ledger.FeatureCost
	plans         map[string]subscription.Plan
	subscriptions map[string]subscription.Subscription
	payments      []paymentRow
}

// New returns an empty database.
func New() *Database {
	return &Database{state: state{
		accounts:      map[string]ledger.Account{},
		features:      map[string]ledger.FeatureCost{},
		plans:         map[string]subscription.Plan{},
		subscriptions: map[string]subscription.Subscription{},
	}}
}

// Ledger returns the ledger.Store view.
func (database *Database) Ledger() *LedgerStore {
	return &LedgerStore{database: database}
}

// Registry returns the ledger.RegistryStore view.
func (database *Database) Registry() *RegistryStore {
	return &RegistryStore{database: database}
}

// Subscriptions returns the subscription.Store view.
func (database *Database) Subscriptions() *SubscriptionStore {
	return &SubscriptionStore{database: database}
}

func (database *Database) view(inTx bool, fn func(current *state) error) error {
	if !inTx {
		database.mutex.Lock()
		defer database.mutex.Unlock()
	}
	return fn(&database.state)
}

func (database *Database) transact(inTx bool, fn func() error) error {
	if inTx {
		return fn()
	}
	database.mutex.Lock()
	defer database.mutex.Unlock()
	snapshot := database.state.clone()
	if err := fn(); err != nil {
		database.state = snapshot
		return err
	}
	return nil
}

func (current *state) clone() state {
	copied := state{
		accounts:      make(map[string]ledger.Account, len(current.accounts)),
		entries:       append([]ledger.Entry(nil), current.entries...),
		features:      make(map[string]ledger.FeatureCost, len(current.features)),
		plans:         make(map[string]subscription.Plan, len(current.plans)),
		subscriptions: make(map[string]subscription.Subscription, len(current.subscriptions)),
		payments:      append([]paymentRow(nil), current.payments...),
	}
	for key, value := range current.accounts {
		copied.accounts[key] = value
	}
	for key, value := range current.features {
		copied.features[key] = value
	}
	for key, value := range current.plans {
		copied.plans[key] = value
	}
	for key, value := range current.subscriptions {
		copied.subscriptions[key] = value
	}
	return copied
}

// LedgerStore implements ledger.Store.
type LedgerStore struct {
	database *Database
	inTx     bool
}

// WithTx runs fn against a serialized snapshot that is restored on error.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.database.transact(store.inTx, func() error {
		return fn(ctx, &LedgerStore{database: store.database, inTx: true})
	})
}

func (store *LedgerStore) GetOrCreateAccount(_ context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var account ledger.Account
	err := store.database.view(store.inTx, func(current *state) error {
		existing, ok := current.accounts[accountID.String()]
		if !ok {
			existing = ledger.Account{ID: accountID, CreatedAt: time.Now().UTC()}
			current.accounts[accountID.String()] = existing
		}
		account = existing
		return nil
	})
	return account, err
}

func (store *LedgerStore) GetAccount(_ context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var account ledger.Account
	err := store.database.view(store.inTx, func(current *state) error {
		existing, ok := current.accounts[accountID.String()]
		if !ok {
			return ledger.ErrUnknownAccount
		}
		account = existing
		return nil
	})
	return account, err
}

func (store *LedgerStore) DebitIfSufficient(_ context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (bool, error) {
	applied := false
	err := store.database.view(store.inTx, func(current *state) error {
		account, ok := current.accounts[accountID.String()]
		if !ok {
			return ledger.ErrUnknownAccount
		}
		if account.Balance < amount.ToCredits() {
			return nil
		}
		account.Balance -= amount.ToCredits()
		current.accounts[accountID.String()] = account
		applied = true
		return nil
	})
	return applied, err
}

func (store *LedgerStore) Credit(_ context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) error {
	return store.database.view(store.inTx, func(current *state) error {
		account, ok := current.accounts[accountID.String()]
		if !ok {
			return ledger.ErrUnknownAccount
		}
		account.Balance += amount.ToCredits()
		current.accounts[accountID.String()] = account
		return nil
	})
}

func (store *LedgerStore) SetBalance(_ context.Context, accountID ledger.AccountID, balance ledger.Credits) error {
	return store.database.view(store.inTx, func(current *state) error {
		account, ok := current.accounts[accountID.String()]
		if !ok {
			return ledger.ErrUnknownAccount
		}
		account.Balance = balance
		current.accounts[accountID.String()] = account
		return nil
	})
}

func (store *LedgerStore) InsertEntry(_ context.Context, entry ledger.Entry) error {
	return store.database.view(store.inTx, func(current *state) error {
		if !entry.IdempotencyKey.IsZero() {
			for _, existing := range current.entries {
				if existing.AccountID == entry.AccountID && existing.IdempotencyKey == entry.IdempotencyKey {
					return ledger.ErrDuplicateIdempotencyKey
				}
			}
		}
		current.entries = append(current.entries, entry)
		return nil
	})
}

func (store *LedgerStore) SumEntries(_ context.Context, accountID ledger.AccountID) (int64, error) {
	var sum int64
	err := store.database.view(store.inTx, func(current *state) error {
		for _, entry := range current.entries {
			if entry.AccountID == accountID {
				sum += entry.Amount.Int64()
			}
		}
		return nil
	})
	return sum, err
}

func (store *LedgerStore) CountEntries(_ context.Context, accountID ledger.AccountID) (int64, error) {
	var count int64
	err := store.database.view(store.inTx, func(current *state) error {
		for _, entry := range current.entries {
			if entry.AccountID == accountID {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (store *LedgerStore) ListEntries(_ context.Context, accountID ledger.AccountID, offset int, limit int) ([]ledger.Entry, error) {
	var page []ledger.Entry
	err := store.database.view(store.inTx, func(current *state) error {
		owned := make([]ledger.Entry, 0)
		for _, entry := range current.entries {
			if entry.AccountID == accountID {
				owned = append(owned, entry)
			}
		}
		sort.SliceStable(owned, func(left, right int) bool {
			if !owned[left].CreatedAt.Equal(owned[right].CreatedAt) {
				return owned[left].CreatedAt.After(owned[right].CreatedAt)
			}
			return owned[left].EntryID > owned[right].EntryID
		})
		if offset >= len(owned) {
			page = []ledger.Entry{}
			return nil
		}
		end := offset + limit
		if end > len(owned) {
			end = len(owned)
		}
		page = owned[offset:end]
		return nil
	})
	return page, err
}

func (store *LedgerStore) ListAccountIDs(_ context.Context, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	var accountIDs []ledger.AccountID
	err := store.database.view(store.inTx, func(current *state) error {
		keys := make([]string, 0, len(current.accounts))
		for key := range current.accounts {
			if key > afterAccountID {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		if len(keys) > limit {
			keys = keys[:limit]
		}
		for _, key := range keys {
			accountIDs = append(accountIDs, current.accounts[key].ID)
		}
		return nil
	})
	return accountIDs, err
}

// RegistryStore implements ledger.RegistryStore.
type RegistryStore struct {
	database *Database
}

func (store *RegistryStore) GetFeatureCost(_ context.Context, featureID ledger.FeatureID) (ledger.FeatureCost, error) {
	var feature ledger.FeatureCost
	err := store.database.view(false, func(current *state) error {
		existing, ok := current.features[featureID.String()]
		if !ok {
			return ledger.ErrFeatureNotConfigured
		}
		feature = existing
		return nil
	})
	return feature, err
}

func (store *RegistryStore) UpsertFeatureCost(_ context.Context, cost ledger.FeatureCost) error {
	return store.database.view(false, func(current *state) error {
		current.features[cost.FeatureID.String()] = cost
		return nil
	})
}

func (store *RegistryStore) SetFeatureActive(_ context.Context, featureID ledger.FeatureID, active bool) error {
	return store.database.view(false, func(current *state) error {
		feature, ok := current.features[featureID.String()]
		if !ok {
			return ledger.ErrFeatureNotConfigured
		}
		feature.Active = active
		current.features[featureID.String()] = feature
		return nil
	})
}

func (store *RegistryStore) ListFeatureCosts(_ context.Context) ([]ledger.FeatureCost, error) {
	var features []ledger.FeatureCost
	err := store.database.view(false, func(current *state) error {
		for _, feature := range current.features {
			features = append(features, feature)
		}
		sort.Slice(features, func(left, right int) bool {
			return features[left].FeatureID.String() < features[right].FeatureID.String()
		})
		return nil
	})
	return features, err
}

// SubscriptionStore implements subscription.Store.
type SubscriptionStore struct {
	database *Database
	inTx     bool
}

// WithTx runs fn against a serialized snapshot that is restored on error.
func (store *SubscriptionStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore subscription.Store) error) error {
	return store.database.transact(store.inTx, func() error {
		return fn(ctx, &SubscriptionStore{database: store.database, inTx: true})
	})
}

// Ledger returns a ledger view sharing the current transaction.
func (store *SubscriptionStore) Ledger() ledger.Store {
	return &LedgerStore{database: store.database, inTx: store.inTx}
}

func (store *SubscriptionStore) GetPlan(_ context.Context, planID string) (subscription.Plan, error) {
	var plan subscription.Plan
	err := store.database.view(store.inTx, func(current *state) error {
		existing, ok := current.plans[planID]
		if !ok {
			return subscription.ErrPlanNotFound
		}
		plan = existing
		return nil
	})
	return plan, err
}

func (store *SubscriptionStore) UpsertPlan(_ context.Context, plan subscription.Plan) error {
	return store.database.view(store.inTx, func(current *state) error {
		plan.Features = append([]string(nil), plan.Features...)
		current.plans[plan.ID] = plan
		return nil
	})
}

func (store *SubscriptionStore) ListPlans(_ context.Context, activeOnly bool) ([]subscription.Plan, error) {
	var plans []subscription.Plan
	err := store.database.view(store.inTx, func(current *state) error {
		for _, plan := range current.plans {
			if activeOnly && !plan.Active {
				continue
			}
			plans = append(plans, plan)
		}
		sort.Slice(plans, func(left, right int) bool {
			if plans[left].Price != plans[right].Price {
				return plans[left].Price < plans[right].Price
			}
			return plans[left].ID < plans[right].ID
		})
		return nil
	})
	return plans, err
}

func (store *SubscriptionStore) CreateSubscription(_ context.Context, created subscription.Subscription) error {
	return store.database.view(store.inTx, func(current *state) error {
		created.Payments = nil
		current.subscriptions[created.ID] = created
		return nil
	})
}

func (store *SubscriptionStore) GetSubscription(_ context.Context, subscriptionID string) (subscription.Subscription, error) {
	var found subscription.Subscription
	err := store.database.view(store.inTx, func(current *state) error {
		existing, ok := current.subscriptions[subscriptionID]
		if !ok {
			return subscription.ErrSubscriptionNotFound
		}
		found = current.withPayments(existing)
		return nil
	})
	return found, err
}

func (store *SubscriptionStore) FindByProviderPaymentID(_ context.Context, providerPaymentID string) (subscription.Subscription, error) {
	var found subscription.Subscription
	err := store.database.view(store.inTx, func(current *state) error {
		for _, existing := range current.subscriptions {
			if existing.ProviderPaymentID == providerPaymentID {
				found = current.withPayments(existing)
				return nil
			}
		}
		for _, row := range current.payments {
			if row.payment.ProviderPaymentID == providerPaymentID {
				found = current.withPayments(current.subscriptions[row.subscriptionID])
				return nil
			}
		}
		return subscription.ErrSubscriptionNotFound
	})
	return found, err
}

func (store *SubscriptionStore) FindOpenByAccount(_ context.Context, accountID ledger.AccountID) (subscription.Subscription, error) {
	var found subscription.Subscription
	err := store.database.view(store.inTx, func(current *state) error {
		matched := false
		for _, existing := range current.subscriptions {
			if existing.AccountID != accountID || existing.Status.IsTerminal() {
				continue
			}
			if !matched || existing.CreatedAt.After(found.CreatedAt) {
				found = existing
				matched = true
			}
		}
		if !matched {
			return subscription.ErrSubscriptionNotFound
		}
		found = current.withPayments(found)
		return nil
	})
	return found, err
}

func (store *SubscriptionStore) UpdateStatus(_ context.Context, change subscription.StatusChange) (bool, error) {
	applied := false
	err := store.database.view(store.inTx, func(current *state) error {
		existing, ok := current.subscriptions[change.SubscriptionID]
		if !ok {
			return subscription.ErrSubscriptionNotFound
		}
		matches := false
		for _, from := range change.From {
			if existing.Status == from {
				matches = true
			}
		}
		if !matches {
			return nil
		}
		existing.Status = change.To
		if change.ProviderPaymentID != "" {
			existing.ProviderPaymentID = change.ProviderPaymentID
		}
		if change.StartDate != nil {
			existing.StartDate = change.StartDate
		}
		if change.EndDate != nil {
			existing.EndDate = change.EndDate
		}
		if change.RenewalDate != nil {
			existing.RenewalDate = change.RenewalDate
		}
		existing.UpdatedAt = change.UpdatedAt
		current.subscriptions[change.SubscriptionID] = existing
		applied = true
		return nil
	})
	return applied, err
}

func (store *SubscriptionStore) UpdateRenewal(_ context.Context, subscriptionID string, renewalDate time.Time, providerPaymentID string, updatedAt time.Time) error {
	return store.database.view(store.inTx, func(current *state) error {
		existing, ok := current.subscriptions[subscriptionID]
		if !ok {
			return subscription.ErrSubscriptionNotFound
		}
		existing.RenewalDate = &renewalDate
		existing.ProviderPaymentID = providerPaymentID
		existing.UpdatedAt = updatedAt
		current.subscriptions[subscriptionID] = existing
		return nil
	})
}

func (store *SubscriptionStore) InsertPayment(_ context.Context, subscriptionID string, payment subscription.PaymentRecord) error {
	return store.database.view(store.inTx, func(current *state) error {
		for _, row := range current.payments {
			if row.payment.ProviderPaymentID == payment.ProviderPaymentID {
				return subscription.ErrPaymentAlreadyRecorded
			}
		}
		current.payments = append(current.payments, paymentRow{subscriptionID: subscriptionID, payment: payment})
		return nil
	})
}

func (store *SubscriptionStore) ClaimAccountSubscription(_ context.Context, accountID ledger.AccountID, subscriptionID string) (bool, error) {
	claimed := false
	err := store.database.view(store.inTx, func(current *state) error {
		account, ok := current.accounts[accountID.String()]
		if !ok {
			return ledger.ErrUnknownAccount
		}
		if strings.TrimSpace(account.CurrentSubscriptionID) != "" {
			return nil
		}
		account.CurrentSubscriptionID = subscriptionID
		current.accounts[accountID.String()] = account
		claimed = true
		return nil
	})
	return claimed, err
}

func (store *SubscriptionStore) ReleaseAccountSubscription(_ context.Context, accountID ledger.AccountID, subscriptionID string) error {
	return store.database.view(store.inTx, func(current *state) error {
		account, ok := current.accounts[accountID.String()]
		if !ok || account.CurrentSubscriptionID != subscriptionID {
			return nil
		}
		account.CurrentSubscriptionID = ""
		current.accounts[accountID.String()] = account
		return nil
	})
}

func (current *state) withPayments(found subscription.Subscription) subscription.Subscription {
	found.Payments = nil
	for _, row := range current.payments {
		if row.subscriptionID == found.ID {
			found.Payments = append(found.Payments, row.payment)
		}
	}
	return found
}
