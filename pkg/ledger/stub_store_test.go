package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type stubStore struct {
	txMutex  sync.Mutex
	accounts map[string]Account
	entries  []Entry

	getAccountError  error
	debitError       error
	creditError      error
	setBalanceError  error
	insertEntryError error
	sumEntriesError  error
	countError       error
	listEntriesError error
	listAccountError error

	setBalanceCalls int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{accounts: map[string]Account{}}
}

func (store *stubStore) seedAccount(test *testing.T, accountID AccountID, balance Credits) {
	test.Helper()
	store.accounts[accountID.String()] = Account{ID: accountID, Balance: balance, CreatedAt: fixedNow}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	accountsSnapshot := make(map[string]Account, len(store.accounts))
	for key, account := range store.accounts {
		accountsSnapshot[key] = account
	}
	entriesSnapshot := append([]Entry(nil), store.entries...)
	if err := fn(ctx, store); err != nil {
		store.accounts = accountsSnapshot
		store.entries = entriesSnapshot
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, accountID AccountID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		account = Account{ID: accountID, CreatedAt: fixedNow}
		store.accounts[accountID.String()] = account
	}
	return account, nil
}

func (store *stubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) DebitIfSufficient(_ context.Context, accountID AccountID, amount PositiveCredits) (bool, error) {
	if store.debitError != nil {
		return false, store.debitError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok || account.Balance < amount.ToCredits() {
		return false, nil
	}
	account.Balance -= amount.ToCredits()
	store.accounts[accountID.String()] = account
	return true, nil
}

func (store *stubStore) Credit(_ context.Context, accountID AccountID, amount PositiveCredits) error {
	if store.creditError != nil {
		return store.creditError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrUnknownAccount
	}
	account.Balance += amount.ToCredits()
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) SetBalance(_ context.Context, accountID AccountID, balance Credits) error {
	store.setBalanceCalls++
	if store.setBalanceError != nil {
		return store.setBalanceError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrUnknownAccount
	}
	account.Balance = balance
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	if !entry.IdempotencyKey.IsZero() {
		for _, existing := range store.entries {
			if existing.AccountID == entry.AccountID && existing.IdempotencyKey == entry.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) SumEntries(_ context.Context, accountID AccountID) (int64, error) {
	if store.sumEntriesError != nil {
		return 0, store.sumEntriesError
	}
	var sum int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sum += entry.Amount.Int64()
		}
	}
	return sum, nil
}

func (store *stubStore) CountEntries(_ context.Context, accountID AccountID) (int64, error) {
	if store.countError != nil {
		return 0, store.countError
	}
	var count int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) ListEntries(_ context.Context, accountID AccountID, offset int, limit int) ([]Entry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	var owned []Entry
	for index := len(store.entries) - 1; index >= 0; index-- {
		if store.entries[index].AccountID == accountID {
			owned = append(owned, store.entries[index])
		}
	}
	if offset >= len(owned) {
		return []Entry{}, nil
	}
	end := offset + limit
	if end > len(owned) {
		end = len(owned)
	}
	return owned[offset:end], nil
}

func (store *stubStore) ListAccountIDs(_ context.Context, afterAccountID string, limit int) ([]AccountID, error) {
	if store.listAccountError != nil {
		return nil, store.listAccountError
	}
	keys := make([]string, 0, len(store.accounts))
	for key := range store.accounts {
		if key > afterAccountID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	accountIDs := make([]AccountID, 0, len(keys))
	for _, key := range keys {
		accountIDs = append(accountIDs, store.accounts[key].ID)
	}
	return accountIDs, nil
}

type stubRegistryStore struct {
	features map[string]FeatureCost
	getError error
}

func newStubRegistryStore(features ...FeatureCost) *stubRegistryStore {
	registryStore := &stubRegistryStore{features: map[string]FeatureCost{}}
	for _, feature := range features {
		registryStore.features[feature.FeatureID.String()] = feature
	}
	return registryStore
}

func (registryStore *stubRegistryStore) GetFeatureCost(_ context.Context, featureID FeatureID) (FeatureCost, error) {
	if registryStore.getError != nil {
		return FeatureCost{}, registryStore.getError
	}
	feature, ok := registryStore.features[featureID.String()]
	if !ok {
		return FeatureCost{}, ErrFeatureNotConfigured
	}
	return feature, nil
}

func (registryStore *stubRegistryStore) UpsertFeatureCost(_ context.Context, cost FeatureCost) error {
	registryStore.features[cost.FeatureID.String()] = cost
	return nil
}

func (registryStore *stubRegistryStore) SetFeatureActive(_ context.Context, featureID FeatureID, active bool) error {
	feature, ok := registryStore.features[featureID.String()]
	if !ok {
		return ErrFeatureNotConfigured
	}
	feature.Active = active
	registryStore.features[featureID.String()] = feature
	return nil
}

func (registryStore *stubRegistryStore) ListFeatureCosts(_ context.Context) ([]FeatureCost, error) {
	keys := make([]string, 0, len(registryStore.features))
	for key := range registryStore.features {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	features := make([]FeatureCost, 0, len(keys))
	for _, key := range keys {
		features = append(features, registryStore.features[key])
	}
	return features, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustFeatureID(test *testing.T, raw string) FeatureID {
	test.Helper()
	featureID, err := NewFeatureID(raw)
	if err != nil {
		test.Fatalf("feature id: %v", err)
	}
	return featureID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	credits, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return credits
}

func mustFeature(test *testing.T, raw string, name string, cost int64, active bool) FeatureCost {
	test.Helper()
	return FeatureCost{FeatureID: mustFeatureID(test, raw), Name: name, Cost: Credits(cost), Active: active}
}

func mustNewService(test *testing.T, store Store, registryStore RegistryStore, options ...ServiceOption) *Service {
	test.Helper()
	registry, err := NewRegistry(registryStore)
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	service, err := NewService(store, registry, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}
