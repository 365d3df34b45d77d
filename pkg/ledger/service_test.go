package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	accountIDValue      = "account-1"
	featureChat         = "chat_message"
	featureDraft        = "draft"
	featureFree         = "preview"
	errStoreMessage     = "store error"
	errorMismatchFormat = "expected %v, got %v"
)

var errStoreFailure = errors.New(errStoreMessage)

func defaultRegistryStore(test *testing.T) *stubRegistryStore {
	test.Helper()
	return newStubRegistryStore(
		mustFeature(test, featureChat, "Chat message", 10, true),
		mustFeature(test, featureDraft, "Draft", 5, false),
		mustFeature(test, featureFree, "Preview", 0, true),
	)
}

func TestConsumeDebitsBalanceAndAppendsUseEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seedAccount(test, accountID, 50)
	service := mustNewService(test, store, defaultRegistryStore(test))

	result, err := service.Consume(context.Background(), accountID, mustFeatureID(test, featureChat), "")
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if result.Remaining != 40 || result.Consumed != 10 || result.FeatureName != "Chat message" {
		test.Fatalf("unexpected result: %+v", result)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Kind != EntryUse || entry.Amount != -10 || entry.FeatureID.String() != featureChat {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Description != "Chat message" {
		test.Fatalf("expected feature name as description, got %q", entry.Description)
	}
	if !strings.HasPrefix(entry.EntryID, entryIDPrefix+"_") {
		test.Fatalf("expected %s_ prefixed entry id, got %q", entryIDPrefix, entry.EntryID)
	}
	if !entry.CreatedAt.Equal(fixedNow) {
		test.Fatalf("expected created at %v, got %v", fixedNow, entry.CreatedAt)
	}
}

func TestConsumeInsufficientCreditsLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seedAccount(test, accountID, 5)
	service := mustNewService(test, store, defaultRegistryStore(test))

	_, err := service.Consume(context.Background(), accountID, mustFeatureID(test, featureChat), "hello")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf(errorMismatchFormat, ErrInsufficientCredits, err)
	}
	insufficient, ok := IsInsufficientCredits(err)
	if !ok {
		test.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if insufficient.Required != 10 || insufficient.Available != 5 || insufficient.Shortfall() != 5 {
		test.Fatalf("unexpected shortfall: %+v", insufficient)
	}
	if store.accounts[accountIDValue].Balance != 5 {
		test.Fatalf("expected balance 5, got %d", store.accounts[accountIDValue].Balance)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(store.entries))
	}
}

func TestConsumeRejectsUnknownAndInactiveFeatures(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		featureID string
		wantErr   error
	}{
		{name: "unknown feature", featureID: "does_not_exist", wantErr: ErrFeatureNotConfigured},
		{name: "inactive feature", featureID: featureDraft, wantErr: ErrFeatureInactive},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			accountID := mustAccountID(test, accountIDValue)
			store.seedAccount(test, accountID, 100)
			service := mustNewService(test, store, defaultRegistryStore(test))

			_, err := service.Consume(context.Background(), accountID, mustFeatureID(test, testCase.featureID), "")
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchFormat, testCase.wantErr, err)
			}
			if store.accounts[accountIDValue].Balance != 100 || len(store.entries) != 0 {
				test.Fatalf("expected untouched account, got balance %d and %d entries", store.accounts[accountIDValue].Balance, len(store.entries))
			}
		})
	}
}

func TestConsumeZeroCostFeatureWritesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	service := mustNewService(test, store, defaultRegistryStore(test))

	result, err := service.Consume(context.Background(), accountID, mustFeatureID(test, featureFree), "")
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if result.Remaining != 0 || result.Consumed != 0 {
		test.Fatalf("unexpected result: %+v", result)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(store.entries))
	}
}

func TestConsumeRollsBackWhenEntryInsertFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seedAccount(test, accountID, 30)
	store.insertEntryError = errStoreFailure
	service := mustNewService(test, store, defaultRegistryStore(test))

	_, err := service.Consume(context.Background(), accountID, mustFeatureID(test, featureChat), "")
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchFormat, errStoreFailure, err)
	}
	if store.accounts[accountIDValue].Balance != 30 {
		test.Fatalf("expected rollback to 30, got %d", store.accounts[accountIDValue].Balance)
	}
}

func TestConsumeConcurrentCallsSucceedFloorOfBalanceOverCost(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seedAccount(test, accountID, 95)
	service := mustNewService(test, store, defaultRegistryStore(test))

	feature := mustFeatureID(test, featureChat)
	const attempts = 25
	var waitGroup sync.WaitGroup
	var countMutex sync.Mutex
	successes := 0
	insufficient := 0
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Consume(context.Background(), accountID, feature, "")
			countMutex.Lock()
			defer countMutex.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientCredits):
				insufficient++
			}
		}()
	}
	waitGroup.Wait()

	if successes != 9 || insufficient != attempts-9 {
		test.Fatalf("expected 9 successes and %d rejections, got %d and %d", attempts-9, successes, insufficient)
	}
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 5 {
		test.Fatalf("expected balance 5, got %d", balance)
	}
	if len(store.entries) != 9 {
		test.Fatalf("expected 9 entries, got %d", len(store.entries))
	}
}

func TestGrantCreditsBalanceAndRejectsDuplicateKey(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, defaultRegistryStore(test), WithOperationLogger(logger))
	accountID := mustAccountID(test, accountIDValue)
	key := mustIdempotencyKey(test, "subscription:sub_1:activation")

	balance, err := service.Grant(context.Background(), accountID, mustPositiveCredits(test, 100), "Plan Basic", key)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if balance != 100 {
		test.Fatalf("expected balance 100, got %d", balance)
	}
	_, err = service.Grant(context.Background(), accountID, mustPositiveCredits(test, 100), "Plan Basic", key)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf(errorMismatchFormat, ErrDuplicateIdempotencyKey, err)
	}
	if store.accounts[accountIDValue].Balance != 100 || len(store.entries) != 1 {
		test.Fatalf("expected single grant, got balance %d and %d entries", store.accounts[accountIDValue].Balance, len(store.entries))
	}
	entry := store.entries[0]
	if entry.Kind != EntryAdd || entry.Amount != 100 || entry.Description != "Plan Basic" || entry.IdempotencyKey != key {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusOK || logger.entries[1].Status != operationStatusError {
		test.Fatalf("unexpected log statuses: %+v", logger.entries)
	}
}

func TestGrantRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, defaultRegistryStore(test))
	_, err := service.Grant(context.Background(), mustAccountID(test, accountIDValue), PositiveCredits(0), "", IdempotencyKey{})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatchFormat, ErrInvalidAmount, err)
	}
}

func TestGrantTxUsesCallerTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, defaultRegistryStore(test))
	accountID := mustAccountID(test, accountIDValue)
	errAbort := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore Store) error {
		if _, err := service.GrantTx(ctx, txStore, accountID, mustPositiveCredits(test, 20), "manual", IdempotencyKey{}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		test.Fatalf(errorMismatchFormat, errAbort, err)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected grant to roll back with the caller, got %d entries", len(store.entries))
	}
	if _, err := service.GrantTx(context.Background(), nil, accountID, mustPositiveCredits(test, 1), "", IdempotencyKey{}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchFormat, ErrInvalidServiceConfig, err)
	}
}

func TestScenarioGrantThenConsumeUntilExhausted(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	registryStore := newStubRegistryStore(mustFeature(test, featureChat, "Chat message", 1, true))
	service := mustNewService(test, store, registryStore)
	accountID := mustAccountID(test, accountIDValue)
	feature := mustFeatureID(test, featureChat)

	if _, err := service.Grant(context.Background(), accountID, mustPositiveCredits(test, 3), "Welcome", IdempotencyKey{}); err != nil {
		test.Fatalf("grant: %v", err)
	}
	for expected := int64(2); expected >= 0; expected-- {
		result, err := service.Consume(context.Background(), accountID, feature, "")
		if err != nil {
			test.Fatalf("consume: %v", err)
		}
		if result.Remaining.Int64() != expected {
			test.Fatalf("expected remaining %d, got %d", expected, result.Remaining)
		}
	}
	_, err := service.Consume(context.Background(), accountID, feature, "")
	insufficient, ok := IsInsufficientCredits(err)
	if !ok || insufficient.Required != 1 || insufficient.Available != 0 {
		test.Fatalf("expected shortfall of 1, got %v", err)
	}
	sum, err := store.SumEntries(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 0 || store.accounts[accountIDValue].Balance != 0 {
		test.Fatalf("expected balance and ledger sum 0, got %d and %d", store.accounts[accountIDValue].Balance, sum)
	}
}

func TestHistoryPaginatesNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, defaultRegistryStore(test))
	accountID := mustAccountID(test, accountIDValue)
	for index := 1; index <= 5; index++ {
		if _, err := service.Grant(context.Background(), accountID, mustPositiveCredits(test, int64(index)), "", IdempotencyKey{}); err != nil {
			test.Fatalf("grant: %v", err)
		}
	}

	testCases := []struct {
		name        string
		page        int
		limit       int
		wantPage    int
		wantLimit   int
		wantAmounts []int64
	}{
		{name: "first page", page: 1, limit: 2, wantPage: 1, wantLimit: 2, wantAmounts: []int64{5, 4}},
		{name: "last partial page", page: 3, limit: 2, wantPage: 3, wantLimit: 2, wantAmounts: []int64{1}},
		{name: "beyond last page", page: 4, limit: 2, wantPage: 4, wantLimit: 2, wantAmounts: []int64{}},
		{name: "defaults", page: 0, limit: 0, wantPage: 1, wantLimit: DefaultHistoryLimit, wantAmounts: []int64{5, 4, 3, 2, 1}},
		{name: "clamped limit", page: 1, limit: 500, wantPage: 1, wantLimit: MaxHistoryLimit, wantAmounts: []int64{5, 4, 3, 2, 1}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			page, err := service.History(context.Background(), accountID, testCase.page, testCase.limit)
			if err != nil {
				test.Fatalf("history: %v", err)
			}
			if page.Page != testCase.wantPage || page.Limit != testCase.wantLimit || page.Total != 5 {
				test.Fatalf("unexpected page metadata: %+v", page)
			}
			if len(page.Entries) != len(testCase.wantAmounts) {
				test.Fatalf("expected %d entries, got %d", len(testCase.wantAmounts), len(page.Entries))
			}
			for index, amount := range testCase.wantAmounts {
				if page.Entries[index].Amount.Int64() != amount {
					test.Fatalf("entry %d: expected %d, got %d", index, amount, page.Entries[index].Amount)
				}
			}
		})
	}
}

func TestServiceReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		run       func(service *Service, accountID AccountID) error
	}{
		{
			name:      "balance account lookup",
			configure: func(store *stubStore) { store.getAccountError = errStoreFailure },
			run: func(service *Service, accountID AccountID) error {
				_, err := service.Balance(context.Background(), accountID)
				return err
			},
		},
		{
			name:      "consume debit",
			configure: func(store *stubStore) { store.debitError = errStoreFailure },
			run: func(service *Service, accountID AccountID) error {
				_, err := service.Consume(context.Background(), accountID, FeatureID{value: featureChat}, "")
				return err
			},
		},
		{
			name:      "grant credit",
			configure: func(store *stubStore) { store.creditError = errStoreFailure },
			run: func(service *Service, accountID AccountID) error {
				_, err := service.Grant(context.Background(), accountID, PositiveCredits(1), "", IdempotencyKey{})
				return err
			},
		},
		{
			name:      "history count",
			configure: func(store *stubStore) { store.countError = errStoreFailure },
			run: func(service *Service, accountID AccountID) error {
				_, err := service.History(context.Background(), accountID, 1, 10)
				return err
			},
		},
		{
			name:      "history list",
			configure: func(store *stubStore) { store.listEntriesError = errStoreFailure },
			run: func(service *Service, accountID AccountID) error {
				_, err := service.History(context.Background(), accountID, 1, 10)
				return err
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			accountID := mustAccountID(test, accountIDValue)
			store.seedAccount(test, accountID, 100)
			testCase.configure(store)
			service := mustNewService(test, store, defaultRegistryStore(test))
			if err := testCase.run(service, accountID); !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchFormat, errStoreFailure, err)
			}
		})
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	registry, err := NewRegistry(newStubRegistryStore())
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	now := func() time.Time { return fixedNow }
	testCases := []struct {
		name     string
		store    Store
		registry CostResolver
		now      func() time.Time
	}{
		{name: "nil store", store: nil, registry: registry, now: now},
		{name: "nil registry", store: newStubStore(test), registry: nil, now: now},
		{name: "nil clock", store: newStubStore(test), registry: registry, now: nil},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := NewService(testCase.store, testCase.registry, testCase.now); !errors.Is(err, ErrInvalidServiceConfig) {
				test.Fatalf(errorMismatchFormat, ErrInvalidServiceConfig, err)
			}
		})
	}
}

func TestConsumeLogsOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountIDValue)
	store.seedAccount(test, accountID, 10)
	logger := &recorderLogger{}
	service := mustNewService(test, store, defaultRegistryStore(test), WithOperationLogger(logger))
	feature := mustFeatureID(test, featureChat)

	if _, err := service.Consume(context.Background(), accountID, feature, ""); err != nil {
		test.Fatalf("consume: %v", err)
	}
	if _, err := service.Consume(context.Background(), accountID, feature, ""); err == nil {
		test.Fatalf("expected insufficient credits")
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	first := logger.entries[0]
	if first.Operation != operationConsume || first.Amount != -10 || first.Balance != 0 || first.Status != operationStatusOK {
		test.Fatalf("unexpected success log: %+v", first)
	}
	second := logger.entries[1]
	if second.Status != operationStatusError || !errors.Is(second.Error, ErrInsufficientCredits) {
		test.Fatalf("unexpected failure log: %+v", second)
	}
}
