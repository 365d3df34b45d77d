package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountIdempotencyKey = "ledger_entries_account_id_idempotency_key_key"
	constraintPaymentPrimary        = "subscription_payments_pkey"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectFeature             = "feature"
	errorCodeCount                  = "count"
	errorCodeCredit                 = "credit"
	errorCodeDebit                  = "debit"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeSet                    = "set"
	errorCodeSumTotal               = "sum_total"
	errorCodeUpdate                 = "update"
	errorCodeUpsert                 = "upsert"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	now := time.Now().UTC()
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&Account{AccountID: accountID.String(), CreatedAt: now, UpdatedAt: now}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// DebitIfSufficient issues a single conditional UPDATE so that concurrent
// debits can never drive the balance below zero.
func (store *Store) DebitIfSufficient(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance >= ?", accountID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) Credit(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) SetBalance(ctx context.Context, accountID ledger.AccountID, balance ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"balance":    balance.Int64(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSet, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSet, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.Entry) error {
	entry := LedgerEntry{
		EntryID:        entryInput.EntryID,
		AccountID:      entryInput.AccountID.String(),
		Kind:           entryInput.Kind.String(),
		Amount:         entryInput.Amount.Int64(),
		FeatureID:      optionalString(entryInput.FeatureID.String()),
		Description:    entryInput.Description,
		IdempotencyKey: optionalString(entryInput.IdempotencyKey.String()),
		CreatedAt:      entryInput.CreatedAt.UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintAccountIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	return sum.Total, nil
}

func (store *Store) CountEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("account_id = ?", accountID.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, offset int, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Order("entry_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id > ?", afterAccountID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]ledger.AccountID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		accountID, err := ledger.NewAccountID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

// RegistryStore implements ledger.RegistryStore using GORM.
type RegistryStore struct {
	db *gorm.DB
}

// NewRegistryStore returns a RegistryStore backed by gorm.DB.
func NewRegistryStore(db *gorm.DB) *RegistryStore {
	return &RegistryStore{db: db}
}

func (store *RegistryStore) GetFeatureCost(ctx context.Context, featureID ledger.FeatureID) (ledger.FeatureCost, error) {
	var model FeatureCost
	err := store.db.WithContext(ctx).Where("feature_id = ?", featureID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.FeatureCost{}, wrapStoreError(errorSubjectFeature, errorCodeGet, ledger.ErrFeatureNotConfigured)
		}
		return ledger.FeatureCost{}, wrapStoreError(errorSubjectFeature, errorCodeGet, err)
	}
	feature, err := mapFeatureCost(model)
	if err != nil {
		return ledger.FeatureCost{}, wrapStoreError(errorSubjectFeature, errorCodeInvalid, err)
	}
	return feature, nil
}

func (store *RegistryStore) UpsertFeatureCost(ctx context.Context, cost ledger.FeatureCost) error {
	now := time.Now().UTC()
	model := FeatureCost{
		FeatureID: cost.FeatureID.String(),
		Name:      cost.Name,
		Cost:      cost.Cost.Int64(),
		Active:    cost.Active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "feature_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "cost", "active", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectFeature, errorCodeUpsert, err)
	}
	return nil
}

func (store *RegistryStore) SetFeatureActive(ctx context.Context, featureID ledger.FeatureID, active bool) error {
	result := store.db.WithContext(ctx).
		Model(&FeatureCost{}).
		Where("feature_id = ?", featureID.String()).
		Updates(map[string]interface{}{"active": active, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectFeature, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectFeature, errorCodeUpdate, ledger.ErrFeatureNotConfigured)
	}
	return nil
}

func (store *RegistryStore) ListFeatureCosts(ctx context.Context) ([]ledger.FeatureCost, error) {
	var rows []FeatureCost
	if err := store.db.WithContext(ctx).Order("feature_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectFeature, errorCodeList, err)
	}
	features := make([]ledger.FeatureCost, 0, len(rows))
	for _, row := range rows {
		feature, err := mapFeatureCost(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectFeature, errorCodeInvalid, err)
		}
		features = append(features, feature)
	}
	return features, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCredits(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	account := ledger.Account{ID: accountID, Balance: balance, CreatedAt: model.CreatedAt.UTC()}
	if model.CurrentSubscriptionID != nil {
		account.CurrentSubscriptionID = *model.CurrentSubscriptionID
	}
	return account, nil
}

func mapFeatureCost(model FeatureCost) (ledger.FeatureCost, error) {
	featureID, err := ledger.NewFeatureID(model.FeatureID)
	if err != nil {
		return ledger.FeatureCost{}, err
	}
	cost, err := ledger.NewCredits(model.Cost)
	if err != nil {
		return ledger.FeatureCost{}, err
	}
	return ledger.FeatureCost{FeatureID: featureID, Name: model.Name, Cost: cost, Active: model.Active}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		EntryID:     row.EntryID,
		AccountID:   accountID,
		Kind:        kind,
		Amount:      ledger.SignedCredits(row.Amount),
		Description: row.Description,
		CreatedAt:   row.CreatedAt.UTC(),
	}
	if row.FeatureID != nil {
		featureID, err := ledger.NewFeatureID(*row.FeatureID)
		if err != nil {
			return ledger.Entry{}, err
		}
		entry.FeatureID = featureID
	}
	if row.IdempotencyKey != nil {
		idempotencyKey, err := ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Entry{}, err
		}
		entry.IdempotencyKey = idempotencyKey
	}
	return entry, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// isUniqueViolation reports a unique-constraint failure. Postgres errors must
// name the expected constraint; sqlite only reports the constraint class.
func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
