package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountIdempotencyKey = "ledger_entries_account_id_idempotency_key_key"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
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

	sqlInsertAccount = `
		insert into accounts(account_id, balance, created_at, updated_at) values($1, 0, now(), now())
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, balance, coalesce(current_subscription_id, ''), created_at
		from accounts
		where account_id = $1
	`

	sqlDebitIfSufficient = `
		update accounts set balance = balance - $2, updated_at = now()
		where account_id = $1 and balance >= $2
	`

	sqlCredit = `
		update accounts set balance = balance + $2, updated_at = now()
		where account_id = $1
	`

	sqlSetBalance = `
		update accounts set balance = $2, updated_at = now()
		where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, kind, amount, feature_id, description, idempotency_key, created_at
		)
		values($1, $2, $3, $4, nullif($5,''), $6, nullif($7,''), $8)
	`

	sqlSumEntries = `
		select coalesce(sum(amount),0) from ledger_entries where account_id = $1
	`

	sqlCountEntries = `
		select count(*) from ledger_entries where account_id = $1
	`

	sqlListEntries = `
		select
			entry_id,
			account_id,
			kind,
			amount,
			coalesce(feature_id,''),
			description,
			coalesce(idempotency_key,''),
			created_at
		from ledger_entries
		where account_id = $1
		order by created_at desc, entry_id desc
		offset $2
		limit $3
	`

	sqlListAccountIDs = `
		select account_id from accounts where account_id > $1 order by account_id asc limit $2
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store on a pgx pool, bypassing GORM on the hot path.
// Inside WithTx the same type is bound to the open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

var _ ledger.Store = (*Store)(nil)

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Connect opens and pings a pgx pool for databaseURL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, accountID.String()); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var (
		accountValue   string
		balanceValue   int64
		subscriptionID string
		createdAt      time.Time
	)
	err := store.db.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(&accountValue, &balanceValue, &subscriptionID, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedAccountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		ID:                    parsedAccountID,
		Balance:               balance,
		CurrentSubscriptionID: subscriptionID,
		CreatedAt:             createdAt.UTC(),
	}, nil
}

func (store *Store) DebitIfSufficient(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlDebitIfSufficient, accountID.String(), amount.Int64())
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) Credit(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) error {
	tag, err := store.db.Exec(ctx, sqlCredit, accountID.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) SetBalance(ctx context.Context, accountID ledger.AccountID, balance ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlSetBalance, accountID.String(), balance.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSet, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSet, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	createdAt := entry.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.AccountID.String(),
		entry.Kind.String(),
		entry.Amount.Int64(),
		entry.FeatureID.String(),
		entry.Description,
		entry.IdempotencyKey.String(),
		createdAt,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	return sum, nil
}

func (store *Store) CountEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountEntries, accountID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, offset int, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, accountID.String(), offset, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	rows, err := store.db.Query(ctx, sqlListAccountIDs, afterAccountID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	rawIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
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

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			accountIDValue   string
			kindValue        string
			amountValue      int64
			featureValue     string
			description      string
			idempotencyValue string
			createdAt        time.Time
		)
		if err := rows.Scan(
			&entryIDValue,
			&accountIDValue,
			&kindValue,
			&amountValue,
			&featureValue,
			&description,
			&idempotencyValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		accountID, err := ledger.NewAccountID(accountIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := ledger.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		entry := ledger.Entry{
			EntryID:     entryIDValue,
			AccountID:   accountID,
			Kind:        kind,
			Amount:      ledger.SignedCredits(amountValue),
			Description: description,
			CreatedAt:   createdAt.UTC(),
		}
		if featureValue != "" {
			if entry.FeatureID, err = ledger.NewFeatureID(featureValue); err != nil {
				return nil, err
			}
		}
		if idempotencyValue != "" {
			if entry.IdempotencyKey, err = ledger.NewIdempotencyKey(idempotencyValue); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	return false
}
