package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Credits is a non-negative credit quantity.
type Credits int64

// PositiveCredits is a strictly positive credit quantity.
type PositiveCredits int64

// SignedCredits is the signed amount stored on a ledger entry.
type SignedCredits int64

// AccountID identifies a credit account. It is the opaque id supplied by the identity layer.
type AccountID struct {
	value string
}

// FeatureID identifies a billable feature.
type FeatureID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for ledger entries. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// EntryKind defines the kind of a ledger entry.
type EntryKind string

const (
	EntryAdd EntryKind = "add"
	EntryUse EntryKind = "use"
)

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewFeatureID validates and normalizes a feature id (trimmed, lower-case).
func NewFeatureID(raw string) (FeatureID, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return FeatureID{}, fmt.Errorf("%w: empty value", ErrInvalidFeatureID)
	}
	if strings.ContainsAny(normalized, " \t\n") {
		return FeatureID{}, fmt.Errorf("%w: must not contain whitespace", ErrInvalidFeatureID)
	}
	return FeatureID{value: normalized}, nil
}

// String returns the normalized identifier.
func (id FeatureID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id FeatureID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewCredits validates a non-negative credit quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates a strictly positive credit quantity.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits widens the value to Credits.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// ToSigned returns the amount as a positive ledger amount.
func (credits PositiveCredits) ToSigned() SignedCredits {
	return SignedCredits(credits)
}

// Int64 returns the raw value.
func (credits SignedCredits) Int64() int64 {
	return int64(credits)
}

// Negated flips the sign.
func (credits SignedCredits) Negated() SignedCredits {
	return -credits
}

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(strings.TrimSpace(raw)) {
	case EntryAdd:
		return EntryAdd, nil
	case EntryUse:
		return EntryUse, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// Account is the cached balance view of a credit account.
type Account struct {
	ID                    AccountID
	Balance               Credits
	CurrentSubscriptionID string
	CreatedAt             time.Time
}

// FeatureCost is the registry record for a billable feature.
type FeatureCost struct {
	FeatureID FeatureID
	Name      string
	Cost      Credits
	Active    bool
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      AccountID
	Kind           EntryKind
	Amount         SignedCredits
	FeatureID      FeatureID
	Description    string
	IdempotencyKey IdempotencyKey
	CreatedAt      time.Time
}

// ConsumeResult reports a successful consumption.
type ConsumeResult struct {
	Remaining   Credits
	Consumed    Credits
	FeatureName string
}

// HistoryPage is one page of ledger entries, newest first.
type HistoryPage struct {
	Entries []Entry
	Page    int
	Limit   int
	Total   int64
}

// Pages returns the number of pages available for the current limit.
func (page HistoryPage) Pages() int64 {
	if page.Limit <= 0 {
		return 0
	}
	limit := int64(page.Limit)
	return (page.Total + limit - 1) / limit
}

// AuditReport compares the cached balance with the ledger sum for one account.
type AuditReport struct {
	AccountID AccountID
	Cached    Credits
	LedgerSum int64
	Repaired  bool
}

// Drift is cached balance minus ledger sum.
func (report AuditReport) Drift() int64 {
	return report.Cached.Int64() - report.LedgerSum
}

// Consistent reports whether the cache matches the ledger.
func (report AuditReport) Consistent() bool {
	return report.Drift() == 0
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// DebitIfSufficient decrements the balance only when balance >= amount, in one statement.
	DebitIfSufficient(ctx context.Context, accountID AccountID, amount PositiveCredits) (bool, error)
	Credit(ctx context.Context, accountID AccountID, amount PositiveCredits) error
	SetBalance(ctx context.Context, accountID AccountID, balance Credits) error
	InsertEntry(ctx context.Context, entry Entry) error
	SumEntries(ctx context.Context, accountID AccountID) (int64, error)
	CountEntries(ctx context.Context, accountID AccountID) (int64, error)
	ListEntries(ctx context.Context, accountID AccountID, offset int, limit int) ([]Entry, error)
	ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]AccountID, error)
}

// RegistryStore persists feature cost records.
type RegistryStore interface {
	GetFeatureCost(ctx context.Context, featureID FeatureID) (FeatureCost, error)
	UpsertFeatureCost(ctx context.Context, cost FeatureCost) error
	SetFeatureActive(ctx context.Context, featureID FeatureID, active bool) error
	ListFeatureCosts(ctx context.Context) ([]FeatureCost, error)
}

// CostResolver resolves the configured cost of a feature.
type CostResolver interface {
	GetCost(ctx context.Context, featureID FeatureID) (FeatureCost, error)
}
