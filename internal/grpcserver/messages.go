package grpcserver

// ConsumeRequest debits the configured cost of a feature.
type ConsumeRequest struct {
	UserID      string `json:"user_id"`
	FeatureID   string `json:"feature_id"`
	Description string `json:"description,omitempty"`
}

// ConsumeResponse mirrors ledger.ConsumeResult.
type ConsumeResponse struct {
	RemainingCredits int64  `json:"remaining_credits"`
	Consumed         int64  `json:"consumed"`
	FeatureName      string `json:"feature_name"`
}

// BalanceRequest asks for the cached balance.
type BalanceRequest struct {
	UserID string `json:"user_id"`
}

// BalanceResponse carries the cached balance.
type BalanceResponse struct {
	Credits int64 `json:"credits"`
}

// GrantRequest credits an account. IdempotencyKey is required.
type GrantRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// GrantResponse carries the balance after the grant.
type GrantResponse struct {
	Credits int64 `json:"credits"`
}

// ListEntriesRequest pages through an account's ledger, newest first.
type ListEntriesRequest struct {
	UserID string `json:"user_id"`
	Page   int32  `json:"page"`
	Limit  int32  `json:"limit"`
}

// Entry is one ledger line on the wire.
type Entry struct {
	EntryID        string `json:"entry_id"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	FeatureID      string `json:"feature_id,omitempty"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

// ListEntriesResponse is one page of entries.
type ListEntriesResponse struct {
	Entries []Entry `json:"entries"`
	Page    int32   `json:"page"`
	Limit   int32   `json:"limit"`
	Total   int64   `json:"total"`
}
