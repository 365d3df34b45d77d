package ledger

const (
	operationConsume       = "consume"
	operationGrant         = "grant"
	operationRepair        = "repair"
	operationUpsertFeature = "upsert_feature"
	operationToggleFeature = "toggle_feature"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	entryIDPrefix = "le"

	// DefaultHistoryLimit is used when a caller passes a non-positive limit.
	DefaultHistoryLimit = 20
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 100

	auditBatchSize = 200
)
