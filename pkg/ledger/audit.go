package ledger

import (
	"context"
	"fmt"
)

// Audit compares the cached balance with the sum of ledger entries.
func (service *Service) Audit(ctx context.Context, accountID AccountID) (AuditReport, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	sum, err := service.store.SumEntries(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{AccountID: accountID, Cached: account.Balance, LedgerSum: sum}, nil
}

// Repair rewrites the cached balance from the ledger sum when they disagree.
// A negative ledger sum is reported and left for manual inspection.
func (service *Service) Repair(ctx context.Context, accountID AccountID) (AuditReport, error) {
	var report AuditReport
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		report = AuditReport{AccountID: accountID, Cached: account.Balance, LedgerSum: sum}
		if report.Consistent() {
			return nil
		}
		if sum < 0 {
			return fmt.Errorf("%w: ledger sum %d for account %s", ErrInvalidBalance, sum, accountID.String())
		}
		if err := transactionStore.SetBalance(ctx, accountID, Credits(sum)); err != nil {
			return err
		}
		report.Repaired = true
		return nil
	})
	if report.Repaired || operationError != nil {
		emitOperation(ctx, service.logger, OperationLog{
			Operation: operationRepair,
			AccountID: accountID,
			Amount:    report.LedgerSum - report.Cached.Int64(),
			Balance:   Credits(report.LedgerSum),
			Error:     operationError,
		})
	}
	return report, operationError
}

// AuditAll walks every account in id order and returns the inconsistent ones.
// When repair is true each drifting account is repaired in its own transaction.
func (service *Service) AuditAll(ctx context.Context, repair bool) ([]AuditReport, error) {
	var drifting []AuditReport
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return drifting, err
		}
		accountIDs, err := service.store.ListAccountIDs(ctx, after, auditBatchSize)
		if err != nil {
			return drifting, err
		}
		for _, accountID := range accountIDs {
			report, err := service.Audit(ctx, accountID)
			if err != nil {
				return drifting, err
			}
			if report.Consistent() {
				continue
			}
			if repair {
				report, err = service.Repair(ctx, accountID)
				if err != nil {
					return drifting, err
				}
			}
			drifting = append(drifting, report)
		}
		if len(accountIDs) < auditBatchSize {
			return drifting, nil
		}
		after = accountIDs[len(accountIDs)-1].String()
	}
}
