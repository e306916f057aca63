package points

import (
	"context"
	"fmt"
)

// GetBalance returns the current balance row for an account.
func (service *Service) GetBalance(requestContext context.Context, accountID AccountID) (AccountBalance, error) {
	balance, found, err := service.store.GetBalance(requestContext, accountID)
	if err != nil {
		return AccountBalance{}, err
	}
	if !found {
		return AccountBalance{}, ErrAccountNotFound
	}
	return balance, nil
}

// ListHistory lists an account's entries newest first, 1-based pages.
// Unknown accounts yield an empty slice, never an error.
func (service *Service) ListHistory(requestContext context.Context, accountID AccountID, page int, pageSize int) ([]Entry, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: pages are 1-based", ErrInvalidPage)
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("%w: page size must be at least 1", ErrInvalidPageSize)
	}
	return service.store.ListEntries(requestContext, accountID, page, pageSize)
}

// CountHistory returns the total entry count for an account.
func (service *Service) CountHistory(requestContext context.Context, accountID AccountID) (int64, error) {
	return service.store.CountEntries(requestContext, accountID)
}

// CheckConsistency recomputes the signed history sum inside one transaction
// and compares it against the stored balance. Divergence means something
// other than the ledger engine touched the tables.
func (service *Service) CheckConsistency(requestContext context.Context, accountID AccountID) (ConsistencyReport, error) {
	var report ConsistencyReport
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		balance, found, err := txStore.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if !found {
			return ErrAccountNotFound
		}
		historySum, err := txStore.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		report = ConsistencyReport{
			AccountID:  accountID,
			Balance:    balance.Balance,
			HistorySum: historySum,
			Consistent: balance.Balance == historySum,
		}
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationAudit,
		AccountID: accountID,
		Error:     operationError,
	})
	if operationError != nil {
		return ConsistencyReport{}, operationError
	}
	return report, nil
}
