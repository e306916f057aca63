package points

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the ledger logic over a Store. It is the sole writer for
// balances and history; every mutation flows through its read-validate-apply
// loop so the balance can never silently diverge from the entry log.
type Service struct {
	store         Store
	nowFn         func() int64
	logger        OperationLogger
	allowZeroEarn bool
	applyAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, applyAttempts: defaultApplyAttempts}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Earn credits an account, creating a zero-state account row on first use.
// The balance mutation and its EARN entry commit as one unit; a lost
// compare-and-set race is retried up to the attempt ceiling.
func (service *Service) Earn(ctx context.Context, accountID AccountID, amount int64, description string, expiresAtUnixUTC int64, metadata MetadataJSON) (AccountBalance, error) {
	committed, operationError := service.earn(ctx, accountID, amount, description, expiresAtUnixUTC, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:   operationEarn,
		AccountID:   accountID,
		Amount:      amount,
		Description: description,
		Error:       operationError,
	})
	return committed, operationError
}

func (service *Service) earn(ctx context.Context, accountID AccountID, amount int64, description string, expiresAtUnixUTC int64, metadata MetadataJSON) (AccountBalance, error) {
	if amount < 0 {
		return AccountBalance{}, fmt.Errorf("%w: earn amount must be positive", ErrInvalidAmount)
	}
	if amount == 0 && !service.allowZeroEarn {
		return AccountBalance{}, fmt.Errorf("%w: zero earn amounts are disabled", ErrInvalidAmount)
	}

	var committed AccountBalance
	for attempt := 0; attempt < service.applyAttempts; attempt++ {
		attemptError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			nowUnixUTC := service.nowFn()
			current, found, err := txStore.GetBalance(ctx, accountID)
			if err != nil {
				return err
			}
			if !found {
				// Lazy bootstrap: first credit creates the account row. Losing
				// the create race rolls the attempt back and retries against
				// the row the winner inserted.
				created, createErr := txStore.CreateBalance(ctx, accountID, amount, nowUnixUTC)
				if createErr != nil {
					return createErr
				}
				committed = created
			} else {
				updated, casErr := txStore.CompareAndSetBalance(ctx, accountID, current.Balance, current.Balance+amount, nowUnixUTC)
				if casErr != nil {
					return casErr
				}
				committed = updated
			}
			entryInput, err := NewEntryInput(accountID, EntryEarn, amount, description, metadata, expiresAtUnixUTC, nowUnixUTC)
			if err != nil {
				return err
			}
			_, err = txStore.AppendEntry(ctx, entryInput)
			return err
		})
		if isRetryableConflict(attemptError) {
			continue
		}
		if attemptError != nil {
			return AccountBalance{}, attemptError
		}
		return committed, nil
	}
	return AccountBalance{}, WrapError("service", operationEarn, "retries_exhausted", ErrTransientConflict)
}

// Use debits an account. Sufficiency is re-verified inside every attempt
// against the freshly read balance, so a stale pre-check can never push the
// account below zero.
func (service *Service) Use(ctx context.Context, accountID AccountID, amount int64, description string, metadata MetadataJSON) (AccountBalance, error) {
	committed, operationError := service.use(ctx, accountID, amount, description, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:   operationUse,
		AccountID:   accountID,
		Amount:      amount,
		Description: description,
		Error:       operationError,
	})
	return committed, operationError
}

func (service *Service) use(ctx context.Context, accountID AccountID, amount int64, description string, metadata MetadataJSON) (AccountBalance, error) {
	if amount <= 0 {
		return AccountBalance{}, fmt.Errorf("%w: use amount must be positive", ErrInvalidAmount)
	}

	var committed AccountBalance
	for attempt := 0; attempt < service.applyAttempts; attempt++ {
		attemptError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			nowUnixUTC := service.nowFn()
			current, found, err := txStore.GetBalance(ctx, accountID)
			if err != nil {
				return err
			}
			if !found {
				return ErrAccountNotFound
			}
			if amount > current.Balance {
				return ErrInsufficientBalance
			}
			updated, casErr := txStore.CompareAndSetBalance(ctx, accountID, current.Balance, current.Balance-amount, nowUnixUTC)
			if casErr != nil {
				return casErr
			}
			committed = updated
			entryInput, err := NewEntryInput(accountID, EntryUse, amount, description, metadata, 0, nowUnixUTC)
			if err != nil {
				return err
			}
			_, err = txStore.AppendEntry(ctx, entryInput)
			return err
		})
		if isRetryableConflict(attemptError) {
			continue
		}
		if attemptError != nil {
			return AccountBalance{}, attemptError
		}
		return committed, nil
	}
	return AccountBalance{}, WrapError("service", operationUse, "retries_exhausted", ErrTransientConflict)
}

func isRetryableConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateAccount)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
