package points

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

// stubStore is an in-memory Store with injectable failures. WithTx serializes
// attempts under one mutex and restores a snapshot when the closure fails, so
// the engine's atomicity assumptions hold in tests too.
type stubStore struct {
	mu          sync.Mutex
	balances    map[string]AccountBalance
	entries     []Entry
	nextEntryID int64

	getBalanceError error
	createError     error
	casError        error
	appendError     error
	listError       error
	countError      error
	sumError        error

	// forceCASConflicts surfaces ErrConcurrentModification for that many
	// compare-and-set calls; drainToOnConflict rewrites the stored balance
	// when a forced conflict fires, simulating a concurrent writer.
	forceCASConflicts     int
	drainToOnConflict     *int64
	forceDuplicateCreates int
	duplicateWinnerValue  int64

	// pendingBalance is the concurrent writer's row. It lands after the losing
	// attempt rolls back, the way a competing committed transaction would.
	pendingBalance *AccountBalance
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{balances: map[string]AccountBalance{}}
}

func (store *stubStore) seedBalance(test *testing.T, accountID AccountID, balance int64) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[accountID.String()] = AccountBalance{AccountID: accountID, Balance: balance, LastUpdatedUnixUTC: 1}
}

func (store *stubStore) corruptBalance(test *testing.T, accountID AccountID, balance int64) {
	test.Helper()
	store.seedBalance(test, accountID, balance)
}

func (store *stubStore) entryCount(test *testing.T) int {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.entries)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshotBalances := make(map[string]AccountBalance, len(store.balances))
	for key, value := range store.balances {
		snapshotBalances[key] = value
	}
	snapshotEntries := append([]Entry(nil), store.entries...)
	snapshotNextID := store.nextEntryID
	err := fn(ctx, &stubTxStore{store: store})
	if err != nil {
		store.balances = snapshotBalances
		store.entries = snapshotEntries
		store.nextEntryID = snapshotNextID
		if store.pendingBalance != nil {
			store.balances[store.pendingBalance.AccountID.String()] = *store.pendingBalance
			store.pendingBalance = nil
		}
	}
	return err
}

func (store *stubStore) GetBalance(ctx context.Context, accountID AccountID) (AccountBalance, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getBalanceLocked(accountID)
}

func (store *stubStore) CreateBalance(ctx context.Context, accountID AccountID, initialBalance int64, nowUnixUTC int64) (AccountBalance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.createBalanceLocked(accountID, initialBalance, nowUnixUTC)
}

func (store *stubStore) CompareAndSetBalance(ctx context.Context, accountID AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (AccountBalance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.compareAndSetLocked(accountID, expectedBalance, newBalance, nowUnixUTC)
}

func (store *stubStore) AppendEntry(ctx context.Context, input EntryInput) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.appendEntryLocked(input)
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, page int, pageSize int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listEntriesLocked(accountID, page, pageSize)
}

func (store *stubStore) CountEntries(ctx context.Context, accountID AccountID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.countEntriesLocked(accountID)
}

func (store *stubStore) SumEntries(ctx context.Context, accountID AccountID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.sumEntriesLocked(accountID)
}

func (store *stubStore) getBalanceLocked(accountID AccountID) (AccountBalance, bool, error) {
	if store.getBalanceError != nil {
		return AccountBalance{}, false, store.getBalanceError
	}
	balance, found := store.balances[accountID.String()]
	return balance, found, nil
}

func (store *stubStore) createBalanceLocked(accountID AccountID, initialBalance int64, nowUnixUTC int64) (AccountBalance, error) {
	if store.createError != nil {
		return AccountBalance{}, store.createError
	}
	if store.forceDuplicateCreates > 0 {
		store.forceDuplicateCreates--
		store.pendingBalance = &AccountBalance{AccountID: accountID, Balance: store.duplicateWinnerValue, LastUpdatedUnixUTC: nowUnixUTC}
		return AccountBalance{}, ErrDuplicateAccount
	}
	if _, exists := store.balances[accountID.String()]; exists {
		return AccountBalance{}, ErrDuplicateAccount
	}
	created := AccountBalance{AccountID: accountID, Balance: initialBalance, LastUpdatedUnixUTC: nowUnixUTC}
	store.balances[accountID.String()] = created
	return created, nil
}

func (store *stubStore) compareAndSetLocked(accountID AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (AccountBalance, error) {
	if store.casError != nil {
		return AccountBalance{}, store.casError
	}
	current, found := store.balances[accountID.String()]
	if !found {
		return AccountBalance{}, ErrAccountNotFound
	}
	if store.forceCASConflicts > 0 {
		store.forceCASConflicts--
		if store.drainToOnConflict != nil {
			drained := current
			drained.Balance = *store.drainToOnConflict
			store.pendingBalance = &drained
		}
		return AccountBalance{}, ErrConcurrentModification
	}
	if current.Balance != expectedBalance {
		return AccountBalance{}, ErrConcurrentModification
	}
	updated := AccountBalance{AccountID: accountID, Balance: newBalance, LastUpdatedUnixUTC: nowUnixUTC}
	store.balances[accountID.String()] = updated
	return updated, nil
}

func (store *stubStore) appendEntryLocked(input EntryInput) (Entry, error) {
	if store.appendError != nil {
		return Entry{}, store.appendError
	}
	store.nextEntryID++
	entry := Entry{
		EntryID:          store.nextEntryID,
		AccountID:        input.AccountID,
		Kind:             input.Kind,
		Amount:           input.Amount,
		Description:      input.Description,
		MetadataJSON:     input.MetadataJSON,
		ExpiresAtUnixUTC: input.ExpiresAtUnixUTC,
		CreatedUnixUTC:   input.CreatedUnixUTC,
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) listEntriesLocked(accountID AccountID, page int, pageSize int) ([]Entry, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	matched := make([]Entry, 0, len(store.entries))
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedUnixUTC != matched[j].CreatedUnixUTC {
			return matched[i].CreatedUnixUTC > matched[j].CreatedUnixUTC
		}
		return matched[i].EntryID > matched[j].EntryID
	})
	offset := (page - 1) * pageSize
	if offset >= len(matched) {
		return []Entry{}, nil
	}
	end := offset + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (store *stubStore) countEntriesLocked(accountID AccountID) (int64, error) {
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

func (store *stubStore) sumEntriesLocked(accountID AccountID) (int64, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var sum int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sum += entry.SignedAmount()
		}
	}
	return sum, nil
}

// stubTxStore exposes the locked internals to the WithTx closure.
type stubTxStore struct {
	store *stubStore
}

func (txStore *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, inner Store) error) error {
	return fn(ctx, txStore)
}

func (txStore *stubTxStore) GetBalance(_ context.Context, accountID AccountID) (AccountBalance, bool, error) {
	return txStore.store.getBalanceLocked(accountID)
}

func (txStore *stubTxStore) CreateBalance(_ context.Context, accountID AccountID, initialBalance int64, nowUnixUTC int64) (AccountBalance, error) {
	return txStore.store.createBalanceLocked(accountID, initialBalance, nowUnixUTC)
}

func (txStore *stubTxStore) CompareAndSetBalance(_ context.Context, accountID AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (AccountBalance, error) {
	return txStore.store.compareAndSetLocked(accountID, expectedBalance, newBalance, nowUnixUTC)
}

func (txStore *stubTxStore) AppendEntry(_ context.Context, input EntryInput) (Entry, error) {
	return txStore.store.appendEntryLocked(input)
}

func (txStore *stubTxStore) ListEntries(_ context.Context, accountID AccountID, page int, pageSize int) ([]Entry, error) {
	return txStore.store.listEntriesLocked(accountID, page, pageSize)
}

func (txStore *stubTxStore) CountEntries(_ context.Context, accountID AccountID) (int64, error) {
	return txStore.store.countEntriesLocked(accountID)
}

func (txStore *stubTxStore) SumEntries(_ context.Context, accountID AccountID) (int64, error) {
	return txStore.store.sumEntriesLocked(accountID)
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, newCounterClock(), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

// newCounterClock returns a strictly increasing clock so list ordering by
// created-at is deterministic in tests.
func newCounterClock() func() int64 {
	var tick int64
	return func() int64 {
		return atomic.AddInt64(&tick, 1)
	}
}
