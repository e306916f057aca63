package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintBalancePrimary = "points_pkey"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectHistory      = "history"
	errorSubjectTransaction  = "transaction"
	errorSubjectSchema       = "schema"
	errorCodeAppend          = "append"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCompareSet      = "compare_and_set"
	errorCodeCount           = "count"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeEnsure          = "ensure"
	errorCodeGet             = "get"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeSum             = "sum"

	sqlEnsureSchema = `
		create table if not exists points(
			account_id uuid primary key,
			balance bigint not null,
			last_updated timestamptz not null
		);
		create table if not exists point_history(
			entry_id bigserial primary key,
			account_id uuid not null references points(account_id) on delete cascade,
			kind varchar(20) not null,
			amount bigint not null,
			description text not null default '',
			metadata jsonb not null default '{}'::jsonb,
			expires_at timestamptz,
			created_at timestamptz not null
		);
		create index if not exists idx_point_history_account_created
			on point_history(account_id, created_at)
	`

	sqlSelectBalance = `
		select balance, extract(epoch from last_updated)::bigint
		from points
		where account_id = $1
	`

	sqlInsertBalance = `
		insert into points(account_id, balance, last_updated)
		values($1, $2, to_timestamp($3))
	`

	sqlCompareAndSetBalance = `
		update points
		set balance = $3, last_updated = to_timestamp($4)
		where account_id = $1 and balance = $2
	`

	sqlInsertEntry = `
		insert into point_history(
			account_id, kind, amount, description, metadata, expires_at, created_at
		)
		values(
			$1, $2, $3, $4,
			coalesce(nullif($5,''),'{}')::jsonb,
			to_timestamp(nullif($6,0)),
			coalesce(to_timestamp(nullif($7,0)), now())
		)
		returning entry_id, extract(epoch from created_at)::bigint
	`

	sqlListEntries = `
		select
			entry_id,
			account_id::text,
			kind,
			amount,
			description,
			coalesce(metadata::text,'{}'),
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from point_history
		where account_id = $1
		order by created_at desc, entry_id desc
		limit $2 offset $3
	`

	sqlCountEntries = `
		select count(*) from point_history where account_id = $1
	`

	sqlSumEntries = `
		select coalesce(sum(case when kind = 'USE' then -amount else amount end),0)
		from point_history
		where account_id = $1
	`
)

// Store implements points.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements points.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables and indexes when they do not exist.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlEnsureSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID points.AccountID) (points.AccountBalance, bool, error) {
	return getBalance(ctx, store.pool, accountID)
}

func (store *Store) CreateBalance(ctx context.Context, accountID points.AccountID, initialBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	return createBalance(ctx, store.pool, accountID, initialBalance, nowUnixUTC)
}

func (store *Store) CompareAndSetBalance(ctx context.Context, accountID points.AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	return compareAndSetBalance(ctx, store.pool, accountID, expectedBalance, newBalance, nowUnixUTC)
}

func (store *Store) AppendEntry(ctx context.Context, input points.EntryInput) (points.Entry, error) {
	return appendEntry(ctx, store.pool, input)
}

func (store *Store) ListEntries(ctx context.Context, accountID points.AccountID, page int, pageSize int) ([]points.Entry, error) {
	return listEntries(ctx, store.pool, accountID, page, pageSize)
}

func (store *Store) CountEntries(ctx context.Context, accountID points.AccountID) (int64, error) {
	return countEntries(ctx, store.pool, accountID)
}

func (store *Store) SumEntries(ctx context.Context, accountID points.AccountID) (int64, error) {
	return sumEntries(ctx, store.pool, accountID)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetBalance(ctx context.Context, accountID points.AccountID) (points.AccountBalance, bool, error) {
	return getBalance(ctx, store.tx, accountID)
}

func (store *TxStore) CreateBalance(ctx context.Context, accountID points.AccountID, initialBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	return createBalance(ctx, store.tx, accountID, initialBalance, nowUnixUTC)
}

func (store *TxStore) CompareAndSetBalance(ctx context.Context, accountID points.AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	return compareAndSetBalance(ctx, store.tx, accountID, expectedBalance, newBalance, nowUnixUTC)
}

func (store *TxStore) AppendEntry(ctx context.Context, input points.EntryInput) (points.Entry, error) {
	return appendEntry(ctx, store.tx, input)
}

func (store *TxStore) ListEntries(ctx context.Context, accountID points.AccountID, page int, pageSize int) ([]points.Entry, error) {
	return listEntries(ctx, store.tx, accountID, page, pageSize)
}

func (store *TxStore) CountEntries(ctx context.Context, accountID points.AccountID) (int64, error) {
	return countEntries(ctx, store.tx, accountID)
}

func (store *TxStore) SumEntries(ctx context.Context, accountID points.AccountID) (int64, error) {
	return sumEntries(ctx, store.tx, accountID)
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBalance(ctx context.Context, runner querier, accountID points.AccountID) (points.AccountBalance, bool, error) {
	var (
		balanceValue       int64
		lastUpdatedUnixUTC int64
	)
	err := runner.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&balanceValue, &lastUpdatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.AccountBalance{}, false, nil
	}
	if err != nil {
		return points.AccountBalance{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return points.AccountBalance{
		AccountID:          accountID,
		Balance:            balanceValue,
		LastUpdatedUnixUTC: lastUpdatedUnixUTC,
	}, true, nil
}

func createBalance(ctx context.Context, runner querier, accountID points.AccountID, initialBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	_, err := runner.Exec(ctx, sqlInsertBalance, accountID.String(), initialBalance, nowUnixUTC)
	if isBalanceConflict(err) {
		return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeDuplicate, points.ErrDuplicateAccount)
	}
	if err != nil {
		return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return points.AccountBalance{
		AccountID:          accountID,
		Balance:            initialBalance,
		LastUpdatedUnixUTC: nowUnixUTC,
	}, nil
}

func compareAndSetBalance(ctx context.Context, runner querier, accountID points.AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	tag, err := runner.Exec(ctx, sqlCompareAndSetBalance, accountID.String(), expectedBalance, newBalance, nowUnixUTC)
	if err != nil {
		return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCompareSet, err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means either the row is gone or another writer won.
		var probe int64
		probeErr := runner.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&probe, &probe)
		if errors.Is(probeErr, pgx.ErrNoRows) {
			return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCompareSet, points.ErrAccountNotFound)
		}
		if probeErr != nil {
			return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCompareSet, probeErr)
		}
		return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCompareSet, points.ErrConcurrentModification)
	}
	return points.AccountBalance{
		AccountID:          accountID,
		Balance:            newBalance,
		LastUpdatedUnixUTC: nowUnixUTC,
	}, nil
}

func appendEntry(ctx context.Context, runner querier, input points.EntryInput) (points.Entry, error) {
	var (
		entryIDValue   int64
		createdUnixUTC int64
	)
	err := runner.QueryRow(ctx, sqlInsertEntry,
		input.AccountID.String(),
		input.Kind.String(),
		input.Amount,
		input.Description,
		input.MetadataJSON.String(),
		input.ExpiresAtUnixUTC,
		input.CreatedUnixUTC,
	).Scan(&entryIDValue, &createdUnixUTC)
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectHistory, errorCodeAppend, err)
	}
	return points.Entry{
		EntryID:          entryIDValue,
		AccountID:        input.AccountID,
		Kind:             input.Kind,
		Amount:           input.Amount,
		Description:      input.Description,
		MetadataJSON:     input.MetadataJSON,
		ExpiresAtUnixUTC: input.ExpiresAtUnixUTC,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}

func listEntries(ctx context.Context, runner querier, accountID points.AccountID, page int, pageSize int) ([]points.Entry, error) {
	offset := (page - 1) * pageSize
	rows, err := runner.Query(ctx, sqlListEntries, accountID.String(), pageSize, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
	}
	return entries, nil
}

func countEntries(ctx context.Context, runner querier, accountID points.AccountID) (int64, error) {
	var count int64
	if err := runner.QueryRow(ctx, sqlCountEntries, accountID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectHistory, errorCodeCount, err)
	}
	return count, nil
}

func sumEntries(ctx context.Context, runner querier, accountID points.AccountID) (int64, error) {
	var sum int64
	if err := runner.QueryRow(ctx, sqlSumEntries, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectHistory, errorCodeSum, err)
	}
	return sum, nil
}

func scanEntries(rows pgx.Rows) ([]points.Entry, error) {
	entries := make([]points.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     int64
			accountIDValue   string
			kindValue        string
			amountValue      int64
			descriptionValue string
			metadataValue    string
			expiresAtUnixUTC int64
			createdUnixUTC   int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&accountIDValue,
			&kindValue,
			&amountValue,
			&descriptionValue,
			&metadataValue,
			&expiresAtUnixUTC,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		accountID, err := points.NewAccountID(accountIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := points.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		metadata, err := points.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, points.Entry{
			EntryID:          entryIDValue,
			AccountID:        accountID,
			Kind:             kind,
			Amount:           amountValue,
			Description:      descriptionValue,
			MetadataJSON:     metadata,
			ExpiresAtUnixUTC: expiresAtUnixUTC,
			CreatedUnixUTC:   createdUnixUTC,
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func isBalanceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintBalancePrimary
	}
	return false
}
