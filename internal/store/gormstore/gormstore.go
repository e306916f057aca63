package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectHistory   = "history"
	errorCodeAppend       = "append"
	errorCodeCompareSet   = "compare_and_set"
	errorCodeCount        = "count"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSum          = "sum"
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Production postgres deployments manage DDL
// elsewhere; sqlite deployments call this at startup.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&PointBalance{}, &PointHistory{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, accountID points.AccountID) (points.AccountBalance, bool, error) {
	var row PointBalance
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.AccountBalance{}, false, nil
	}
	if err != nil {
		return points.AccountBalance{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := mapBalance(row)
	if err != nil {
		return points.AccountBalance{}, false, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, true, nil
}

func (store *Store) CreateBalance(ctx context.Context, accountID points.AccountID, initialBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	row := PointBalance{
		AccountID:   accountID.String(),
		Balance:     initialBalance,
		LastUpdated: time.Unix(nowUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
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

func (store *Store) CompareAndSetBalance(ctx context.Context, accountID points.AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (points.AccountBalance, error) {
	lastUpdated := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PointBalance{}).
		Where("account_id = ? AND balance = ?", accountID.String(), expectedBalance).
		Updates(map[string]interface{}{
			"balance":      newBalance,
			"last_updated": lastUpdated,
		})
	if result.Error != nil {
		return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCompareSet, result.Error)
	}
	if result.RowsAffected == 0 {
		// Zero rows means either the row is gone or another writer won.
		var probe PointBalance
		probeErr := store.db.WithContext(ctx).
			Where("account_id = ?", accountID.String()).
			Take(&probe).Error
		if errors.Is(probeErr, gorm.ErrRecordNotFound) {
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

func (store *Store) AppendEntry(ctx context.Context, input points.EntryInput) (points.Entry, error) {
	var expiresAt *time.Time
	if input.ExpiresAtUnixUTC != 0 {
		value := time.Unix(input.ExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	row := PointHistory{
		AccountID:   input.AccountID.String(),
		Kind:        input.Kind.String(),
		Amount:      input.Amount,
		Description: input.Description,
		Metadata:    datatypesJSON(input.MetadataJSON.String()),
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectHistory, errorCodeAppend, err)
	}
	entry, err := mapHistoryEntry(row)
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID points.AccountID, page int, pageSize int) ([]points.Entry, error) {
	var rows []PointHistory
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC, entry_id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	entries := make([]points.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapHistoryEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CountEntries(ctx context.Context, accountID points.AccountID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PointHistory{}).
		Where("account_id = ?", accountID.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHistory, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID points.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PointHistory{}).
		Select("coalesce(sum(case when kind = 'USE' then -amount else amount end),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHistory, errorCodeSum, err)
	}
	return sum.Total, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapBalance(row PointBalance) (points.AccountBalance, error) {
	accountID, err := points.NewAccountID(row.AccountID)
	if err != nil {
		return points.AccountBalance{}, err
	}
	return points.AccountBalance{
		AccountID:          accountID,
		Balance:            row.Balance,
		LastUpdatedUnixUTC: row.LastUpdated.Unix(),
	}, nil
}

func mapHistoryEntry(row PointHistory) (points.Entry, error) {
	accountID, err := points.NewAccountID(row.AccountID)
	if err != nil {
		return points.Entry{}, err
	}
	kind, err := points.ParseEntryKind(row.Kind)
	if err != nil {
		return points.Entry{}, err
	}
	metadata, err := points.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return points.Entry{}, err
	}
	return points.Entry{
		EntryID:          row.EntryID,
		AccountID:        accountID,
		Kind:             kind,
		Amount:           row.Amount,
		Description:      row.Description,
		MetadataJSON:     metadata,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
