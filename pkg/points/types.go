package points

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountID identifies the owner of a balance and its history.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account identifier (UUID).
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return AccountID{}, fmt.Errorf("%w: %q is not a uuid", ErrInvalidAccountID, trimmed)
	}
	return AccountID{value: parsed.String()}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// EntryKind enumerates history entry directions.
type EntryKind string

const (
	EntryEarn EntryKind = "EARN"
	EntryUse  EntryKind = "USE"
)

// ParseEntryKind validates a stored kind value.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryEarn, EntryUse:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// MetadataJSON stores arbitrary request metadata alongside an entry.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// EntryInput describes a history entry before the store assigns its id.
type EntryInput struct {
	AccountID        AccountID
	Kind             EntryKind
	Amount           int64
	Description      string
	MetadataJSON     MetadataJSON
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// NewEntryInput validates an entry before it is appended. Amount is the unsigned
// magnitude; direction is carried by Kind. Only EARN entries may expire.
func NewEntryInput(accountID AccountID, kind EntryKind, amount int64, description string, metadata MetadataJSON, expiresAtUnixUTC int64, createdUnixUTC int64) (EntryInput, error) {
	if accountID.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryKind(kind.String()); err != nil {
		return EntryInput{}, err
	}
	if amount < 0 {
		return EntryInput{}, fmt.Errorf("%w: magnitude must not be negative", ErrInvalidAmount)
	}
	if expiresAtUnixUTC != 0 && kind != EntryEarn {
		return EntryInput{}, fmt.Errorf("%w: only earn entries expire", ErrInvalidExpiry)
	}
	return EntryInput{
		AccountID:        accountID,
		Kind:             kind,
		Amount:           amount,
		Description:      description,
		MetadataJSON:     metadata,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}

// Entry is a single immutable line in an account's history.
type Entry struct {
	EntryID          int64
	AccountID        AccountID
	Kind             EntryKind
	Amount           int64
	Description      string
	MetadataJSON     MetadataJSON
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// SignedAmount maps the entry to its balance contribution.
func (entry Entry) SignedAmount() int64 {
	if entry.Kind == EntryUse {
		return -entry.Amount
	}
	return entry.Amount
}

// AccountBalance is the current balance row for an account.
type AccountBalance struct {
	AccountID          AccountID
	Balance            int64
	LastUpdatedUnixUTC int64
}

// ConsistencyReport compares a stored balance against its history sum.
type ConsistencyReport struct {
	AccountID  AccountID
	Balance    int64
	HistorySum int64
	Consistent bool
}

// BalanceStore holds one current balance per account.
type BalanceStore interface {
	// GetBalance reports found=false for accounts without a row.
	GetBalance(ctx context.Context, accountID AccountID) (AccountBalance, bool, error)
	// CreateBalance inserts a fresh row; a lost bootstrap race surfaces ErrDuplicateAccount.
	CreateBalance(ctx context.Context, accountID AccountID, initialBalance int64, nowUnixUTC int64) (AccountBalance, error)
	// CompareAndSetBalance replaces the balance only while it still equals expectedBalance;
	// a lost race surfaces ErrConcurrentModification, a missing row ErrAccountNotFound.
	CompareAndSetBalance(ctx context.Context, accountID AccountID, expectedBalance int64, newBalance int64, nowUnixUTC int64) (AccountBalance, error)
}

// HistoryStore is the append-only log of ledger entries.
type HistoryStore interface {
	// AppendEntry inserts one immutable entry, assigning entry id and created-at
	// (when the input's created-at is zero).
	AppendEntry(ctx context.Context, input EntryInput) (Entry, error)
	// ListEntries returns entries newest first (created desc, entry id desc),
	// 1-based pages. Unknown accounts yield an empty slice.
	ListEntries(ctx context.Context, accountID AccountID, page int, pageSize int) ([]Entry, error)
	// CountEntries returns the total entry count, 0 for unknown accounts.
	CountEntries(ctx context.Context, accountID AccountID) (int64, error)
	// SumEntries returns the signed sum over the full history.
	SumEntries(ctx context.Context, accountID AccountID) (int64, error)
}

// Store is the persistence contract used by Service. WithTx scopes the balance
// mutation and its history append to one atomic unit.
type Store interface {
	BalanceStore
	HistoryStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}
