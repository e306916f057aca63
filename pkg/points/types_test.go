package points

import (
	"errors"
	"testing"
)

func TestNewAccountID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " 05C66CEB-6DDC-4ADA-B736-08702615FF48 ", wantVal: "05c66ceb-6ddc-4ada-b736-08702615ff48"},
		{name: "empty", input: "   ", wantErr: ErrInvalidAccountID},
		{name: "not a uuid", input: "user-123", wantErr: ErrInvalidAccountID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewAccountID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestParseEntryKind(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"EARN", "USE"} {
		kind, err := ParseEntryKind(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if kind.String() != raw {
			t.Fatalf("expected %q, got %q", raw, kind.String())
		}
	}
	if _, err := ParseEntryKind("earn"); !errors.Is(err, ErrInvalidEntryKind) {
		t.Fatalf("expected ErrInvalidEntryKind, got %v", err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	if _, err := NewMetadataJSON("not-json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	meta, err = NewMetadataJSON(`{"source":"campaign"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != `{"source":"campaign"}` {
		t.Fatalf("unexpected metadata %q", meta.String())
	}
}

func TestNewEntryInputValidation(t *testing.T) {
	t.Parallel()
	accountID := mustAccountID(t, accountIDValue)
	metadata := mustMetadata(t, "{}")

	if _, err := NewEntryInput(accountID, EntryEarn, -1, "", metadata, 0, 1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative magnitude, got %v", err)
	}
	if _, err := NewEntryInput(accountID, EntryUse, 10, "", metadata, 500, 1); !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry for expiring use entry, got %v", err)
	}
	if _, err := NewEntryInput(accountID, EntryKind("HOLD"), 10, "", metadata, 0, 1); !errors.Is(err, ErrInvalidEntryKind) {
		t.Fatalf("expected ErrInvalidEntryKind, got %v", err)
	}
	if _, err := NewEntryInput(AccountID{}, EntryEarn, 10, "", metadata, 0, 1); !errors.Is(err, ErrInvalidAccountID) {
		t.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	input, err := NewEntryInput(accountID, EntryEarn, 10, "bonus", metadata, 500, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if input.ExpiresAtUnixUTC != 500 || input.Kind != EntryEarn {
		t.Fatalf("unexpected input %+v", input)
	}
}

func TestEntrySignedAmount(t *testing.T) {
	t.Parallel()
	earn := Entry{Kind: EntryEarn, Amount: 40}
	if earn.SignedAmount() != 40 {
		t.Fatalf("expected +40, got %d", earn.SignedAmount())
	}
	use := Entry{Kind: EntryUse, Amount: 40}
	if use.SignedAmount() != -40 {
		t.Fatalf("expected -40, got %d", use.SignedAmount())
	}
}
