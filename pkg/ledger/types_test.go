package ledger

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
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

func TestNewTokenAmount(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   int64
		wantErr bool
	}{
		{name: "positive", input: 10},
		{name: "zero", input: 0, wantErr: true},
		{name: "negative", input: -5, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			amount, err := NewTokenAmount(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("expected ErrInvalidAmount, got %v", err)
				}
				return
			}
			if err != nil || amount.Int64() != tc.input {
				t.Fatalf("unexpected result %d, %v", amount, err)
			}
		})
	}
}

func TestNewDescription(t *testing.T) {
	t.Parallel()
	if _, err := NewDescription("  "); !errors.Is(err, ErrInvalidDescription) {
		t.Fatalf("expected ErrInvalidDescription, got %v", err)
	}
	if _, err := NewDescription(strings.Repeat("x", maxDescriptionLength+1)); !errors.Is(err, ErrInvalidDescription) {
		t.Fatalf("expected ErrInvalidDescription for long value, got %v", err)
	}
	description, err := NewDescription(" chat message ")
	if err != nil || description.String() != "chat message" {
		t.Fatalf("unexpected description %q, %v", description.String(), err)
	}
}

func TestNewExternalRef(t *testing.T) {
	t.Parallel()
	if _, err := NewExternalRef(""); !errors.Is(err, ErrInvalidExternalRef) {
		t.Fatalf("expected ErrInvalidExternalRef, got %v", err)
	}
	ref, err := NewExternalRef(" pi_1 ")
	if err != nil || ref.String() != "pi_1" {
		t.Fatalf("unexpected ref %q, %v", ref.String(), err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil || metadata.String() != "{}" {
		t.Fatalf("expected default metadata, got %q, %v", metadata.String(), err)
	}
	if _, err := NewMetadataJSON("{"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	if (MetadataJSON{}).String() != "{}" {
		t.Fatalf("expected zero metadata to render as {}")
	}
}

func TestMetadataFromMap(t *testing.T) {
	t.Parallel()
	metadata, err := MetadataFromMap(map[string]string{"tier": "pro"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metadata.String() != `{"tier":"pro"}` {
		t.Fatalf("unexpected metadata %q", metadata.String())
	}
}

func TestParseTransactionTypeAndStatus(t *testing.T) {
	t.Parallel()
	transactionType, err := ParseTransactionType("use")
	if err != nil || transactionType != TransactionUse {
		t.Fatalf("unexpected type %q, %v", transactionType, err)
	}
	if _, err := ParseTransactionType("HOLD"); !errors.Is(err, ErrInvalidTransactionType) {
		t.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
	status, err := ParseTransactionStatus("completed")
	if err != nil || status != TransactionCompleted {
		t.Fatalf("unexpected status %q, %v", status, err)
	}
	if _, err := ParseTransactionStatus("DONE"); !errors.Is(err, ErrInvalidTransactionStatus) {
		t.Fatalf("expected ErrInvalidTransactionStatus, got %v", err)
	}
}

func TestTransactionSignedAmount(t *testing.T) {
	t.Parallel()
	createdAt := time.Unix(1700000000, 0).UTC()
	cases := []struct {
		name        string
		transaction Transaction
		want        int64
	}{
		{name: "purchase", transaction: Transaction{Type: TransactionPurchase, Status: TransactionCompleted, Amount: 100, CreatedAt: createdAt}, want: 100},
		{name: "refund", transaction: Transaction{Type: TransactionRefund, Status: TransactionCompleted, Amount: 10, CreatedAt: createdAt}, want: 10},
		{name: "use", transaction: Transaction{Type: TransactionUse, Status: TransactionCompleted, Amount: 10, CreatedAt: createdAt}, want: -10},
		{name: "failed", transaction: Transaction{Type: TransactionPurchase, Status: TransactionFailed, Amount: 10, CreatedAt: createdAt}, want: 0},
		{name: "pending", transaction: Transaction{Type: TransactionUse, Status: TransactionPending, Amount: 10, CreatedAt: createdAt}, want: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.transaction.SignedAmount(); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}
