package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenAmount is a strictly positive quantity of tokens.
type TokenAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// Description is the human-readable label stored on a transaction.
type Description struct {
	value string
}

// ExternalRef is the processor-issued (or usage-derived) identifier that deduplicates credits.
type ExternalRef struct {
	value string
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// TransactionType enumerates balance-affecting event kinds.
type TransactionType string

const (
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionUse      TransactionType = "USE"
	TransactionRefund   TransactionType = "REFUND"
)

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

const maxDescriptionLength = 512

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTokenAmount validates an amount and ensures it is strictly positive.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 exposes the raw amount.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// NewDescription validates a transaction description.
func NewDescription(raw string) (Description, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Description{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if len(trimmed) > maxDescriptionLength {
		return Description{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidDescription, maxDescriptionLength)
	}
	return Description{value: trimmed}, nil
}

// String returns the normalized description.
func (description Description) String() string {
	return description.value
}

// NewExternalRef validates an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
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

// MetadataFromMap encodes a flat string map as metadata.
func MetadataFromMap(values map[string]string) (MetadataJSON, error) {
	if len(values) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionUse:
		return TransactionUse, nil
	case TransactionRefund:
		return TransactionRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Sign returns +1 for balance-increasing types and -1 for usage.
func (transactionType TransactionType) Sign() int64 {
	if transactionType == TransactionUse {
		return -1
	}
	return 1
}

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case TransactionPending:
		return TransactionPending, nil
	case TransactionCompleted:
		return TransactionCompleted, nil
	case TransactionFailed:
		return TransactionFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// Transaction is a single immutable line of the transaction log.
type Transaction struct {
	ID          string
	UserID      string
	Type        TransactionType
	Amount      int64
	Description string
	Status      TransactionStatus
	ExternalRef string
	Metadata    string
	CreatedAt   time.Time
}

// SignedAmount returns the balance effect of a completed transaction.
func (transaction Transaction) SignedAmount() int64 {
	if transaction.Status != TransactionCompleted {
		return 0
	}
	return transaction.Type.Sign() * transaction.Amount
}

// DebitCommand is the input of one atomic debit at the store.
type DebitCommand struct {
	TransactionID string
	UserID        UserID
	Amount        TokenAmount
	Description   Description
	Metadata      MetadataJSON
	CreatedAt     time.Time
}

// DebitOutcome reports what the store did for a debit.
type DebitOutcome struct {
	Applied bool
	Balance int64
}

// CreditCommand is the input of one atomic credit (purchase or refund) at the store.
type CreditCommand struct {
	TransactionID string
	UserID        UserID
	Type          TransactionType
	Amount        TokenAmount
	Description   Description
	ExternalRef   ExternalRef
	Metadata      MetadataJSON
	CreatedAt     time.Time
}

// CreditOutcome reports what the store did for a credit.
type CreditOutcome struct {
	Applied   bool
	Duplicate bool
	Balance   int64
}

// DebitResult is returned by Service.Debit.
type DebitResult struct {
	OK            bool
	Balance       int64
	TransactionID string
}

// CreditResult is returned by Service.Credit and Service.Refund.
type CreditResult struct {
	OK            bool
	Duplicate     bool
	Balance       int64
	TransactionID string
}

// Store is the persistence contract used by Service. Every mutating method must be a single
// atomic operation at the storage layer.
type Store interface {
	ApplyDebit(ctx context.Context, command DebitCommand) (DebitOutcome, error)
	ApplyCredit(ctx context.Context, command CreditCommand) (CreditOutcome, error)
	Balance(ctx context.Context, userID UserID) (int64, error)
	ListTransactions(ctx context.Context, userID UserID, before time.Time, limit int) ([]Transaction, error)
}
