// Package memstore is an in-process ledger.Store for development and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
)

// Store keeps balances, transactions and customers in memory. A single mutex makes every
// method atomic.
type Store struct {
	mu           sync.Mutex
	balances     map[string]int64
	transactions []ledger.Transaction
	completed    map[string]struct{}
	customers    map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		balances:  make(map[string]int64),
		completed: make(map[string]struct{}),
		customers: make(map[string]string),
	}
}

func (store *Store) ApplyDebit(ctx context.Context, command ledger.DebitCommand) (ledger.DebitOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ledger.DebitOutcome{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	userKey := command.UserID.String()
	balance := store.balances[userKey]
	if balance < command.Amount.Int64() {
		return ledger.DebitOutcome{Applied: false, Balance: balance}, nil
	}
	balance -= command.Amount.Int64()
	store.balances[userKey] = balance
	store.transactions = append(store.transactions, ledger.Transaction{
		ID:          command.TransactionID,
		UserID:      userKey,
		Type:        ledger.TransactionUse,
		Amount:      command.Amount.Int64(),
		Description: command.Description.String(),
		Status:      ledger.TransactionCompleted,
		Metadata:    command.Metadata.String(),
		CreatedAt:   command.CreatedAt.UTC(),
	})
	return ledger.DebitOutcome{Applied: true, Balance: balance}, nil
}

func (store *Store) ApplyCredit(ctx context.Context, command ledger.CreditCommand) (ledger.CreditOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ledger.CreditOutcome{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	userKey := command.UserID.String()
	refKey := command.Type.String() + "\x00" + command.ExternalRef.String()
	if _, exists := store.completed[refKey]; exists {
		return ledger.CreditOutcome{Duplicate: true, Balance: store.balances[userKey]}, nil
	}
	store.completed[refKey] = struct{}{}
	balance := store.balances[userKey] + command.Amount.Int64()
	store.balances[userKey] = balance
	store.transactions = append(store.transactions, ledger.Transaction{
		ID:          command.TransactionID,
		UserID:      userKey,
		Type:        command.Type,
		Amount:      command.Amount.Int64(),
		Description: command.Description.String(),
		Status:      ledger.TransactionCompleted,
		ExternalRef: command.ExternalRef.String(),
		Metadata:    command.Metadata.String(),
		CreatedAt:   command.CreatedAt.UTC(),
	})
	return ledger.CreditOutcome{Applied: true, Balance: balance}, nil
}

func (store *Store) Balance(ctx context.Context, userID ledger.UserID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID.String()], nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	result := make([]ledger.Transaction, 0)
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.UserID == userID.String() && transaction.CreatedAt.Before(before) {
			result = append(result, transaction)
		}
	}
	sort.SliceStable(result, func(left, right int) bool {
		return result[left].CreatedAt.After(result[right].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CustomerID returns the processor customer id stored for userID.
func (store *Store) CustomerID(ctx context.Context, userID ledger.UserID) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	customerID, found := store.customers[userID.String()]
	return customerID, found, nil
}

// SaveCustomerID stores customerID unless one already exists, and returns the stored value.
func (store *Store) SaveCustomerID(ctx context.Context, userID ledger.UserID, customerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, found := store.customers[userID.String()]; found {
		return existing, nil
	}
	store.customers[userID.String()] = customerID
	return customerID, nil
}

// Ping always succeeds.
func (store *Store) Ping(context.Context) error {
	return nil
}

// Migrate is a no-op.
func (store *Store) Migrate(context.Context) error {
	return nil
}
