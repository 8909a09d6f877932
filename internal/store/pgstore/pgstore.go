package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectCustomer  = "customer"
	errorSubjectDebit     = "debit"
	errorSubjectCredit    = "credit"
	errorSubjectSchema    = "schema"
	errorSubjectEntry     = "transaction"
	errorCodeCall         = "call"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
	errorCodeSave         = "save"

	sqlCallDebit = `
		select applied, balance_after
		from ledger_debit($1, $2, $3, $4::uuid, $5::jsonb, $6)
	`

	sqlCallCredit = `
		select applied, duplicate, balance_after
		from ledger_credit($1, $2, $3, $4, $5, $6::uuid, $7::jsonb, $8)
	`

	sqlSelectBalance = `
		select coalesce((select token_balance from accounts where user_id = $1), 0)
	`

	sqlListTransactionsBefore = `
		select
			id::text,
			user_id,
			type,
			amount,
			description,
			status,
			coalesce(external_ref, ''),
			coalesce(metadata::text, '{}'),
			created_at
		from transactions
		where user_id = $1 and created_at < $2
		order by created_at desc, id desc
		limit $3
	`

	sqlSelectCustomer = `
		select customer_id from customers where user_id = $1
	`

	sqlInsertCustomer = `
		insert into customers (user_id, customer_id) values ($1, $2)
		on conflict (user_id) do nothing
	`
)

// Store implements ledger.Store by calling the ledger_debit and ledger_credit stored procedures.
// Each mutation is one server-side statement.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates tables, indexes and stored procedures. It is idempotent.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping verifies connectivity.
func (store *Store) Ping(ctx context.Context) error {
	return store.pool.Ping(ctx)
}

func (store *Store) ApplyDebit(ctx context.Context, command ledger.DebitCommand) (ledger.DebitOutcome, error) {
	var outcome ledger.DebitOutcome
	err := store.pool.QueryRow(ctx, sqlCallDebit,
		command.UserID.String(),
		command.Amount.Int64(),
		command.Description.String(),
		command.TransactionID,
		command.Metadata.String(),
		command.CreatedAt,
	).Scan(&outcome.Applied, &outcome.Balance)
	if err != nil {
		return ledger.DebitOutcome{}, wrapStoreError(errorSubjectDebit, errorCodeCall, err)
	}
	return outcome, nil
}

func (store *Store) ApplyCredit(ctx context.Context, command ledger.CreditCommand) (ledger.CreditOutcome, error) {
	var outcome ledger.CreditOutcome
	err := store.pool.QueryRow(ctx, sqlCallCredit,
		command.UserID.String(),
		command.Type.String(),
		command.Amount.Int64(),
		command.Description.String(),
		command.ExternalRef.String(),
		command.TransactionID,
		command.Metadata.String(),
		command.CreatedAt,
	).Scan(&outcome.Applied, &outcome.Duplicate, &outcome.Balance)
	if isUniqueViolation(err) {
		// Two racing first deliveries: the loser of the index race is a duplicate.
		balance, balanceErr := store.Balance(ctx, command.UserID)
		if balanceErr != nil {
			return ledger.CreditOutcome{}, balanceErr
		}
		return ledger.CreditOutcome{Duplicate: true, Balance: balance}, nil
	}
	if err != nil {
		return ledger.CreditOutcome{}, wrapStoreError(errorSubjectCredit, errorCodeCall, err)
	}
	return outcome, nil
}

func (store *Store) Balance(ctx context.Context, userID ledger.UserID) (int64, error) {
	var balance int64
	if err := store.pool.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&balance); err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return balance, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Transaction, error) {
	rows, err := store.pool.Query(ctx, sqlListTransactionsBefore, userID.String(), before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		var (
			transaction ledger.Transaction
			typeValue   string
			statusValue string
		)
		if err := rows.Scan(
			&transaction.ID,
			&transaction.UserID,
			&typeValue,
			&transaction.Amount,
			&transaction.Description,
			&statusValue,
			&transaction.ExternalRef,
			&transaction.Metadata,
			&transaction.CreatedAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		if transaction.Type, err = ledger.ParseTransactionType(typeValue); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		if transaction.Status, err = ledger.ParseTransactionStatus(statusValue); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transaction.CreatedAt = transaction.CreatedAt.UTC()
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return transactions, nil
}

// CustomerID returns the processor customer id stored for userID.
func (store *Store) CustomerID(ctx context.Context, userID ledger.UserID) (string, bool, error) {
	var customerID string
	err := store.pool.QueryRow(ctx, sqlSelectCustomer, userID.String()).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectCustomer, errorCodeLookup, err)
	}
	return customerID, true, nil
}

// SaveCustomerID stores customerID unless one already exists, and returns the stored value.
func (store *Store) SaveCustomerID(ctx context.Context, userID ledger.UserID, customerID string) (string, error) {
	if _, err := store.pool.Exec(ctx, sqlInsertCustomer, userID.String(), customerID); err != nil {
		return "", wrapStoreError(errorSubjectCustomer, errorCodeSave, err)
	}
	stored, found, err := store.CustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", wrapStoreError(errorSubjectCustomer, errorCodeSave, pgx.ErrNoRows)
	}
	return stored, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
