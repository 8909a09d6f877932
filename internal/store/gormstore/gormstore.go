package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectCustomer  = "customer"
	errorSubjectDebit     = "debit"
	errorSubjectCredit    = "credit"
	errorSubjectEntry     = "transaction"
	errorSubjectSchema    = "schema"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
	errorCodeSave         = "save"
	errorCodeTransaction  = "transaction"

	completedRefPredicate = "status = 'COMPLETED' AND external_ref IS NOT NULL"
)

var errCreditDuplicate = errors.New("credit duplicate")

// Store implements ledger.Store using GORM against Postgres or SQLite. Each mutation runs
// inside one database transaction whose first write is a guarded statement.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping verifies connectivity.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (store *Store) ApplyDebit(ctx context.Context, command ledger.DebitCommand) (ledger.DebitOutcome, error) {
	var outcome ledger.DebitOutcome
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		update := transaction.Model(&Account{}).
			Where("user_id = ? AND token_balance >= ?", command.UserID.String(), command.Amount.Int64()).
			Updates(map[string]any{
				"token_balance": gorm.Expr("token_balance - ?", command.Amount.Int64()),
				"updated_at":    createdAtOrNow(command.CreatedAt),
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			balance, err := balanceOf(transaction, command.UserID)
			if err != nil {
				return err
			}
			outcome = ledger.DebitOutcome{Applied: false, Balance: balance}
			return nil
		}
		row := Transaction{
			ID:          command.TransactionID,
			UserID:      command.UserID.String(),
			Type:        ledger.TransactionUse.String(),
			Amount:      command.Amount.Int64(),
			Description: command.Description.String(),
			Status:      ledger.TransactionCompleted.String(),
			Metadata:    datatypesJSON(command.Metadata.String()),
			CreatedAt:   createdAtOrNow(command.CreatedAt),
		}
		if err := transaction.Create(&row).Error; err != nil {
			return err
		}
		balance, err := balanceOf(transaction, command.UserID)
		if err != nil {
			return err
		}
		outcome = ledger.DebitOutcome{Applied: true, Balance: balance}
		return nil
	})
	if err != nil {
		return ledger.DebitOutcome{}, wrapStoreError(errorSubjectDebit, errorCodeTransaction, err)
	}
	return outcome, nil
}

func (store *Store) ApplyCredit(ctx context.Context, command ledger.CreditCommand) (ledger.CreditOutcome, error) {
	var outcome ledger.CreditOutcome
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		externalRef := command.ExternalRef.String()
		row := Transaction{
			ID:          command.TransactionID,
			UserID:      command.UserID.String(),
			Type:        command.Type.String(),
			Amount:      command.Amount.Int64(),
			Description: command.Description.String(),
			Status:      ledger.TransactionCompleted.String(),
			ExternalRef: &externalRef,
			Metadata:    datatypesJSON(command.Metadata.String()),
			CreatedAt:   createdAtOrNow(command.CreatedAt),
		}
		insert := transaction.Clauses(clause.OnConflict{
			Columns:     []clause.Column{{Name: "type"}, {Name: "external_ref"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: completedRefPredicate}}},
			DoNothing:   true,
		}).Create(&row)
		if isUniqueViolation(insert.Error) {
			return errCreditDuplicate
		}
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return errCreditDuplicate
		}
		if err := incrementBalance(transaction, command.UserID, command.Amount.Int64(), row.CreatedAt); err != nil {
			return err
		}
		balance, err := balanceOf(transaction, command.UserID)
		if err != nil {
			return err
		}
		outcome = ledger.CreditOutcome{Applied: true, Balance: balance}
		return nil
	})
	if errors.Is(err, errCreditDuplicate) {
		balance, balanceErr := store.Balance(ctx, command.UserID)
		if balanceErr != nil {
			return ledger.CreditOutcome{}, balanceErr
		}
		return ledger.CreditOutcome{Duplicate: true, Balance: balance}, nil
	}
	if err != nil {
		return ledger.CreditOutcome{}, wrapStoreError(errorSubjectCredit, errorCodeTransaction, err)
	}
	return outcome, nil
}

func (store *Store) Balance(ctx context.Context, userID ledger.UserID) (int64, error) {
	balance, err := balanceOf(store.db.WithContext(ctx), userID)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return balance, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before.UTC()).
		Order("created_at desc").
		Order("id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// CustomerID returns the processor customer id stored for userID.
func (store *Store) CustomerID(ctx context.Context, userID ledger.UserID) (string, bool, error) {
	var customer Customer
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Limit(1).Find(&customer).Error
	if err != nil {
		return "", false, wrapStoreError(errorSubjectCustomer, errorCodeLookup, err)
	}
	if customer.CustomerID == "" {
		return "", false, nil
	}
	return customer.CustomerID, true, nil
}

// SaveCustomerID stores customerID unless one already exists, and returns the stored value.
func (store *Store) SaveCustomerID(ctx context.Context, userID ledger.UserID, customerID string) (string, error) {
	customer := Customer{UserID: userID.String(), CustomerID: customerID, CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&customer).Error
	if err != nil && !isUniqueViolation(err) {
		return "", wrapStoreError(errorSubjectCustomer, errorCodeSave, err)
	}
	stored, found, err := store.CustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", wrapStoreError(errorSubjectCustomer, errorCodeSave, gorm.ErrRecordNotFound)
	}
	return stored, nil
}

// incrementBalance upserts the account so concurrent first credits for one user both land.
func incrementBalance(transaction *gorm.DB, userID ledger.UserID, amount int64, at time.Time) error {
	return transaction.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"token_balance": gorm.Expr("accounts.token_balance + excluded.token_balance"),
			"updated_at":    gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&Account{
		UserID:       userID.String(),
		TokenBalance: amount,
		CreatedAt:    at,
		UpdatedAt:    at,
	}).Error
}

func balanceOf(db *gorm.DB, userID ledger.UserID) (int64, error) {
	var account Account
	err := db.Where("user_id = ?", userID.String()).Limit(1).Find(&account).Error
	if err != nil {
		return 0, err
	}
	return account.TokenBalance, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	externalRef := ""
	if row.ExternalRef != nil {
		externalRef = *row.ExternalRef
	}
	metadata := string(row.Metadata)
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	return ledger.Transaction{
		ID:          row.ID,
		UserID:      row.UserID,
		Type:        transactionType,
		Amount:      row.Amount,
		Description: row.Description,
		Status:      status,
		ExternalRef: externalRef,
		Metadata:    metadata,
		CreatedAt:   row.CreatedAt.UTC(),
	}, nil
}

func createdAtOrNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		raw = defaultMetadataJSON
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
