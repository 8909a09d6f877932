package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. Debit, Credit and Refund are the only
// mutation entry points; each one is a single atomic store call.
type Service struct {
	store        Store
	nowFn        func() time.Time
	logger       OperationLogger
	storeTimeout time.Duration
	newID        func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		storeTimeout: defaultStoreTimeout,
		newID:        uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Debit removes amount from the user's balance if, and only if, the balance covers it.
// A rejected debit is not an error: the result carries OK=false and nothing is written.
func (service *Service) Debit(ctx context.Context, userID UserID, amount TokenAmount, description Description, metadata MetadataJSON) (DebitResult, error) {
	if err := validateMutation(userID, amount, description); err != nil {
		return DebitResult{}, err
	}
	command := DebitCommand{
		TransactionID: service.newID(),
		UserID:        userID,
		Amount:        amount,
		Description:   description,
		Metadata:      metadata,
		CreatedAt:     service.nowFn().UTC(),
	}
	storeContext, cancel := service.boundedContext(ctx)
	outcome, storeErr := service.store.ApplyDebit(storeContext, command)
	cancel()
	operationError := classifyStoreError(operationDebit, storeErr)

	result := DebitResult{OK: outcome.Applied, Balance: outcome.Balance}
	status := ""
	if operationError == nil {
		if outcome.Applied {
			result.TransactionID = command.TransactionID
		} else {
			status = OperationStatusRejected
		}
	} else {
		result = DebitResult{}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		UserID:        userID,
		Amount:        amount,
		TransactionID: result.TransactionID,
		Balance:       result.Balance,
		Status:        status,
		Error:         operationError,
	})
	return result, operationError
}

// Credit records a completed purchase for externalRef. Replaying the same reference is an
// idempotent no-op reported through CreditResult.Duplicate.
func (service *Service) Credit(ctx context.Context, userID UserID, amount TokenAmount, description Description, externalRef ExternalRef, metadata MetadataJSON) (CreditResult, error) {
	return service.applyCredit(ctx, operationCredit, TransactionPurchase, userID, amount, description, externalRef, metadata)
}

// Refund returns tokens for a usage transaction. externalRef names the compensated usage
// transaction so a refund is applied at most once.
func (service *Service) Refund(ctx context.Context, userID UserID, amount TokenAmount, description Description, externalRef ExternalRef, metadata MetadataJSON) (CreditResult, error) {
	return service.applyCredit(ctx, operationRefund, TransactionRefund, userID, amount, description, externalRef, metadata)
}

func (service *Service) applyCredit(ctx context.Context, operation string, transactionType TransactionType, userID UserID, amount TokenAmount, description Description, externalRef ExternalRef, metadata MetadataJSON) (CreditResult, error) {
	if err := validateMutation(userID, amount, description); err != nil {
		return CreditResult{}, err
	}
	if externalRef.String() == "" {
		return CreditResult{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	command := CreditCommand{
		TransactionID: service.newID(),
		UserID:        userID,
		Type:          transactionType,
		Amount:        amount,
		Description:   description,
		ExternalRef:   externalRef,
		Metadata:      metadata,
		CreatedAt:     service.nowFn().UTC(),
	}
	storeContext, cancel := service.boundedContext(ctx)
	outcome, storeErr := service.store.ApplyCredit(storeContext, command)
	cancel()
	operationError := classifyStoreError(operation, storeErr)

	result := CreditResult{}
	status := ""
	if operationError == nil {
		result = CreditResult{OK: outcome.Applied, Duplicate: outcome.Duplicate, Balance: outcome.Balance}
		if outcome.Applied {
			result.TransactionID = command.TransactionID
		}
		if outcome.Duplicate {
			status = OperationStatusDuplicate
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		UserID:        userID,
		Amount:        amount,
		ExternalRef:   externalRef,
		TransactionID: result.TransactionID,
		Balance:       result.Balance,
		Status:        status,
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if service.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, service.storeTimeout)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateMutation(userID UserID, amount TokenAmount, description Description) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if userID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if description.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	return nil
}

// IsTimeout reports whether err came from a store call that exceeded its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPersistenceTimeout)
}
