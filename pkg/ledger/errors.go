package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidDescription       = errors.New("invalid description")
	ErrInvalidExternalRef       = errors.New("invalid external ref")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidListLimit         = errors.New("invalid list limit")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrPersistence              = errors.New("persistence failure")
	ErrPersistenceTimeout       = errors.New("persistence timeout")
)

var validationErrors = []error{
	ErrInvalidUserID,
	ErrInvalidAmount,
	ErrInvalidDescription,
	ErrInvalidExternalRef,
	ErrInvalidMetadataJSON,
	ErrInvalidListLimit,
}

// IsValidationError reports whether err is a client-side input failure.
func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsPersistenceError reports whether err is a store failure or timeout.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrPersistenceTimeout)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// classifyStoreError maps a raw store error onto the persistence taxonomy while keeping the
// original chain reachable through errors.Is/As.
func classifyStoreError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if IsPersistenceError(err) || IsValidationError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(operation, "store", "timeout", fmt.Errorf("%w: %w", ErrPersistenceTimeout, err))
	}
	return WrapError(operation, "store", "failure", fmt.Errorf("%w: %w", ErrPersistence, err))
}
