package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapErrorExposesSegments(test *testing.T) {
	test.Parallel()
	base := errors.New("boom")
	wrapped := WrapError("debit", "store", "failure", base)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "debit" || operationError.Subject() != "store" || operationError.Code() != "failure" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if !errors.Is(wrapped, base) {
		test.Fatalf("expected wrapped error to unwrap to base")
	}
	if wrapped.Error() != "debit.store.failure: boom" {
		test.Fatalf("unexpected message %q", wrapped.Error())
	}
	if WrapError("debit", "store", "failure", nil) != nil {
		test.Fatalf("expected nil for nil error")
	}
}

func TestClassifyStoreError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		input   error
		wantErr error
	}{
		{name: "generic", input: errors.New("connection refused"), wantErr: ErrPersistence},
		{name: "deadline", input: fmt.Errorf("query: %w", context.DeadlineExceeded), wantErr: ErrPersistenceTimeout},
		{name: "already classified", input: fmt.Errorf("%w: x", ErrPersistenceTimeout), wantErr: ErrPersistenceTimeout},
		{name: "validation passes through", input: fmt.Errorf("%w: x", ErrInvalidAmount), wantErr: ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := classifyStoreError(operationDebit, testCase.input)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if !errors.Is(err, testCase.input) && !errors.Is(testCase.input, err) {
				test.Fatalf("expected original chain to be preserved: %v", err)
			}
		})
	}
	if classifyStoreError(operationDebit, nil) != nil {
		test.Fatalf("expected nil")
	}
}

func TestErrorPredicates(test *testing.T) {
	test.Parallel()
	if !IsValidationError(fmt.Errorf("%w: x", ErrInvalidUserID)) {
		test.Fatalf("expected validation error")
	}
	if IsValidationError(ErrInsufficientBalance) {
		test.Fatalf("insufficient balance is a business rule, not validation")
	}
	if !IsPersistenceError(ErrPersistenceTimeout) || !IsTimeout(ErrPersistenceTimeout) {
		test.Fatalf("expected timeout to count as persistence error")
	}
	if IsTimeout(ErrPersistence) {
		test.Fatalf("plain persistence failure is not a timeout")
	}
}
