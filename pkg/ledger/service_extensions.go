package ledger

import (
	"context"
	"fmt"
	"time"
)

// Balance returns the user's current token balance. Users without an account have a zero balance.
func (service *Service) Balance(requestContext context.Context, userID UserID) (int64, error) {
	if userID.String() == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	storeContext, cancel := service.boundedContext(requestContext)
	defer cancel()
	balance, err := service.store.Balance(storeContext, userID)
	if err != nil {
		return 0, classifyStoreError(operationBalance, err)
	}
	return balance, nil
}

// ListTransactions lists the user's transactions created before the cutoff, newest first.
// A zero cutoff means now; a zero limit selects the default page size.
func (service *Service) ListTransactions(requestContext context.Context, userID UserID, before time.Time, limit int) ([]Transaction, error) {
	if userID.String() == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if before.IsZero() {
		before = service.nowFn().UTC().Add(time.Second)
	}
	storeContext, cancel := service.boundedContext(requestContext)
	defer cancel()
	transactions, err := service.store.ListTransactions(storeContext, userID, before, normalizedLimit)
	if err != nil {
		return nil, classifyStoreError(operationList, err)
	}
	return transactions, nil
}

func normalizeListLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidListLimit)
	case limit == 0:
		return defaultListLimit, nil
	case limit > maxListLimit:
		return maxListLimit, nil
	default:
		return limit, nil
	}
}
