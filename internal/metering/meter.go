// Package metering is the request-time entry point that debits tokens for a unit of usage.
// Debit always happens before the metered action runs.
package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/policy"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest marks malformed usage requests. The message names the field.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInsufficientBalance is returned when the debit was rejected; the action must not run.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	// ErrInvalidConfig is returned for missing dependencies.
	ErrInvalidConfig = errors.New("invalid meter config")
)

// Ledger is the subset of ledger.Service the meter uses.
type Ledger interface {
	Debit(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, description ledger.Description, metadata ledger.MetadataJSON) (ledger.DebitResult, error)
	Refund(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, description ledger.Description, externalRef ledger.ExternalRef, metadata ledger.MetadataJSON) (ledger.CreditResult, error)
}

// Request is one unit of metered usage.
type Request struct {
	UserID      string
	Amount      int64
	Description string
}

// Result describes the debit behind a usage request.
type Result struct {
	TransactionID string
	Balance       int64
	// Unbilled is set when the store failed and FAIL_OPEN let the action proceed without a debit.
	Unbilled bool
	// Refunded is set when a failed action was compensated.
	Refunded bool
}

// Action is the metered work, run only after a successful debit.
type Action func(ctx context.Context) error

// Option configures a Meter.
type Option func(*Meter)

// WithFailurePolicy sets the behavior when the ledger store fails. Default FAIL_CLOSED.
func WithFailurePolicy(failurePolicy policy.FailurePolicy) Option {
	return func(meter *Meter) {
		if failurePolicy != "" {
			meter.failurePolicy = failurePolicy
		}
	}
}

// WithCompensationPolicy sets what happens to a debit whose action fails. Default NONE.
func WithCompensationPolicy(compensationPolicy policy.CompensationPolicy) Option {
	return func(meter *Meter) {
		if compensationPolicy != "" {
			meter.compensationPolicy = compensationPolicy
		}
	}
}

// WithLogger sets the meter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(meter *Meter) {
		if logger != nil {
			meter.logger = logger
		}
	}
}

// Meter debits usage against the ledger.
type Meter struct {
	ledger             Ledger
	failurePolicy      policy.FailurePolicy
	compensationPolicy policy.CompensationPolicy
	logger             *zap.Logger
}

// New wires a Meter.
func New(tokenLedger Ledger, options ...Option) (*Meter, error) {
	if tokenLedger == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	}
	meter := &Meter{
		ledger:             tokenLedger,
		failurePolicy:      policy.FailClosed,
		compensationPolicy: policy.CompensateNone,
		logger:             zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(meter)
		}
	}
	return meter, nil
}

// Charge validates the request and debits it. ErrInsufficientBalance means the caller must not
// perform the action. Persistence failures are returned as-is under FAIL_CLOSED; under FAIL_OPEN
// the result is flagged Unbilled and the error is swallowed.
func (meter *Meter) Charge(ctx context.Context, request Request) (Result, error) {
	userID, amount, description, err := validate(request)
	if err != nil {
		return Result{}, err
	}
	debit, err := meter.ledger.Debit(ctx, userID, amount, description, ledger.MetadataJSON{})
	if err != nil {
		if ledger.IsPersistenceError(err) && meter.failurePolicy.AllowsOnFailure() {
			meter.logger.Error("usage debit failed, proceeding unbilled",
				zap.String("user_id", userID.String()),
				zap.Int64("amount", amount.Int64()),
				zap.String("policy", meter.failurePolicy.String()),
				zap.Error(err),
			)
			return Result{Unbilled: true}, nil
		}
		if ledger.IsPersistenceError(err) {
			meter.logger.Error("usage debit failed",
				zap.String("user_id", userID.String()),
				zap.Int64("amount", amount.Int64()),
				zap.Error(err),
			)
		}
		return Result{}, err
	}
	if !debit.OK {
		return Result{Balance: debit.Balance}, fmt.Errorf("%w: balance %d below %d", ErrInsufficientBalance, debit.Balance, amount.Int64())
	}
	return Result{TransactionID: debit.TransactionID, Balance: debit.Balance}, nil
}

// Run charges the request, then runs action. If the action fails and the compensation policy is
// REFUND, the debit is refunded once, keyed on its transaction id. The action error is returned.
func (meter *Meter) Run(ctx context.Context, request Request, action Action) (Result, error) {
	if action == nil {
		return Result{}, fmt.Errorf("%w: action is nil", ErrInvalidRequest)
	}
	result, err := meter.Charge(ctx, request)
	if err != nil {
		return result, err
	}
	actionErr := action(ctx)
	if actionErr == nil {
		return result, nil
	}
	if meter.compensationPolicy != policy.CompensateRefund || result.Unbilled || result.TransactionID == "" {
		return result, actionErr
	}
	// The action may have failed because ctx was cancelled; the refund must still land.
	refunded, refundErr := meter.refund(context.WithoutCancel(ctx), request, result.TransactionID)
	if refundErr != nil {
		meter.logger.Error("usage refund failed",
			zap.String("user_id", request.UserID),
			zap.String("transaction_id", result.TransactionID),
			zap.Error(refundErr),
		)
		return result, errors.Join(actionErr, refundErr)
	}
	result.Refunded = true
	result.Balance = refunded.Balance
	return result, actionErr
}

func (meter *Meter) refund(ctx context.Context, request Request, transactionID string) (ledger.CreditResult, error) {
	userID, amount, _, err := validate(request)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	description, err := ledger.NewDescription("Refund: " + strings.TrimSpace(request.Description))
	if err != nil {
		return ledger.CreditResult{}, err
	}
	externalRef, err := ledger.NewExternalRef(transactionID)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]string{"usage_transaction_id": transactionID})
	if err != nil {
		return ledger.CreditResult{}, err
	}
	return meter.ledger.Refund(ctx, userID, amount, description, externalRef, metadata)
}

func validate(request Request) (ledger.UserID, ledger.TokenAmount, ledger.Description, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return ledger.UserID{}, 0, ledger.Description{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	amount, err := ledger.NewTokenAmount(request.Amount)
	if err != nil {
		return ledger.UserID{}, 0, ledger.Description{}, fmt.Errorf("%w: amount must be a positive integer", ErrInvalidRequest)
	}
	description, err := ledger.NewDescription(request.Description)
	if err != nil {
		return ledger.UserID{}, 0, ledger.Description{}, fmt.Errorf("%w: description %s", ErrInvalidRequest, describeDescriptionError(request.Description))
	}
	return userID, amount, description, nil
}

func describeDescriptionError(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "is required"
	}
	return "is too long"
}
