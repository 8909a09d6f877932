// Package policy holds the explicit degradation and compensation policies of the billing core.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPolicy is returned when a policy name cannot be parsed.
var ErrInvalidPolicy = errors.New("invalid policy")

// FailurePolicy decides what a component does when its backing store is unreachable.
type FailurePolicy string

const (
	// FailOpen lets the request proceed.
	FailOpen FailurePolicy = "FAIL_OPEN"
	// FailClosed refuses the request.
	FailClosed FailurePolicy = "FAIL_CLOSED"
)

// ParseFailurePolicy accepts FAIL_OPEN/FAIL_CLOSED in any case, with "-" or "_". Empty input
// yields the fallback.
func ParseFailurePolicy(raw string, fallback FailurePolicy) (FailurePolicy, error) {
	switch normalize(raw) {
	case "":
		return fallback, nil
	case string(FailOpen), "OPEN":
		return FailOpen, nil
	case string(FailClosed), "CLOSED":
		return FailClosed, nil
	default:
		return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidPolicy, raw)
	}
}

// AllowsOnFailure reports whether the request proceeds when the store fails.
func (failurePolicy FailurePolicy) AllowsOnFailure() bool {
	return failurePolicy == FailOpen
}

// String returns the canonical name.
func (failurePolicy FailurePolicy) String() string {
	return string(failurePolicy)
}

// CompensationPolicy decides what happens to a successful debit whose metered action fails.
type CompensationPolicy string

const (
	// CompensateNone keeps the debit.
	CompensateNone CompensationPolicy = "NONE"
	// CompensateRefund issues a refund keyed on the usage transaction.
	CompensateRefund CompensationPolicy = "REFUND"
)

// ParseCompensationPolicy accepts NONE/REFUND in any case. Empty input yields CompensateNone.
func ParseCompensationPolicy(raw string) (CompensationPolicy, error) {
	switch normalize(raw) {
	case "", string(CompensateNone):
		return CompensateNone, nil
	case string(CompensateRefund):
		return CompensateRefund, nil
	default:
		return "", fmt.Errorf("%w: unknown compensation policy %q", ErrInvalidPolicy, raw)
	}
}

// String returns the canonical name.
func (compensationPolicy CompensationPolicy) String() string {
	return string(compensationPolicy)
}

func normalize(raw string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "-", "_")
}
