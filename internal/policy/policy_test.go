package policy

import (
	"errors"
	"testing"
)

func TestParseFailurePolicy(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		input    string
		fallback FailurePolicy
		want     FailurePolicy
		wantErr  error
	}{
		{name: "empty uses fallback", input: "", fallback: FailClosed, want: FailClosed},
		{name: "open", input: "fail-open", fallback: FailClosed, want: FailOpen},
		{name: "closed short", input: " closed ", fallback: FailOpen, want: FailClosed},
		{name: "canonical", input: "FAIL_CLOSED", fallback: FailOpen, want: FailClosed},
		{name: "unknown", input: "sometimes", fallback: FailOpen, wantErr: ErrInvalidPolicy},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			got, err := ParseFailurePolicy(testCase.input, testCase.fallback)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil || got != testCase.want {
				test.Fatalf("expected %s, got %s (%v)", testCase.want, got, err)
			}
		})
	}
}

func TestFailurePolicyAllowsOnFailure(test *testing.T) {
	test.Parallel()
	if !FailOpen.AllowsOnFailure() {
		test.Fatalf("fail open must allow")
	}
	if FailClosed.AllowsOnFailure() {
		test.Fatalf("fail closed must deny")
	}
}

func TestParseCompensationPolicy(test *testing.T) {
	test.Parallel()
	if got, err := ParseCompensationPolicy(""); err != nil || got != CompensateNone {
		test.Fatalf("expected NONE default, got %s, %v", got, err)
	}
	if got, err := ParseCompensationPolicy("refund"); err != nil || got != CompensateRefund {
		test.Fatalf("expected REFUND, got %s, %v", got, err)
	}
	if _, err := ParseCompensationPolicy("retry"); !errors.Is(err, ErrInvalidPolicy) {
		test.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}
