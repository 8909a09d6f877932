// Package ratelimit throttles requests per (identity, class) with a sliding window.
//
// Stores report the raw decision; the Limiter applies the configured failure policy when a store
// cannot be reached.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/policy"
	"go.uber.org/zap"
)

var (
	// ErrRateLimited is returned to callers that exceeded their window.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidIdentity is returned for empty identities.
	ErrInvalidIdentity = errors.New("invalid rate limit identity")
	// ErrUnknownClass is returned for classes without a configured limit.
	ErrUnknownClass = errors.New("unknown rate limit class")
	// ErrInvalidLimit is returned for non-positive limits or windows.
	ErrInvalidLimit = errors.New("invalid rate limit")
)

// Class separates independent budgets for the same identity.
type Class string

const (
	// ClassAPI covers general API traffic.
	ClassAPI Class = "api"
	// ClassAuth counts failed authentication attempts per client address.
	ClassAuth Class = "auth"
	// ClassPayment covers payment-intent creation.
	ClassPayment Class = "payment"
)

const (
	defaultKeyPrefix = "tokenledger:ratelimit:"
	defaultTimeout   = 250 * time.Millisecond
	failClosedRetry  = time.Second
)

// Limit allows Requests per trailing Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Validate rejects non-positive values.
func (limit Limit) Validate() error {
	if limit.Requests <= 0 {
		return fmt.Errorf("%w: requests must be positive", ErrInvalidLimit)
	}
	if limit.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidLimit)
	}
	return nil
}

// Limits maps each class to its window.
type Limits map[Class]Limit

// DefaultLimits keeps auth and payment materially tighter than general API traffic.
func DefaultLimits() Limits {
	return Limits{
		ClassAPI:     {Requests: 120, Window: time.Minute},
		ClassAuth:    {Requests: 5, Window: 15 * time.Minute},
		ClassPayment: {Requests: 10, Window: time.Hour},
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Degraded is set when the store failed and the failure policy decided.
	Degraded bool
}

// Err returns ErrRateLimited for denied decisions.
func (decision Decision) Err() error {
	if decision.Allowed {
		return nil
	}
	return ErrRateLimited
}

// Store records one hit for key and reports whether it fits inside limit.
type Store interface {
	Hit(ctx context.Context, key string, limit Limit, now time.Time) (Decision, error)
}

// Recorder observes decisions, for metrics.
type Recorder interface {
	RecordRateLimit(class string, allowed bool, degraded bool)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits replaces the per-class limits.
func WithLimits(limits Limits) Option {
	return func(limiter *Limiter) {
		if len(limits) > 0 {
			limiter.limits = limits
		}
	}
}

// WithFailurePolicy selects FAIL_OPEN or FAIL_CLOSED for store failures.
func WithFailurePolicy(failurePolicy policy.FailurePolicy) Option {
	return func(limiter *Limiter) {
		if failurePolicy != "" {
			limiter.failurePolicy = failurePolicy
		}
	}
}

// WithTimeout bounds each store call.
func WithTimeout(timeout time.Duration) Option {
	return func(limiter *Limiter) {
		if timeout > 0 {
			limiter.timeout = timeout
		}
	}
}

// WithPrefix sets the store key prefix.
func WithPrefix(prefix string) Option {
	return func(limiter *Limiter) {
		if prefix != "" {
			limiter.prefix = prefix
		}
	}
}

// WithLogger sets the logger used to report degradation.
func WithLogger(logger *zap.Logger) Option {
	return func(limiter *Limiter) {
		if logger != nil {
			limiter.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(limiter *Limiter) {
		if now != nil {
			limiter.now = now
		}
	}
}

// WithRecorder wires a decision observer.
func WithRecorder(recorder Recorder) Option {
	return func(limiter *Limiter) {
		limiter.recorder = recorder
	}
}

// Limiter applies per-class limits over a Store.
type Limiter struct {
	store         Store
	limits        Limits
	failurePolicy policy.FailurePolicy
	timeout       time.Duration
	prefix        string
	logger        *zap.Logger
	now           func() time.Time
	recorder      Recorder
}

// New builds a Limiter. The default failure policy is FAIL_OPEN.
func New(store Store, options ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is nil")
	}
	limiter := &Limiter{
		store:         store,
		limits:        DefaultLimits(),
		failurePolicy: policy.FailOpen,
		timeout:       defaultTimeout,
		prefix:        defaultKeyPrefix,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	for class, limit := range limiter.limits {
		if err := limit.Validate(); err != nil {
			return nil, fmt.Errorf("ratelimit: class %s: %w", class, err)
		}
	}
	return limiter, nil
}

// Allow records a request for identity in class and reports whether it may proceed.
// Errors are returned only for invalid input; store failures are resolved by the failure policy.
func (limiter *Limiter) Allow(ctx context.Context, identity string, class Class) (Decision, error) {
	normalized := strings.TrimSpace(identity)
	if normalized == "" {
		return Decision{}, ErrInvalidIdentity
	}
	limit, ok := limiter.limits[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	storeContext, cancel := context.WithTimeout(ctx, limiter.timeout)
	defer cancel()
	decision, err := limiter.store.Hit(storeContext, limiter.key(class, normalized), limit, limiter.now())
	if err != nil {
		decision = limiter.degrade(class, normalized, err)
	}
	if limiter.recorder != nil {
		limiter.recorder.RecordRateLimit(string(class), decision.Allowed, decision.Degraded)
	}
	return decision, nil
}

// Limit returns the configured limit for class.
func (limiter *Limiter) Limit(class Class) (Limit, bool) {
	limit, ok := limiter.limits[class]
	return limit, ok
}

func (limiter *Limiter) degrade(class Class, identity string, err error) Decision {
	if limiter.failurePolicy.AllowsOnFailure() {
		limiter.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("class", string(class)),
			zap.String("identity", identity),
			zap.String("policy", limiter.failurePolicy.String()),
			zap.Error(err),
		)
		return Decision{Allowed: true, Degraded: true}
	}
	limiter.logger.Error("rate limit store unavailable, denying request",
		zap.String("class", string(class)),
		zap.String("identity", identity),
		zap.String("policy", limiter.failurePolicy.String()),
		zap.Error(err),
	)
	return Decision{Allowed: false, Degraded: true, RetryAfter: failClosedRetry}
}

func (limiter *Limiter) key(class Class, identity string) string {
	return limiter.prefix + string(class) + ":" + identity
}

// ParseClass validates a class name.
func ParseClass(raw string) (Class, error) {
	switch Class(strings.ToLower(strings.TrimSpace(raw))) {
	case ClassAPI:
		return ClassAPI, nil
	case ClassAuth:
		return ClassAuth, nil
	case ClassPayment:
		return ClassPayment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, raw)
	}
}
