package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/policy"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var errStoreDown = errors.New("store down")

type failingStore struct{}

func (failingStore) Hit(context.Context, string, Limit, time.Time) (Decision, error) {
	return Decision{}, errStoreDown
}

type recorderStub struct {
	mu        sync.Mutex
	decisions []string
}

func (recorder *recorderStub) RecordRateLimit(class string, allowed bool, degraded bool) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	label := class + ":denied"
	if allowed {
		label = class + ":allowed"
	}
	if degraded {
		label += ":degraded"
	}
	recorder.decisions = append(recorder.decisions, label)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func newClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func mustLimiter(test *testing.T, store Store, options ...Option) *Limiter {
	test.Helper()
	limiter, err := New(store, options...)
	if err != nil {
		test.Fatalf("limiter init failed: %v", err)
	}
	return limiter
}

func assertWindowBoundary(test *testing.T, store Store) {
	test.Helper()
	clock := newClock()
	limiter := mustLimiter(test, store,
		WithLimits(Limits{ClassAPI: {Requests: 3, Window: 10 * time.Second}}),
		WithClock(clock.Now),
	)
	for index := 0; index < 3; index++ {
		decision, err := limiter.Allow(context.Background(), "user-1", ClassAPI)
		if err != nil || !decision.Allowed {
			test.Fatalf("request %d: expected allowed, got %+v, %v", index+1, decision, err)
		}
		if decision.Remaining != 2-index {
			test.Fatalf("request %d: expected remaining %d, got %d", index+1, 2-index, decision.Remaining)
		}
		clock.Advance(time.Second)
	}
	denied, err := limiter.Allow(context.Background(), "user-1", ClassAPI)
	if err != nil || denied.Allowed {
		test.Fatalf("expected request N+1 to be denied, got %+v, %v", denied, err)
	}
	if !errors.Is(denied.Err(), ErrRateLimited) {
		test.Fatalf("expected ErrRateLimited, got %v", denied.Err())
	}
	if denied.RetryAfter != 7*time.Second {
		test.Fatalf("expected retry after 7s, got %s", denied.RetryAfter)
	}

	other, err := limiter.Allow(context.Background(), "user-2", ClassAPI)
	if err != nil || !other.Allowed {
		test.Fatalf("expected other identity to be independent, got %+v, %v", other, err)
	}

	clock.Advance(7 * time.Second)
	accepted, err := limiter.Allow(context.Background(), "user-1", ClassAPI)
	if err != nil || !accepted.Allowed {
		test.Fatalf("expected request after window to be accepted, got %+v, %v", accepted, err)
	}
}

func TestMemoryStoreWindowBoundary(test *testing.T) {
	test.Parallel()
	assertWindowBoundary(test, NewMemoryStore())
}

func TestClassesHaveIndependentBudgets(test *testing.T) {
	test.Parallel()
	limiter := mustLimiter(test, NewMemoryStore(), WithLimits(Limits{
		ClassAPI:     {Requests: 1, Window: time.Minute},
		ClassPayment: {Requests: 1, Window: time.Minute},
	}))
	if decision, _ := limiter.Allow(context.Background(), "user-1", ClassAPI); !decision.Allowed {
		test.Fatalf("expected api request allowed")
	}
	if decision, _ := limiter.Allow(context.Background(), "user-1", ClassPayment); !decision.Allowed {
		test.Fatalf("expected payment request allowed despite exhausted api budget")
	}
}

func TestDefaultLimitsAreTighterForAuthAndPayment(test *testing.T) {
	test.Parallel()
	limits := DefaultLimits()
	apiRate := float64(limits[ClassAPI].Requests) / limits[ClassAPI].Window.Seconds()
	for _, class := range []Class{ClassAuth, ClassPayment} {
		rate := float64(limits[class].Requests) / limits[class].Window.Seconds()
		if rate >= apiRate {
			test.Fatalf("expected %s to be tighter than api", class)
		}
	}
}

func TestAllowValidatesInput(test *testing.T) {
	test.Parallel()
	limiter := mustLimiter(test, AllowAllStore{})
	if _, err := limiter.Allow(context.Background(), "  ", ClassAPI); !errors.Is(err, ErrInvalidIdentity) {
		test.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	if _, err := limiter.Allow(context.Background(), "user-1", Class("bulk")); !errors.Is(err, ErrUnknownClass) {
		test.Fatalf("expected ErrUnknownClass, got %v", err)
	}
}

func TestNewRejectsInvalidLimits(test *testing.T) {
	test.Parallel()
	if _, err := New(AllowAllStore{}, WithLimits(Limits{ClassAPI: {Requests: 0, Window: time.Second}})); !errors.Is(err, ErrInvalidLimit) {
		test.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
	if _, err := New(nil); err == nil {
		test.Fatalf("expected error for nil store")
	}
}

func TestFailurePolicy(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		policy      policy.FailurePolicy
		wantAllowed bool
		wantLevel   string
	}{
		{name: "fail open", policy: policy.FailOpen, wantAllowed: true, wantLevel: "warn"},
		{name: "fail closed", policy: policy.FailClosed, wantAllowed: false, wantLevel: "error"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, logs := observer.New(zap.DebugLevel)
			recorder := &recorderStub{}
			limiter := mustLimiter(test, failingStore{},
				WithFailurePolicy(testCase.policy),
				WithLogger(zap.New(core)),
				WithRecorder(recorder),
			)
			decision, err := limiter.Allow(context.Background(), "user-1", ClassAPI)
			if err != nil {
				test.Fatalf("store failures must not surface as errors: %v", err)
			}
			if decision.Allowed != testCase.wantAllowed || !decision.Degraded {
				test.Fatalf("unexpected decision %+v", decision)
			}
			entries := logs.All()
			if len(entries) != 1 || entries[0].Level.String() != testCase.wantLevel {
				test.Fatalf("expected one %s log entry, got %+v", testCase.wantLevel, entries)
			}
			if len(recorder.decisions) != 1 {
				test.Fatalf("expected one recorded decision, got %v", recorder.decisions)
			}
		})
	}
}

func TestAllowAllStoreAlwaysAllows(test *testing.T) {
	test.Parallel()
	limiter := mustLimiter(test, AllowAllStore{}, WithLimits(Limits{ClassAuth: {Requests: 1, Window: time.Hour}}))
	for index := 0; index < 5; index++ {
		decision, err := limiter.Allow(context.Background(), "10.0.0.1", ClassAuth)
		if err != nil || !decision.Allowed {
			test.Fatalf("expected allow, got %+v, %v", decision, err)
		}
	}
}

func TestParseClass(test *testing.T) {
	test.Parallel()
	if class, err := ParseClass(" Payment "); err != nil || class != ClassPayment {
		test.Fatalf("unexpected class %q, %v", class, err)
	}
	if _, err := ParseClass("bulk"); !errors.Is(err, ErrUnknownClass) {
		test.Fatalf("expected ErrUnknownClass, got %v", err)
	}
}

func TestMemoryStoreConcurrentHitsRespectLimit(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()
	limit := Limit{Requests: 10, Window: time.Minute}
	now := time.Now()
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		allowed   int
	)
	for index := 0; index < 50; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			decision, err := store.Hit(context.Background(), "key", limit, now)
			if err != nil {
				test.Errorf("hit: %v", err)
				return
			}
			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	if allowed != limit.Requests {
		test.Fatalf("expected %d allowed, got %d", limit.Requests, allowed)
	}
}

func TestMemoryStoreSweepKeepsEachKeysOwnWindow(test *testing.T) {
	test.Parallel()
	clock := newClock()
	store := NewMemoryStore()
	limiter := mustLimiter(test, store, WithClock(clock.Now))

	if decision, _ := limiter.Allow(context.Background(), "stale-user", ClassAPI); !decision.Allowed {
		test.Fatalf("expected first api request allowed")
	}
	for index := 0; index < 5; index++ {
		if decision, _ := limiter.Allow(context.Background(), "10.0.0.1", ClassAuth); !decision.Allowed {
			test.Fatalf("auth attempt %d: expected allowed", index+1)
		}
	}
	if decision, _ := limiter.Allow(context.Background(), "10.0.0.1", ClassAuth); decision.Allowed {
		test.Fatalf("expected sixth auth attempt denied")
	}

	clock.Advance(2 * time.Minute)
	for index := 0; index < sweepEvery+100; index++ {
		identity := "user-" + string(rune('a'+index%26))
		if _, err := limiter.Allow(context.Background(), identity, ClassAPI); err != nil {
			test.Fatalf("api request: %v", err)
		}
	}

	decision, err := limiter.Allow(context.Background(), "10.0.0.1", ClassAuth)
	if err != nil || decision.Allowed {
		test.Fatalf("expected auth window to survive api sweep, got %+v, %v", decision, err)
	}
	store.mu.Lock()
	_, staleKept := store.logs[defaultKeyPrefix+string(ClassAPI)+":stale-user"]
	store.mu.Unlock()
	if staleKept {
		test.Fatalf("expected idle api key past its window to be swept")
	}
}
