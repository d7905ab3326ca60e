package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ordersaga/internal/saga"
)

type flakyPublisher struct {
	errs  []error
	calls int
}

func (f *flakyPublisher) Publish(ctx context.Context, topic saga.Topic, event saga.Event) error {
	f.calls++
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryPolicyBacksOffExponentially(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 4 {
			return errors.New("broker unreachable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicyDoesNotRetryInvalidPayload(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("%w: bad json", saga.ErrInvalidPayload)
	})
	if !errors.Is(err, saga.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, Sleep: noSleep, Jitter: func(d time.Duration) time.Duration { return d }}
	last := errors.New("second")
	calls := 0

	err := policy.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("first")
		}
		return last
	})
	if err != last {
		t.Fatalf("expected %v, got %v", last, err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	fail := func() error {
		calls++
		return errors.New("fail")
	}

	_ = breaker.Execute(fail)
	_ = breaker.Execute(fail)
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if err := breaker.Execute(fail); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected failing trial call to run, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected breaker to reopen after failed trial call, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected trial call to close breaker, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected closed breaker, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 failed calls, got %d", calls)
	}
}

func TestRateLimiterReportsWait(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	limiter := NewRateLimiter(100*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}

	if waited, err := limiter.Wait(context.Background()); err != nil || waited != 0 {
		t.Fatalf("expected immediate token, got %v %v", waited, err)
	}
	waited, err := limiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waited != 100*time.Millisecond {
		t.Fatalf("expected 100ms wait, got %v", waited)
	}
}

func TestNilRateLimiterNeverWaits(t *testing.T) {
	var limiter *RateLimiter
	if waited, err := limiter.Wait(context.Background()); err != nil || waited != 0 {
		t.Fatalf("expected no wait, got %v %v", waited, err)
	}
}

func TestReliablePublisherRetries(t *testing.T) {
	base := &flakyPublisher{errs: []error{errors.New("leader not available"), nil}}
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       noSleep,
	}

	publisher := NewReliablePublisher(base, nil, nil, policy)
	if err := publisher.Publish(context.Background(), saga.TopicOrchestrator, saga.Event{ID: "e"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.calls)
	}
}

func TestReliablePublisherCircuitOpen(t *testing.T) {
	base := &flakyPublisher{errs: []error{errors.New("fail"), errors.New("fail")}}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	publisher := NewReliablePublisher(base, nil, breaker, RetryPolicy{MaxAttempts: 1})
	if err := publisher.Publish(context.Background(), saga.TopicOrchestrator, saga.Event{}); err == nil {
		t.Fatalf("expected failure")
	}
	if err := publisher.Publish(context.Background(), saga.TopicOrchestrator, saga.Event{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestReliablePublisherReportsLimiterWait(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	limiter := NewRateLimiter(50*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}

	var total time.Duration
	publisher := NewReliablePublisher(&flakyPublisher{}, limiter, nil, RetryPolicy{MaxAttempts: 1})
	publisher.OnWait = func(d time.Duration) { total += d }

	for i := 0; i < 2; i++ {
		if err := publisher.Publish(context.Background(), saga.TopicOrchestrator, saga.Event{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if total != 50*time.Millisecond {
		t.Fatalf("expected 50ms reported, got %v", total)
	}
}

func TestRetryPolicyBackoffStaysCappedForLongRetries(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}
	for _, attempt := range []int{8, 64, 1000} {
		if got := policy.backoff(attempt); got != 10*time.Second {
			t.Fatalf("attempt %d: expected capped delay, got %v", attempt, got)
		}
	}
	uncapped := RetryPolicy{BaseDelay: time.Second}
	if got := uncapped.backoff(200); got <= 0 {
		t.Fatalf("expected positive delay without a cap, got %v", got)
	}
}
