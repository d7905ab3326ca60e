package broker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"ordersaga/internal/saga"
)

// ErrCircuitOpen indicates the publish circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls how failed publishes are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends. Delays
// grow exponentially from BaseDelay and are capped at MaxDelay.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryable
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}
		if delay := jitter(p.backoff(attempt)); delay > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt && delay > 0; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, saga.ErrInvalidPayload)
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker rejects publishes after MaxFailures consecutive failures
// and lets a single trial call through once ResetTimeout has passed.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state    circuitState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: resetAfter,
		now:        now,
	}
}

func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	now := c.now()
	if err := c.admit(now); err != nil {
		return err
	}
	err := fn()
	c.record(now, err)
	return err
}

func (c *CircuitBreaker) admit(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.probing {
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.probing = true
	}
	return nil
}

func (c *CircuitBreaker) record(now time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasTrial := c.state == circuitHalfOpen
	c.probing = false

	switch {
	case err == nil:
		c.state = circuitClosed
		c.failures = 0
	case wasTrial:
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
	default:
		c.failures++
		if c.failures >= c.maxFails {
			c.state = circuitOpen
			c.openedAt = now
		}
	}
}

// RateLimiter is a token bucket refilled with one token every rate.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
		sleep: sleepWithContext,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available and reports how long it waited.
// A nil or unconfigured limiter never waits.
func (r *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return 0, ctx.Err()
	}

	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return waited, err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return waited, nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	r.tokens = min(r.tokens+add, r.burst)
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// ReliablePublisher wraps a Publisher with rate limiting, a circuit breaker
// and retries. OnWait, when set, receives the time spent on the limiter.
type ReliablePublisher struct {
	base    Publisher
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	OnWait  func(time.Duration)
}

func NewReliablePublisher(base Publisher, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy) *ReliablePublisher {
	return &ReliablePublisher{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (p *ReliablePublisher) Publish(ctx context.Context, topic saga.Topic, event saga.Event) error {
	attempt := func() error {
		waited, err := p.limiter.Wait(ctx)
		if p.OnWait != nil && waited > 0 {
			p.OnWait(waited)
		}
		if err != nil {
			return err
		}
		return p.breaker.Execute(func() error {
			return p.base.Publish(ctx, topic, event)
		})
	}
	return p.retry.Do(ctx, attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
