package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"convoy/internal/bus"
)

type stubPublisher struct {
	errs  []error
	calls int
}

func (s *stubPublisher) Publish(ctx context.Context, env bus.Envelope) error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delay, got %v", delays)
	}
}

func TestRetryPolicy_CapsDelayAtMax(t *testing.T) {
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	_ = policy.Do(context.Background(), func() error { return errors.New("fail") })

	if len(delays) != 3 {
		t.Fatalf("expected 3 delays, got %d", len(delays))
	}
	for i, d := range delays[1:] {
		if d != 15*time.Millisecond {
			t.Fatalf("delay %d not capped: %v", i+1, d)
		}
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
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

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	// Breaker is open now; calls are rejected without reaching fn.
	if err := breaker.Execute(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	// After the reset timeout, one probe is allowed through.
	now = now.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected closed breaker, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	_ = breaker.Execute(func() error { return errors.New("fail") })
	now = now.Add(2 * time.Second)
	_ = breaker.Execute(func() error { return errors.New("fail again") })

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened breaker, got %v", err)
	}
}

func TestRateLimiter_EnforcesRate(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var slept []time.Duration

	limiter := NewRateLimiter(10*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	limiter.last = now

	ctx := context.Background()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if len(slept) == 0 {
		t.Fatalf("expected second wait to sleep")
	}
}

func TestReliablePublisher_RetriesThenSucceeds(t *testing.T) {
	base := &stubPublisher{errs: []error{errors.New("flaky")}}

	pub := NewReliablePublisher(base, nil, nil, RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})

	if err := pub.Publish(context.Background(), bus.Envelope{EventID: "evt-1"}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.calls)
	}
}

func TestReliablePublisher_BreakerShortCircuits(t *testing.T) {
	now := time.Now()
	base := &stubPublisher{errs: []error{errors.New("down"), errors.New("down")}}

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		Now:          func() time.Time { return now },
	})
	pub := NewReliablePublisher(base, nil, breaker, RetryPolicy{MaxAttempts: 1})

	if err := pub.Publish(context.Background(), bus.Envelope{EventID: "evt-1"}); err == nil {
		t.Fatalf("expected failure")
	}
	err := pub.Publish(context.Background(), bus.Envelope{EventID: "evt-2"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected breaker to block second call, got %d calls", base.calls)
	}
}
