package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: want errBoom, got %v", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state: want open, got %v", got)
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("want ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn called while breaker open")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return errBoom })
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("success call %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state: want closed after interleaved successes, got %v", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})

	_ = b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state: want open, got %v", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after reset timeout: want half-open, got %v", got)
	}

	// Two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after probes: want closed, got %v", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})

	_ = b.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe: want errBoom, got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("state after failed probe: want open, got %v", got)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Hour})
	_ = b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state: want open, got %v", got)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after reset: want closed, got %v", got)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}
