package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Hour})
	fail := func() error { return errors.New("boom") }

	cb.Execute(fail, nil)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after 1 failure, got %s", cb.State())
	}
	cb.Execute(fail, nil)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 2 failures, got %s", cb.State())
	}

	err := cb.Execute(func() error { return nil }, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen while breaker open, got %v", err)
	}
}

func TestNonTransientErrorDoesNotOpenBreaker(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Hour})
	isTransient := func(err error) bool { return false }

	err := cb.Execute(func() error { return errors.New("fatal, not transient") }, isTransient)
	if err == nil {
		t.Fatal("expected the underlying error to propagate")
	}
	if cb.State() != StateClosed {
		t.Errorf("expected breaker to stay closed for non-transient error, got %s", cb.State())
	}
}

func TestBreakerHalfOpenClosesAfterSuccessfulProbes(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})
	cb.Execute(func() error { return errors.New("boom") }, nil)
	if cb.State() != StateOpen {
		t.Fatal("expected breaker open after failure")
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", cb.State())
	}

	cb.Execute(func() error { return nil }, nil)
	cb.Execute(func() error { return nil }, nil)
	if cb.State() != StateClosed {
		t.Fatalf("expected breaker closed after successful probes, got %s", cb.State())
	}
}

func TestBreakerHalfOpenReopensOnProbeFailure(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})
	cb.Execute(func() error { return errors.New("boom") }, nil)
	time.Sleep(20 * time.Millisecond)

	cb.Execute(func() error { return errors.New("still failing") }, nil)
	if cb.State() != StateOpen {
		t.Errorf("expected breaker to re-open on probe failure, got %s", cb.State())
	}
}

func TestManualResetReturnsToClosed(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Hour})
	cb.Execute(func() error { return errors.New("boom") }, nil)
	if cb.State() != StateOpen {
		t.Fatal("expected open before reset")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("expected closed after manual reset, got %s", cb.State())
	}
}
