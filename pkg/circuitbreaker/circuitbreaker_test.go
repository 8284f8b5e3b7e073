package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := New(cfg)
	cb.now = clock.Now
	cb.stateChangeTime = clock.Now()
	return cb, clock
}

func fail(context.Context) error    { return errTestError }
func succeed(context.Context) error { return nil }

func tripConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := New(DefaultConfig())

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
}

func TestCircuitBreaker_ErrorsPassThroughUnwrapped(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), fail)
	if err != errTestError {
		t.Fatalf("Expected the original error, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
	if got := cb.Stats().FailureCount; got != 1 {
		t.Errorf("Expected failure count 1, got: %d", got)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(tripConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected state open, got: %v", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Expected ErrOpen, got: %v", err)
	}
	if called {
		t.Error("function ran while the circuit was open")
	}
	if got := cb.Stats().Rejected; got != 1 {
		t.Errorf("Expected 1 rejected call, got: %d", got)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(tripConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures opened the circuit")
	}
}

func TestCircuitBreaker_HalfOpen_ClosesAfterSuccesses(t *testing.T) {
	cb, clock := newTestBreaker(tripConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial rejected: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected state half-open after one trial, got: %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("second trial rejected: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen_FailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(tripConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	if err := cb.Execute(ctx, fail); err != errTestError {
		t.Fatalf("Expected trial error, got: %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected state open, got: %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen before the timeout lapses again, got: %v", err)
	}
}

func TestCircuitBreaker_HalfOpen_LimitsConcurrentTrials(t *testing.T) {
	cb, clock := newTestBreaker(tripConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected second concurrent trial to be rejected, got: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial failed: %v", err)
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Expected a trial slot after the first finished, got: %v", err)
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second})

	err := cb.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("cancellation opened the circuit")
	}
}

func TestCircuitBreaker_CancelledContextSkipsCall(t *testing.T) {
	cb := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("Expected a skipped call with context.Canceled, got err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_CustomIsFailure(t *testing.T) {
	benign := errors.New("not found")
	cfg := tripConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, benign) }
	cb, _ := newTestBreaker(cfg)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return benign })
	}
	if cb.State() != StateClosed {
		t.Errorf("benign errors opened the circuit")
	}
}

func TestDo_ReturnsResult(t *testing.T) {
	cb := New(DefaultConfig())

	got, err := Do(context.Background(), cb, func(context.Context) (string, error) {
		return "relay-1", nil
	})
	if err != nil || got != "relay-1" {
		t.Errorf("Expected relay-1, got %q err=%v", got, err)
	}

	got, err = Do(context.Background(), cb, func(context.Context) (string, error) {
		return "ignored", errTestError
	})
	if err != errTestError || got != "" {
		t.Errorf("Expected zero value and error, got %q err=%v", got, err)
	}
}

func TestCircuitBreaker_OnStateChange_Callback(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})

	var mu sync.Mutex
	var transitions []string
	changed := make(chan struct{}, 3)
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
		changed <- struct{}{}
	})

	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	waitFor(t, changed)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, succeed)
	waitFor(t, changed)
	waitFor(t, changed)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 3 {
		t.Fatalf("Expected 3 transitions, got: %v", transitions)
	}
	seen := map[string]bool{}
	for _, tr := range transitions {
		seen[tr] = true
	}
	for _, want := range []string{"closed->open", "open->half-open", "half-open->closed"} {
		if !seen[want] {
			t.Errorf("missing transition %s in %v", want, transitions)
		}
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change callback")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Hour})

	_ = cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected state open, got: %v", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed after reset, got: %v", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Expected call to pass after reset, got: %v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
