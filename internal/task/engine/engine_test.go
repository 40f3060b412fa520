package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "vlogd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	var calls int
	err := Retry(context.Background(), TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
}

func TestRetryStopsOnNoRetry(t *testing.T) {
	t.Parallel()

	permanent := errors.New("bad request")
	var calls int
	err := Retry(context.Background(), TaskOptions{RetryMax: 5, RetryBase: time.Millisecond}, func(context.Context) error {
		calls++
		return NoRetry(permanent)
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err=%v, want %v", err, permanent)
	}
	if IsNoRetry(err) {
		t.Fatalf("Retry should unwrap the no-retry marker")
	}
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()

	var calls int
	err := Retry(context.Background(), TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("err=%v calls=%d, want error after 3 calls", err, calls)
	}
}

func TestBackoffDelayHonoursHint(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second, RetryJitter: 0.0001}
	d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), nil)
	if d != 10*time.Second {
		t.Fatalf("hint delay=%s, want capped 10s", d)
	}
	d = backoffDelay(opt, 3, nil)
	if d != 4*time.Second {
		t.Fatalf("backoff(3)=%s, want 4s", d)
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 4})
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "job", Run: func(context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run")
	}
}

func TestEnqueueDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "job", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v, want ErrDisabled", err)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 4})
	release := make(chan struct{})
	started := make(chan struct{})
	slow := Task{Name: "slow", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(slow); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(slow); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err=%v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 4, CircuitTripFailures: 2, CircuitBaseDelay: time.Minute})
	var runs atomic.Int32
	fail := Task{Name: "flaky", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		runs.Add(1)
		return NoRetry(errors.New("boom"))
	}}
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(fail); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for len(s.Snapshot().History) < i+1 {
			if time.Now().After(deadline) {
				t.Fatalf("task %d did not finish", i)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err=%v, want ErrCircuitOpen", err)
	}
	if snap := s.Snapshot(); snap.CircuitOpen != 1 {
		t.Fatalf("CircuitOpen=%d, want 1", snap.CircuitOpen)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1, CircuitTripFailures: -1})
	if err := s.Enqueue(Task{Name: "panics", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { panic("oops") }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		h := s.Snapshot().History
		if len(h) == 1 {
			if h[0].Error == "" {
				t.Fatalf("history error empty after panic")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("panicking task not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
