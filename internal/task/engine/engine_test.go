package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"recurd/internal/eventbus"
	logx "recurd/pkg/logx"
	"sync/atomic"
	"testing"
	"time"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestSubmitRunsTask(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "task.")
	defer unsub()
	s := startEngine(t, Config{Workers: 2}, bus)

	done := make(chan error, 1)
	err := s.Submit(context.Background(), Task{
		Name: "rule.evaluate",
		Key:  "rule-1",
		Run:  func(ctx context.Context) error { return nil },
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("task err = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TaskDone {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.TaskDone)
		}
	case <-time.After(time.Second):
		t.Fatal("no task event")
	}
}

func TestBusyKeyIsRefused(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	err := s.Submit(context.Background(), Task{
		Name: "rule.evaluate",
		Key:  "rule-1",
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	err = s.Submit(context.Background(), Task{Name: "rule.evaluate", Key: "rule-1", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second submit err = %v, want ErrBusy", err)
	}
	if !s.Busy("rule-1") {
		t.Fatal("gate not held while running")
	}

	other := make(chan error, 1)
	if err := s.Submit(context.Background(), Task{Name: "rule.evaluate", Key: "rule-2", Run: func(context.Context) error { return nil }, Done: func(err error) { other <- err }}); err != nil {
		t.Fatalf("other key submit: %v", err)
	}
	if err := waitDone(t, other); err != nil {
		t.Fatalf("other key err = %v", err)
	}

	close(release)
	waitDone(t, done)
	if s.Busy("rule-1") {
		t.Fatal("gate not released after completion")
	}
}

func TestRetryAndPermanent(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{
		Workers:       1,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		Breaker:       BreakerConfig{Threshold: -1},
	}, nil)

	var runs atomic.Int32
	done := make(chan error, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "flaky",
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); err != nil || runs.Load() != 3 {
		t.Fatalf("err=%v runs=%d, want nil after 3 runs", err, runs.Load())
	}

	var permRuns atomic.Int32
	perm := errors.New("bad rule")
	_ = s.Submit(context.Background(), Task{
		Name: "permanent",
		Run: func(context.Context) error {
			permRuns.Add(1)
			return Permanent(perm)
		},
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); !errors.Is(err, perm) || IsPermanent(err) {
		t.Fatalf("err = %v, want unwrapped permanent error", err)
	}
	if permRuns.Load() != 1 {
		t.Fatalf("permanent runs = %d, want 1", permRuns.Load())
	}

	var noRetryRuns atomic.Int32
	_ = s.Submit(context.Background(), Task{
		Name:    "disabled-retry",
		Retries: -1,
		Run: func(context.Context) error {
			noRetryRuns.Add(1)
			return errors.New("fail")
		},
		Done: func(err error) { done <- err },
	})
	waitDone(t, done)
	if noRetryRuns.Load() != 1 {
		t.Fatalf("runs with Retries -1 = %d, want 1", noRetryRuns.Load())
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3}, nil)
	done := make(chan error, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "boom",
		Run:  func(context.Context) error { panic("kaboom") },
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); err == nil {
		t.Fatal("expected panic error")
	}
	// The worker survived.
	ok := make(chan error, 1)
	_ = s.Submit(context.Background(), Task{Name: "after", Run: func(context.Context) error { return nil }, Done: func(err error) { ok <- err }})
	if err := waitDone(t, ok); err != nil {
		t.Fatalf("task after panic err = %v", err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, Breaker: BreakerConfig{Threshold: 2, Cooldown: time.Minute}}, nil)
	done := make(chan error, 1)
	fail := Task{
		Name:    "store.write",
		Key:     "rule-9",
		Retries: -1,
		Run:     func(context.Context) error { return errors.New("disk full") },
		Done:    func(err error) { done <- err },
	}
	for i := 0; i < 2; i++ {
		if err := s.Submit(context.Background(), fail); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		waitDone(t, done)
	}
	if err := s.Submit(context.Background(), fail); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	snap := s.Snapshot()
	if snap.BreakerOpen != 1 || snap.Skipped != 1 {
		t.Fatalf("snapshot breaker_open=%d skipped=%d", snap.BreakerOpen, snap.Skipped)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Submit(context.Background(), Task{Name: "busy", Key: "a", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "q", Key: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "q", Key: "c", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if s.Busy("c") {
		t.Fatal("gate leaked on dropped task")
	}
}

func TestStopRejectsNewTasks(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	if err := s.Submit(context.Background(), Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start err = %v, want ErrStopped", err)
	}
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Running() {
		t.Fatal("still running after Stop")
	}
	if err := s.Submit(context.Background(), Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v, want ErrStopped", err)
	}
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 1, want: 500 * time.Millisecond},
		{retry: 3, want: 2 * time.Second},
		{retry: 20, want: 15 * time.Second},
	}
	for _, tt := range tests {
		if d := backoff(cfg, tt.retry, nil); d != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.retry, d, tt.want)
		}
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		if d := backoff(cfg, 1, rng); d < 400*time.Millisecond || d > 600*time.Millisecond {
			t.Fatalf("jittered backoff = %v, want within 20%% of 500ms", d)
		}
	}
}

func TestBreakerCooldownDoubles(t *testing.T) {
	t.Parallel()
	cfg := Config{Breaker: BreakerConfig{Threshold: 2, Cooldown: time.Second, MaxCooldown: 3 * time.Second}}.withDefaults().Breaker
	var b breaker
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	fail := errors.New("x")

	b.observe(cfg, "r", now, fail)
	if open, _ := b.refuse(cfg, "r", now); open {
		t.Fatal("open below threshold")
	}
	b.observe(cfg, "r", now, fail)
	if open, until := b.refuse(cfg, "r", now); !open || !until.Equal(now.Add(time.Second)) {
		t.Fatalf("after trip open=%v until=%v", open, until)
	}
	b.observe(cfg, "r", now, fail)
	b.observe(cfg, "r", now, fail)
	if _, until := b.refuse(cfg, "r", now); !until.Equal(now.Add(3 * time.Second)) {
		t.Fatalf("cooldown not capped: until=%v", until)
	}
	if open, _ := b.refuse(cfg, "r", now.Add(cfg.Forget+time.Minute)); open {
		t.Fatal("old failures not forgotten")
	}
	b.observe(cfg, "r", now, nil)
	if keys, _ := b.counts(now); keys != 0 {
		t.Fatalf("keys after success = %d, want 0", keys)
	}
}
