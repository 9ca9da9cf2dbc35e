package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	logx "recurd/pkg/logx"
	"runtime/debug"
	"slices"
	"sync"
	"time"
)

// Supervisor runs named goroutines on one shared context. Panics become
// errors, the first error is kept for Err and Wait, and restartable
// goroutines are brought back with backoff.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	first error
	units map[string]*Unit
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context once any goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Unit is the record of all runs sharing one goroutine name.
type Unit struct {
	Name     string    `json:"name"`
	Running  int       `json:"running"`
	Runs     int       `json:"runs"`
	Restarts int       `json:"restarts"`
	Panics   int       `json:"panics"`
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped,omitzero"`
	LastErr  string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running    int    `json:"running"`
	FirstError string `json:"first_error,omitempty"`
	Units      []Unit `json:"units"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		units:  make(map[string]*Unit),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Snapshot lists the units by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	if s.first != nil {
		snap.FirstError = s.first.Error()
	}
	for _, name := range slices.Sorted(maps.Keys(s.units)) {
		u := *s.units[name]
		snap.Running += u.Running
		snap.Units = append(snap.Units, u)
	}
	return snap
}

func (s *Supervisor) unit(name string) *Unit {
	u := s.units[name]
	if u == nil {
		u = &Unit{Name: name}
		s.units[name] = u
	}
	return u
}

// record keeps err as the first error. It reports whether err was the first.
func (s *Supervisor) record(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first != nil {
		return false
	}
	s.first = err
	return true
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// call runs fn once under name and books the run. A panic is returned as
// an error.
func (s *Supervisor) call(ctx context.Context, name string, restart bool, fn func(context.Context) error) (err error) {
	s.mu.Lock()
	u := s.unit(name)
	u.Running++
	u.Runs++
	if restart {
		u.Restarts++
	}
	u.Started = time.Now()
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
			s.mu.Lock()
			s.units[name].Panics++
			s.mu.Unlock()
		}
		s.mu.Lock()
		u := s.units[name]
		u.Running--
		u.Stopped = time.Now()
		if err != nil && !errors.Is(err, context.Canceled) {
			u.LastErr = err.Error()
		}
		s.mu.Unlock()
	}()
	return fn(ctx)
}

// Go runs fn once. Any error except context.Canceled fails the supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.call(s.ctx, name, false, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	maxRestarts  int
	publishFirst bool
}

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts fails the supervisor after n restarts; 0 restarts forever.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithPublishFirstError makes a failing run visible in Err even though the
// goroutine is restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// stableRun resets the backoff once a run lasted this long.
const stableRun = 30 * time.Second

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(name, fn, p)
	}()
}

func (s *Supervisor) restartLoop(name string, fn func(context.Context) error, p restartPolicy) {
	ctx := s.ctx
	delay := p.min
	for restarts := 0; ; restarts++ {
		began := time.Now()
		err := s.call(ctx, name, restarts > 0, fn)
		if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		if p.publishFirst {
			s.record(err)
		}
		if p.maxRestarts > 0 && restarts >= p.maxRestarts {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			s.fail(err)
			return
		}
		if time.Since(began) >= stableRun {
			delay = p.min
		}
		wait := delay + jitter(delay)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, p.max)
	}
}

// jitter adds up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return time.Duration(time.Now().UnixNano() % (j + 1))
	}
	return 0
}

// Stop cancels the context and waits for all goroutines.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
