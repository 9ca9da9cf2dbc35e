package engine

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/eventbus"
	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Service runs tasks on a bounded queue drained by supervised workers.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	cur      *pool
	stopping *pool

	gate    gate
	breaker breaker

	hmu     sync.Mutex
	history []TaskEvent

	seq      atomic.Uint64
	inFlight atomic.Int32

	skipped      atomic.Uint64
	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64

	fullWarn  throttle
	staleWarn throttle
}

// pool is one generation of workers together with their queue. Apply may
// replace it; a stopped pool is never restarted.
type pool struct {
	queue chan queued
	quit  chan struct{}
	sup   *rtsup.Supervisor
	done  chan struct{}

	// Senders hold sendMu for reading so the drain sees every accepted task.
	sendMu sync.RWMutex
}

type queued struct {
	task Task
	at   time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "engine")),
		bus: bus,
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration. A new worker count or queue size restarts
// the pool; tasks still queued in the old one finish with ErrStopped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches a worker pool unless one is running. A pool that is still
// stopping is awaited first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if prev := s.stopping; prev != nil && s.cur == nil {
		s.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	p := &pool{
		queue: make(chan queued, cfg.QueueSize),
		quit:  make(chan struct{}),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p, i)
			select {
			case <-p.quit:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("rule executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop lets the workers finish their current task and waits for them,
// bounded by ctx. Queued tasks are finished with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.cur
	if p == nil {
		prev := s.stopping
		s.mu.Unlock()
		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
			}
		}
		return
	}
	s.cur = nil
	s.stopping = p
	p.done = make(chan struct{})
	close(p.quit)
	s.mu.Unlock()

	go func() {
		_ = p.sup.Wait(context.Background())
		p.sup.Cancel()
		p.sendMu.Lock()
		s.drain(p)
		p.sendMu.Unlock()
		s.mu.Lock()
		if s.stopping == p {
			s.stopping = nil
		}
		s.mu.Unlock()
		close(p.done)
	}()

	select {
	case <-p.done:
		s.log.Info("rule executor stopped")
	case <-ctx.Done():
		p.sup.Cancel()
		s.log.Warn("rule executor stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(p *pool) {
	for {
		select {
		case q := <-p.queue:
			s.finish(q.task, ErrStopped)
		default:
			return
		}
	}
}

// Running reports whether a pool accepts tasks.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Busy reports whether a task for key is queued or running.
func (s *Service) Busy(key string) bool {
	return s.gate.held(strings.TrimSpace(key))
}

// Enqueue adds a task without blocking; a full queue refuses it.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for queue space until ctx is done or the executor stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task has no Run func")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task name required")
	}
	if t.Key = strings.TrimSpace(t.Key); t.Key == "" {
		t.Key = t.Name
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, p, stopping := s.cfg, s.cur, s.stopping != nil
	s.mu.Unlock()
	switch {
	case p == nil && stopping:
		return ErrStopping
	case p == nil:
		return ErrStopped
	}

	if open, until := s.breaker.refuse(cfg.Breaker, t.Key, now); open {
		s.refused(cfg, t, now, ReasonBreakerOpen)
		s.log.Debug("task refused: breaker open", logx.String("task", t.Name), logx.String("key", t.Key), logx.Time("until", until))
		return ErrBreakerOpen
	}
	if !s.gate.acquire(t.Key) {
		s.refused(cfg, t, now, ReasonBusy)
		s.log.Debug("task refused: key busy", logx.String("task", t.Name), logx.String("key", t.Key))
		return ErrBusy
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.quit:
		s.gate.release(t.Key)
		return ErrStopping
	default:
	}

	q := queued{task: t, at: now}
	if !block {
		select {
		case p.queue <- q:
			return nil
		default:
			s.gate.release(t.Key)
			s.dropFull(t, now, p)
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- q:
		return nil
	case <-ctx.Done():
		s.gate.release(t.Key)
		return ctx.Err()
	case <-p.quit:
		s.gate.release(t.Key)
		return ErrStopping
	}
}

// finish releases the key and reports the outcome.
func (s *Service) finish(t Task, err error) {
	s.gate.release(t.Key)
	if t.Done != nil {
		t.Done(err)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	s.mu.Unlock()

	snap := Snapshot{
		Running:      p != nil,
		Workers:      cfg.Workers,
		InFlight:     int(s.inFlight.Load()),
		Skipped:      s.skipped.Load(),
		DroppedFull:  s.droppedFull.Load(),
		DroppedStale: s.droppedStale.Load(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	snap.BreakerKeys, snap.BreakerOpen = s.breaker.counts(time.Now())

	s.hmu.Lock()
	snap.History = append([]TaskEvent(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) remember(cfg Config, ev TaskEvent) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, ev)
	if over := len(s.history) - cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) refused(cfg Config, t Task, now time.Time, reason string) {
	s.skipped.Add(1)
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: reason}
	s.publish(eventbus.TaskSkipped, ev)
	s.remember(cfg, ev)
}

func (s *Service) dropFull(t Task, now time.Time, p *pool) {
	n := s.droppedFull.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: ReasonQueueFull})
	if s.fullWarn.allow(now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(p.queue)),
			logx.Int64("dropped_full", int64(n)),
		)
	}
}

func (s *Service) dropStale(cfg Config, t Task, now time.Time, waited time.Duration) {
	n := s.droppedStale.Add(1)
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, QueueDelay: waited, Error: ReasonStale}
	s.publish(eventbus.TaskDropped, ev)
	s.remember(cfg, ev)
	if s.staleWarn.allow(now) {
		s.log.Warn("task dropped: waited too long",
			logx.String("task", t.Name),
			logx.Duration("waited", waited),
			logx.Int64("dropped_stale", int64(n)),
		)
	}
}

// throttle lets one warning through per interval.
type throttle struct{ last atomic.Int64 }

const warnEvery = 5 * time.Second

func (t *throttle) allow(now time.Time) bool {
	prev := t.last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnEvery) {
		return false
	}
	return t.last.CompareAndSwap(prev, now.UnixNano())
}
