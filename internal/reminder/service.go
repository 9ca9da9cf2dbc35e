package reminder

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/eventbus"
	rtsup "recurd/internal/runtime/supervisor"
	"recurd/internal/transport"
	logx "recurd/pkg/logx"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("reminders disabled")
	ErrQueueFull = errors.New("reminder queue full")
	ErrStopped   = errors.New("reminders stopped")
)

// Service arms a timer per occurrence reminder and delivers the fired ones
// through a rate limited worker pool with retries and a dedup window.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore
	now   func() time.Time

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	adapter  transport.Adapter
	line     *pipeline
	stopping *pipeline

	timers timerSet
	dedup  dedupCache

	hmu     sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	deduped atomic.Uint64
	dropped atomic.Uint64
}

// pipeline is the queue and workers of one Start.
type pipeline struct {
	queue chan job
	sup   *rtsup.Supervisor
	// senders counts enqueue calls in progress; the queue is closed after.
	senders sync.WaitGroup
	done    chan struct{}
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for due and dedup checks.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, adapter transport.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "reminder")),
		bus:     bus,
		store:   store,
		now:     time.Now,
		adapter: adapter,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool { return s.config().Enabled }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration. Worker and queue sizes take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	// A burst of one second's worth lets short spikes through.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.dedup.setMax(cfg.DedupMaxEntries)
}

// Start opens the send pipeline. It waits for a previous Stop to finish and
// does nothing when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if prev := s.stopping; prev != nil && s.line == nil {
		s.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.line != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	p := &pipeline{
		queue: make(chan job, cfg.QueueSize),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.line = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("reminder.worker.%d", i), func(c context.Context) error {
			return s.work(c, p.queue)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("reminders started", logx.Int("workers", cfg.Workers))
}

// Stop disarms every timer, closes intake and lets the workers drain the
// queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.timers.clear()

	s.mu.Lock()
	p := s.line
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
	s.line, s.stopping = nil, p
	p.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		p.senders.Wait()
		close(p.queue)
		_ = p.sup.Wait(context.Background())
		s.mu.Lock()
		if s.stopping == p {
			s.stopping = nil
		}
		s.mu.Unlock()
		close(p.done)
	}()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.sup.Cancel()
		s.log.Warn("reminder drain timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.line != nil}
	if s.line != nil {
		snap.QueueLen = len(s.line.queue)
	}
	s.mu.Unlock()
	snap.Pending = s.Pending()
	snap.Sent = s.sent.Load()
	snap.Failed = s.failed.Load()
	snap.Deduped = s.deduped.Load()
	snap.Dropped = s.dropped.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

const historySize = 300

func (s *Service) note(key, text string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: s.now(), Key: key, Text: text})
	if over := len(s.history) - historySize; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}
