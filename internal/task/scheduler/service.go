package scheduler

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/eventbus"
	"recurd/internal/rotation"
	rtsup "recurd/internal/runtime/supervisor"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Service is the scheduler loop. It scans the store for due rules on every
// tick or trigger, evaluates each rule on the rule executor and commits the
// generated occurrences.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus

	store     Store
	workload  Workload
	reminders Reminders
	engine    *engine.Service
	rotator   *rotation.Rotator
	now       func() time.Time

	parser  cron.Parser
	c       *cron.Cron
	entryID cron.EntryID
	sup     *rtsup.Supervisor
	stopCh  chan struct{}

	// trigger coalesces ticks, Notify and completions into one pending scan.
	trigger chan struct{}

	state      atomic.Int32
	committing atomic.Int32
	scanMu     sync.Mutex // serializes loop scans with ScanOnce
	pickMu     sync.Mutex
	sf         singleflight.Group

	stats    counters
	lastMu   sync.Mutex
	lastScan ScanReport
	lastErr  string

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRotator supplies the assignee rotator; by default one is seeded from
// Config.RandomSeed.
func WithRotator(r *rotation.Rotator) Option { return func(s *Service) { s.rotator = r } }

func New(cfg Config, store Store, workload Workload, reminders Reminders, eng *engine.Service, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "scheduler")),
		bus:       bus,
		store:     store,
		workload:  workload,
		reminders: reminders,
		engine:    eng,
		now:       time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		trigger:  make(chan struct{}, 1),
		lastWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocation(cfg.Timezone)
	for _, o := range opts {
		o(s)
	}
	if s.rotator == nil {
		seed := cfg.RandomSeed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		s.rotator = rotation.New(nil, seed)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() (Config, *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.loc
}

// Location returns the timezone occurrences are computed in.
func (s *Service) Location() *time.Location {
	_, loc := s.config()
	return loc
}

// Apply swaps the configuration. A changed tick or timezone re-registers
// the trigger.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocation(cfg.Timezone)
	}
	restart := s.c != nil && (prev.Tick != cfg.Tick || prev.Timezone != cfg.Timezone)
	if restart {
		s.restartCronLocked()
	}
	s.mu.Unlock()
}

// Start registers the tick and launches the loop. The first scan runs
// immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		return err
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("scheduler.loop", func(c context.Context) error {
		return s.loop(c, stopCh)
	}, rtsup.WithPublishFirstError(true))
	s.state.Store(int32(StateIdle))
	s.notify()

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.String("tick", s.cfg.Tick))
	return nil
}

func (s *Service) startCronLocked() error {
	sched, err := s.tickSchedule(s.cfg.Tick)
	if err != nil {
		return fmt.Errorf("scheduler tick: %w", err)
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.entryID = s.c.Schedule(sched, cron.FuncJob(s.notify))
	s.c.Start()
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("tick registered", logx.String("tick", s.cfg.Tick), logx.Time("next", s.c.Entry(s.entryID).Next))
	}
	return nil
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	if err := s.startCronLocked(); err != nil {
		s.log.Error("tick re-register failed", logx.String("tick", s.cfg.Tick), logx.Err(err))
	}
}

// tickSchedule turns the tick setting into a cron schedule. Requires mu.
func (s *Service) tickSchedule(tick string) (cron.Schedule, error) {
	t, err := ParseTick(tick)
	if err != nil {
		return nil, err
	}
	switch t.Kind {
	case TickCron:
		return s.parser.Parse(t.Cron)
	case TickInterval:
		sched, _ := spreadInterval(t.Every, s.now(), tickRand(s.cfg.RandomSeed))
		return sched, nil
	}
	return nil, errors.New("unsupported tick kind")
}

// Stop stops triggers and waits for the running scan, bounded by ctx. An
// in-flight commit is never interrupted by shutdown.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	sup := s.sup
	s.sup = nil
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		if err := sup.Wait(ctx); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler stop timed out", logx.Err(err))
		}
		sup.Cancel()
	}
	s.state.Store(int32(StateStopped))
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Notify requests a scan as soon as the loop is idle. Bursts coalesce.
func (s *Service) Notify() { s.notify() }

func (s *Service) notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-s.trigger:
		}
		// A stop that raced the trigger wins.
		select {
		case <-stopCh:
			return nil
		default:
		}
		rep, err := s.ScanOnce(ctx)
		if err != nil {
			s.warnThrottled("scan", "scan failed", err)
			continue
		}
		if rep.Backlog > 0 {
			s.notify()
		}
	}
}

// State returns the current loop phase.
func (s *Service) State() State {
	st := State(s.state.Load())
	if st == StateGenerating && s.committing.Load() > 0 {
		return StateCommitting
	}
	return st
}

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	c := s.c
	id := s.entryID
	eng := s.engine
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		State:     s.State().String(),
		Timezone:  loc.String(),
		Tick:      cfg.Tick,
		Scans:     s.stats.scans.Load(),
		Committed: s.stats.committed.Load(),
		Conflicts: s.stats.conflicts.Load(),
		Failed:    s.stats.failed.Load(),
	}
	if c != nil && id != 0 {
		snap.NextTick = c.Entry(id).Next
	}
	s.lastMu.Lock()
	snap.LastScan = s.lastScan
	snap.LastError = s.lastErr
	s.lastMu.Unlock()
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
	}
}

const warnThrottle = 5 * time.Second

// warnThrottled logs repeated failures of the same kind at most every
// warnThrottle.
func (s *Service) warnThrottled(key, msg string, err error, fields ...logx.Field) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		s.log.Debug(msg, append(fields, logx.Err(err))...)
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, append(fields, logx.Err(err))...)
}
