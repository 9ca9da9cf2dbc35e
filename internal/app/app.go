// Package app wires configuration, storage, the scheduler, the rule
// executor, reminders, transports and the ops server into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"recurd/internal/config"
	"recurd/internal/eventbus"
	"recurd/internal/observability/metrics"
	"recurd/internal/observability/ops"
	"recurd/internal/reminder"
	rtsup "recurd/internal/runtime/supervisor"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	"recurd/internal/transport"
	"recurd/internal/transport/console"
	"recurd/internal/transport/telegram"
	logx "recurd/pkg/logx"
	"recurd/pkg/systemd"
	"strings"
	"time"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	engine    *engine.Service
	engineOn  bool
	sched     *scheduler.Service
	reminders *reminder.Service
	metrics   *metrics.Metrics
	ops       *ops.Service
}

// New loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	// Alerts are attached once the transport exists.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Storage == nil {
		a.log.Warn("no storage configured; rules and occurrences are kept in memory only")
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if a.adapter, err = newAdapter(cfg, log); err != nil {
		_ = a.store.Close()
		return nil, err
	}
	logSvc.SetAlertSender(a.adapter)

	engCfg, engOn, err := mapEngine(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "engine")), a.bus)
	a.engineOn = engOn

	remCfg, err := mapReminders(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.reminders = reminder.New(remCfg, a.adapter, log.With(logx.String("comp", "reminders")), a.bus, a.store)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.sched = scheduler.New(schedCfg, a.store, a.store, a.reminders, a.engine, log, a.bus)

	if a.metrics, err = metrics.New(); err != nil {
		return nil, a.abort(err)
	}
	a.registerGauges()

	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.ops = ops.New(opsCfg, a.metrics.Handler(), a.health, log.With(logx.String("comp", "ops")))

	if src, ok := a.adapter.(transport.CommandSource); ok {
		src.HandleCommands(commandHandler(backend{a}))
	}
	return a, nil
}

func (a *App) abort(err error) error {
	_ = a.store.Close()
	_ = a.logs.Close()
	return err
}

func newAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch transportKind(cfg) {
	case "telegram":
		tc, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tc, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		return ad, nil
	default:
		return console.New(os.Stdout, log), nil
	}
}

func (a *App) registerGauges() {
	gauges := []struct {
		sub, name, help string
		fn              func() float64
	}{
		{"reminders", "pending", "Armed reminder timers.", func() float64 { return float64(a.reminders.Pending()) }},
		{"engine", "queue_length", "Queued rule evaluations.", func() float64 { return float64(a.engine.Snapshot().QueueLen) }},
		{"engine", "in_flight", "Running rule evaluations.", func() float64 { return float64(a.engine.Snapshot().InFlight) }},
		{"eventbus", "dropped_total", "Events missed by slow subscribers.", func() float64 { return float64(a.bus.Dropped()) }},
		{"logging", "alerts_dropped_total", "Log alerts lost to a full queue or a failed send.", func() float64 { return float64(a.logs.AlertsDropped()) }},
	}
	for _, g := range gauges {
		if err := a.metrics.Gauge(g.sub, g.name, g.help, g.fn); err != nil {
			a.log.Warn("gauge not registered", logx.String("name", g.name), logx.Err(err))
		}
	}
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.adapter.Start(run); err != nil {
		return fmt.Errorf("start %s transport: %w", a.adapter.Name(), err)
	}
	if a.engineOn {
		a.engine.Start(run)
	}
	a.reminders.Start(run)

	a.sup.Go0("metrics.events", func(c context.Context) { a.metrics.Run(c, a.bus) })
	// Subscribed here so seeding and the first scan are audited.
	auditCh, auditUnsub := a.bus.Subscribe(256, "occurrence.", "rule.", eventbus.ReminderFailed)
	doneCh, doneUnsub := a.bus.Subscribe(64, eventbus.RuleCompleted)
	a.sup.Go0("audit", func(c context.Context) {
		defer auditUnsub()
		a.auditLoop(c, auditCh)
	})
	a.sup.Go0("reminders.completions", func(c context.Context) {
		defer doneUnsub()
		a.completionLoop(c, doneCh)
	})
	a.sup.Go0("eventbus.log", a.eventLogLoop)

	if a.reminders.Enabled() {
		a.rearmReminders(run)
	}
	cfg := a.cfgm.Get()
	if seed := strings.TrimSpace(cfg.Scheduler.SeedFile); seed != "" {
		if _, err := applySeed(run, seed, a.sched, a.store, a.log.With(logx.String("comp", "seed"))); err != nil {
			return fmt.Errorf("rule seed: %w", err)
		}
	}
	if err := a.sched.Start(run); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(run)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapScheduler(cfg); err != nil {
			return err
		}
		if _, _, err := mapEngine(cfg); err != nil {
			return err
		}
		if _, err := mapReminders(cfg); err != nil {
			return err
		}
		_, err := mapOps(cfg)
		return err
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if wd := systemd.WatchdogInterval(); wd > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, wd, a.healthy) })
	}
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started",
		logx.String("transport", a.adapter.Name()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("reminders", a.reminders.Enabled()),
	)
	return nil
}

// reloadLoop applies hot-reloaded configs. Bursts are coalesced to the latest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, last, next)
		last = next
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changes need a restart", logx.Strs("sections", rr))
	}

	a.logs.Apply(mapLogging(cfg))

	if engCfg, on, err := mapEngine(cfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
		switch {
		case on && !a.engineOn:
			a.engine.Start(ctx)
		case !on && a.engineOn:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		}
		a.engineOn = on
	}

	if remCfg, err := mapReminders(cfg); err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.reminders.Enabled()
		a.reminders.Apply(remCfg)
		switch {
		case remCfg.Enabled && !wasOn:
			a.reminders.Start(ctx)
			a.rearmReminders(ctx)
		case !remCfg.Enabled && wasOn:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.reminders.Stop(stopCtx)
			cancel()
		}
	}

	if schedCfg, err := mapScheduler(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.sched.Enabled()
		a.sched.Apply(schedCfg)
		switch {
		case schedCfg.Enabled && !wasOn:
			if err := a.sched.Start(ctx); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		case !schedCfg.Enabled && wasOn:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		default:
			a.sched.Notify()
		}
	}

	if seed := strings.TrimSpace(cfg.Scheduler.SeedFile); seed != "" {
		if _, err := applySeed(ctx, seed, a.sched, a.store, a.log.With(logx.String("comp", "seed"))); err != nil {
			a.log.Warn("rule seed reload failed", logx.Err(err))
		}
	}

	if opsCfg, err := mapOps(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, opsCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	// Scheduler first so no new occurrences arrive while reminders drain.
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "reminders", 3*time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "transport", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by ctx's deadline. A step
// that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) healthy() bool {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return false
	}
	return !a.sched.Enabled() || a.sched.State() != scheduler.StateStopped
}

// health feeds /healthz: storage reachability plus service state.
func (a *App) health(ctx context.Context) (map[string]any, error) {
	snap := a.sched.Snapshot()
	rs := a.reminders.Snapshot()
	out := map[string]any{
		"scheduler":  snap.State,
		"last_scan":  snap.LastScan.Started,
		"scan_error": snap.LastError,
		"executor":   snap.Engine.Running,
		"reminders":  map[string]any{"enabled": rs.Enabled, "pending": rs.Pending, "queue": rs.QueueLen},
		"transport":  a.adapter.Name(),
		"goroutines": a.sup.Snapshot(),
	}
	if _, err := a.store.ListDueRules(ctx, time.Now(), 1); err != nil {
		return out, fmt.Errorf("storage: %w", err)
	}
	if !a.healthy() {
		return out, errors.New("scheduler stopped")
	}
	return out, nil
}

// backend adapts the app to the chat commands.
type backend struct{ a *App }

func (b backend) ListRules(ctx context.Context) ([]storage.RuleRecord, error) {
	return b.a.store.ListRules(ctx)
}

func (b backend) GetRule(ctx context.Context, id string) (storage.RuleRecord, error) {
	return b.a.store.GetRule(ctx, id)
}

func (b backend) Complete(ctx context.Context, c storage.Completion) (storage.RuleRecord, error) {
	return b.a.sched.Complete(ctx, c)
}

func (b backend) SchedulerSnapshot() scheduler.Snapshot { return b.a.sched.Snapshot() }
func (b backend) RemindersSnapshot() reminder.Snapshot  { return b.a.reminders.Snapshot() }
func (b backend) Location() *time.Location              { return b.a.sched.Location() }
