package app

import (
	"fmt"
	"recurd/internal/config"
	"recurd/internal/observability/ops"
	"recurd/internal/reminder"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	"recurd/internal/transport"
	"recurd/internal/transport/telegram"
	logx "recurd/pkg/logx"
	"strings"
	"time"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	out := logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
			Target:     transport.Target{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		},
	}
	if t := strings.TrimSpace(l.Alert.Target); t != "" {
		if chat, thread, err := config.ParseTarget(t); err == nil {
			out.Alert.Target = transport.Target{ChatID: chat, ThreadID: thread}
		}
	}
	// Console is the only sink when nothing is configured.
	if !out.Console && !out.File.Enabled {
		out.Console = true
	}
	return out
}

// mapStorage falls back to the in-memory store when the section is omitted.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

// mapEngine reports whether the executor is enabled next to its config.
// It defaults to on; off makes the scheduler evaluate rules inline.
func mapEngine(cfg *config.Config) (engine.Config, bool, error) {
	ec := cfg.Engine
	if ec == nil {
		return engine.Config{}, true, nil
	}
	defTimeout, err := config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, false, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, false, err
	}
	enabled := ec.Enabled == nil || *ec.Enabled
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    ec.HistorySize,
	}, enabled, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:    sc.Enabled,
		Tick:       strings.TrimSpace(sc.Tick),
		Timezone:   strings.TrimSpace(sc.Timezone),
		ScanLimit:  sc.ScanLimit,
		RandomSeed: sc.RandomSeed,
	}
	var err error
	if out.ScanTimeout, err = config.ParseDurationField("scheduler.scan_timeout", sc.ScanTimeout); err != nil {
		return scheduler.Config{}, err
	}
	if out.CommitTimeout, err = config.ParseDurationField("scheduler.commit_timeout", sc.CommitTimeout); err != nil {
		return scheduler.Config{}, err
	}
	if out.Horizon, err = config.ParseDurationField("scheduler.horizon", sc.Horizon); err != nil {
		return scheduler.Config{}, err
	}
	if _, err := scheduler.ParseTick(defaultString(out.Tick, "1m")); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.tick: %w", err)
	}
	return out, nil
}

func mapReminders(cfg *config.Config) (reminder.Config, error) {
	rc := config.RemindersOrDefault(cfg)
	out := reminder.Config{
		Enabled:         rc.Enabled,
		Workers:         rc.Workers,
		QueueSize:       rc.QueueSize,
		RatePerSec:      rc.RatePerSec,
		RetryMax:        rc.RetryMax,
		DedupMaxEntries: rc.DedupMaxEntries,
	}
	if cfg.Reminders == nil {
		out.RetryMax = 3
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"reminders.retry_base", rc.RetryBase, &out.RetryBase},
		{"reminders.retry_max_delay", rc.RetryMaxDelay, &out.RetryMaxDelay},
		{"reminders.send_timeout", rc.SendTimeout, &out.SendTimeout},
		{"reminders.late_grace", rc.LateGrace, &out.LateGrace},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return reminder.Config{}, err
		}
		*f.dst = d
	}
	var err error
	if out.DedupWindow, err = config.ParseDurationOrDefault("reminders.dedup_window", rc.DedupWindow, 24*time.Hour); err != nil {
		return reminder.Config{}, err
	}
	if out.LateGrace == 0 {
		out.LateGrace = time.Hour
	}
	if transportKind(cfg) == "telegram" {
		out.DefaultTarget = transport.Target{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
	} else {
		out.DefaultTarget = transport.Target{Address: "console"}
	}
	return out, nil
}

// transportKind picks the reminder transport: explicit setting first,
// telegram when a token is present, console otherwise.
func transportKind(cfg *config.Config) string {
	if k := strings.ToLower(strings.TrimSpace(config.RemindersOrDefault(cfg).Transport)); k != "" {
		return k
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		return "telegram"
	}
	return "console"
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  poll,
		AllowedUsers: append([]int64(nil), cfg.Telegram.AllowedUsers...),
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profiles run for 30s by default.
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
