package config

import (
	"reflect"
	logx "recurd/pkg/logx"
	"sort"
	"strings"
)

// SummarizeConfigChange lists the changed sections and returns log fields
// describing the new values. Secrets (tokens, DSNs) are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	attrs := make([]logx.Field, 0, 16)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		mark("scheduler",
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(s.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.horizon", strings.TrimSpace(s.Horizon)),
			logx.Bool("scheduler.seed_file_set", strings.TrimSpace(s.SeedFile) != ""),
		)
	}

	oE, nE := deref(oldCfg.Engine), deref(newCfg.Engine)
	if (oldCfg.Engine == nil) != (newCfg.Engine == nil) || !reflect.DeepEqual(oE, nE) {
		mark("engine",
			logx.Bool("engine.present", newCfg.Engine != nil),
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.queue_size", nE.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
		)
	}

	oS, nS := deref(oldCfg.Storage), deref(newCfg.Storage)
	oS.DSN, nS.DSN = secretMark(oS.DSN), secretMark(nS.DSN)
	if !reflect.DeepEqual(oS, nS) {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
		)
	}

	if !reflect.DeepEqual(remindersOrDefault(oldCfg.Reminders), remindersOrDefault(newCfg.Reminders)) {
		r := remindersOrDefault(newCfg.Reminders)
		mark("reminders",
			logx.Bool("reminders.enabled", r.Enabled),
			logx.Int("reminders.workers", r.Workers),
			logx.Int("reminders.rate_per_sec", r.RatePerSec),
			logx.Int("reminders.retry_max", r.RetryMax),
			logx.String("reminders.transport", r.Transport),
		)
	}

	oT, nT := oldCfg.Telegram, newCfg.Telegram
	oT.Token, nT.Token = secretMark(oT.Token), secretMark(nT.Token)
	if !reflect.DeepEqual(oT, nT) {
		mark("telegram",
			logx.Bool("telegram.token_set", nT.Token != ""),
			logx.Int64("telegram.chat_id", nT.ChatID),
			logx.Int("telegram.allowed_users", len(nT.AllowedUsers)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nT.PollTimeout)),
		)
	}

	oO, nO := oldCfg.Ops, newCfg.Ops
	oO.Token, nO.Token = secretMark(oO.Token), secretMark(nO.Token)
	if oO != nO {
		mark("ops",
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.token_set", nO.Token != ""),
			logx.Bool("ops.pprof", nO.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "telegram":
			out = append(out, s)
		}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// secretMark keeps the set/unset distinction (and rotation) of a secret
// without exposing it.
func secretMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set:" + hashString(s)
}

// remindersOrDefault treats an omitted section as enabled with defaults.
func remindersOrDefault(r *RemindersConfig) RemindersConfig {
	if r == nil {
		return RemindersConfig{Enabled: true}
	}
	return *r
}

// RemindersOrDefault is remindersOrDefault for callers outside the package.
func RemindersOrDefault(cfg *Config) RemindersConfig {
	if cfg == nil {
		return RemindersConfig{Enabled: true}
	}
	return remindersOrDefault(cfg.Reminders)
}
