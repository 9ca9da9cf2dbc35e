package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Secrets can be kept out of the config file.
const (
	EnvTelegramToken = "RECURD_TELEGRAM_TOKEN"
	EnvPostgresDSN   = "RECURD_POSTGRES_DSN"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// applyEnv overrides secrets from the environment. Empty variables are ignored.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvPostgresDSN)); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		cfg.Storage.DSN = v
	}
}

// ParseTarget reads "chat" or "chat/thread".
func ParseTarget(raw string) (chatID int64, threadID int, err error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(raw), "/")
	if chatID, err = strconv.ParseInt(chat, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid target %q", raw)
	}
	if hasThread {
		if threadID, err = strconv.Atoi(thread); err != nil {
			return 0, 0, fmt.Errorf("invalid target %q", raw)
		}
	}
	return chatID, threadID, nil
}

// Validate checks what can be checked without opening anything. Semantic
// checks of the tick expression and the timezone happen in the services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"scheduler.scan_timeout", cfg.Scheduler.ScanTimeout},
		{"scheduler.commit_timeout", cfg.Scheduler.CommitTimeout},
		{"scheduler.horizon", cfg.Scheduler.Horizon},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	if e := cfg.Engine; e != nil {
		durations = append(durations,
			struct{ path, raw string }{"engine.default_timeout", e.DefaultTimeout},
			struct{ path, raw string }{"engine.max_queue_delay", e.MaxQueueDelay},
		)
		if e.Workers < 0 || e.QueueSize < 0 || e.HistorySize < 0 {
			return fmt.Errorf("engine: workers, queue_size and history_size must be >= 0")
		}
	}
	if r := cfg.Reminders; r != nil {
		durations = append(durations,
			struct{ path, raw string }{"reminders.retry_base", r.RetryBase},
			struct{ path, raw string }{"reminders.retry_max_delay", r.RetryMaxDelay},
			struct{ path, raw string }{"reminders.send_timeout", r.SendTimeout},
			struct{ path, raw string }{"reminders.dedup_window", r.DedupWindow},
			struct{ path, raw string }{"reminders.late_grace", r.LateGrace},
		)
		if r.RetryMax < 0 {
			return fmt.Errorf("reminders.retry_max must be >= 0")
		}
		switch strings.ToLower(strings.TrimSpace(r.Transport)) {
		case "", "telegram", "console":
		default:
			return fmt.Errorf("reminders.transport: unknown %q", r.Transport)
		}
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if cfg.Scheduler.ScanLimit < 0 {
		return fmt.Errorf("scheduler.scan_limit must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if s := cfg.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "sqlite", "sqlite3", "file":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver)
			}
		case "postgres", "postgresql", "pgx":
			if strings.TrimSpace(s.DSN) == "" {
				return fmt.Errorf("storage.dsn (or %s) is required when storage.driver=%s", EnvPostgresDSN, s.Driver)
			}
		}
	}
	if t := strings.TrimSpace(cfg.Logging.Alert.Target); t != "" {
		if _, _, err := ParseTarget(t); err != nil {
			return fmt.Errorf("logging.alert.target: %w", err)
		}
	}
	if cfg.Ops.Enabled {
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("ops.addr: %w", err)
		}
		if !isLoopback(host) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			return fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
