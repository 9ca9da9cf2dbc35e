package config

// Config is the recurd configuration file (JSON or YAML).
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Engine    *EngineConfig    `json:"engine,omitempty"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Reminders *RemindersConfig `json:"reminders,omitempty"`
	Telegram  TelegramConfig   `json:"telegram"`
	Ops       OpsConfig        `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings and errors to the reminder transport.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	// Target overrides telegram.chat_id/thread_id ("chat" or "chat/thread").
	Target string `json:"target,omitempty"`
}

// SchedulerConfig controls the scan loop.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1m"
//   - scan_timeout: "30s"
//   - commit_timeout: "10s"
//   - horizon: "0s" (generate at the due date)
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Tick is a cron expression ("*/5 * * * *", "@hourly") or an interval
	// ("1m", "00:05", "every:30s").
	Tick          string `json:"tick,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	ScanTimeout   string `json:"scan_timeout,omitempty"`
	CommitTimeout string `json:"commit_timeout,omitempty"`
	ScanLimit     int    `json:"scan_limit,omitempty"`
	Horizon       string `json:"horizon,omitempty"`
	RandomSeed    uint64 `json:"random_seed,omitempty"`

	// SeedFile is a YAML file of rules registered at startup and on change.
	SeedFile string `json:"seed_file,omitempty"`
}

// EngineConfig controls the rule executor.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// RemindersConfig controls reminder delivery. If the whole section is
// omitted, reminders default to enabled.
type RemindersConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	LateGrace       string `json:"late_grace,omitempty"`
	// Transport is "telegram" or "console"; empty picks telegram when a
	// token is configured.
	Transport string `json:"transport,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// AllowedUsers may run commands; empty allows everyone.
	AllowedUsers []int64 `json:"allowed_users,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
