package engine

import (
	"context"
	"time"
)

// Config controls the rule executor.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt of a task without its own Timeout.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 keeps them regardless of age.
	MaxQueueDelay time.Duration
	HistorySize   int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = ±20%

	Breaker BreakerConfig
}

// BreakerConfig trips a key after Threshold consecutive failures. The key
// is refused for Cooldown, doubled per further failure up to MaxCooldown.
// Failures older than Forget are dropped. Threshold < 0 turns it off.
type BreakerConfig struct {
	Threshold   int
	Cooldown    time.Duration
	MaxCooldown time.Duration
	Forget      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	b := &c.Breaker
	if b.Threshold == 0 {
		b.Threshold = 5
	}
	if b.Cooldown <= 0 {
		b.Cooldown = 5 * time.Second
	}
	if b.MaxCooldown <= 0 {
		b.MaxCooldown = 2 * time.Minute
	}
	if b.Forget <= 0 {
		b.Forget = 5 * time.Minute
	}
	return c
}

// Task is one unit of work, usually the evaluation of a single rule.
//
// Key names the resource the task works on (the rule id). At most one task
// per key is queued or running, and the breaker counts failures per key.
// Key defaults to Name. Done, when set, is called exactly once for every
// accepted task, including tasks dropped from the queue.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	// Retries overrides Config.RetryMax; < 0 runs the task once.
	Retries int
	Run     func(ctx context.Context) error
	Done    func(err error)
}

func (t Task) attempts(cfg Config) int {
	switch {
	case t.Retries < 0:
		return 1
	case t.Retries == 0:
		return 1 + cfg.RetryMax
	default:
		return 1 + t.Retries
	}
}

// TaskEvent is the payload of task.* bus events and one entry of the
// history ring.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Reasons carried in TaskEvent.Error for tasks that never ran.
const (
	ReasonBusy        = "busy"
	ReasonBreakerOpen = "breaker_open"
	ReasonQueueFull   = "queue_full"
	ReasonStale       = "stale"
)

// Snapshot is a point-in-time view for status output and health checks.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Skipped      uint64
	DroppedFull  uint64
	DroppedStale uint64

	BreakerKeys int
	BreakerOpen int

	History []TaskEvent
}

// Dropped sums both drop reasons.
func (s Snapshot) Dropped() uint64 { return s.DroppedFull + s.DroppedStale }
