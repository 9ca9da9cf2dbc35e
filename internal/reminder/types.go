package reminder

import (
	"context"
	"recurd/internal/transport"
	"time"
)

// Config controls reminder timers and the send pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// DedupWindow suppresses a second send of the same reminder; 0 disables.
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Late reminders fire immediately while their occurrence is not yet due
	// plus LateGrace; older ones are dropped.
	LateGrace time.Duration

	// DefaultTarget receives reminders whose template names no target.
	DefaultTarget transport.Target
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.LateGrace < 0 {
		c.LateGrace = 0
	}
	return c
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Event is published on the bus for sent and failed reminders.
type Event struct {
	OccurrenceID string    `json:"occurrence_id"`
	Key          string    `json:"key"`
	Channel      string    `json:"channel"`
	Attempts     int       `json:"attempts"`
	At           time.Time `json:"at"`
	Error        string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At   time.Time
	Key  string
	Text string
}

// Snapshot is a diagnostic view of the service.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Pending  int
	QueueLen int
	Sent     uint64
	Failed   uint64
	Deduped  uint64
	Dropped  uint64
	History  []HistoryItem
}
