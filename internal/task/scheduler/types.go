package scheduler

import (
	"recurd/internal/occurrence"
	"recurd/internal/recurrence"
	"recurd/internal/rotation"
	"recurd/internal/task/engine"
	"sync/atomic"
	"time"
)

// Config controls the scheduler loop.
type Config struct {
	Enabled bool
	// Tick is a cron expression or an interval ("1m", "00:05", "@every 30s").
	Tick     string
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	ScanTimeout   time.Duration
	CommitTimeout time.Duration
	// ScanLimit caps the rules handled per scan; 0 means no cap.
	ScanLimit int
	// Horizon is how far ahead of its due date an occurrence may be
	// generated. Rules whose next due date lies further out are rescheduled.
	// 0 generates at the due date.
	Horizon time.Duration
	// RandomSeed seeds the random assignee strategy; 0 picks a time seed.
	RandomSeed uint64
}

func (c Config) withDefaults() Config {
	if c.Tick == "" {
		c.Tick = "1m"
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 30 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	if c.ScanLimit < 0 {
		c.ScanLimit = 0
	}
	if c.Horizon < 0 {
		c.Horizon = 0
	}
	return c
}

// State is the phase of the scheduler loop.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateGenerating
	StateCommitting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateGenerating:
		return "generating"
	case StateCommitting:
		return "committing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// RuleDef is the input of Register.
type RuleDef struct {
	ID       string
	Spec     recurrence.Spec
	Rotation rotation.State
	Template occurrence.Template
	// Start is the reference of the first occurrence: the series start for
	// due_date rules, or the creation time for completion_date rules.
	Start time.Time
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Due         int           `json:"due"`
	Committed   int           `json:"committed"`
	Rescheduled int           `json:"rescheduled"`
	Terminated  int           `json:"terminated"`
	Invalid     int           `json:"invalid"`
	Conflicts   int           `json:"conflicts"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	// Backlog counts rules whose next evaluation is already due; the loop
	// rescans immediately to catch up.
	Backlog int `json:"backlog"`
}

// Snapshot is a diagnostic view of the scheduler.
type Snapshot struct {
	Enabled  bool
	State    string
	Timezone string
	Tick     string
	NextTick time.Time

	Scans     uint64
	Committed uint64
	Conflicts uint64
	Failed    uint64
	LastScan  ScanReport
	LastError string

	Engine engine.Snapshot
}

type counters struct {
	scans     atomic.Uint64
	committed atomic.Uint64
	conflicts atomic.Uint64
	failed    atomic.Uint64
}

// outcome of one rule evaluation.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeCommitted
	outcomeRescheduled
	outcomeTerminated
	outcomeInvalid
	outcomeConflict
	outcomeFailed
)

type ruleResult struct {
	outcome outcome
	backlog bool
	err     error
}
