package storage

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/occurrence"
	"recurd/internal/recurrence"
	"recurd/internal/rotation"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost compare-and-swap or an occurrence that
	// already exists for the rule and due date.
	ErrConflict = errors.New("version conflict")
)

// Error wraps a driver failure with the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only
}

type RuleStatus string

const (
	// StatusActive rules are picked up once EvaluateAt has passed.
	StatusActive RuleStatus = "active"
	// StatusWaiting rules wait for a completion (completion_date anchor).
	StatusWaiting RuleStatus = "waiting"
	// StatusTerminated rules reached their end and are never scanned again.
	StatusTerminated RuleStatus = "terminated"
	// StatusInvalid rules failed validation and wait for an edit.
	StatusInvalid RuleStatus = "invalid"
)

// RuleRecord is the persisted state of one recurring rule.
type RuleRecord struct {
	ID       string              `json:"id"`
	Spec     recurrence.Spec     `json:"spec"`
	Rotation rotation.State      `json:"rotation"`
	Template occurrence.Template `json:"template"`

	// Version increases on every write and guards all updates.
	Version int64 `json:"version"`
	// Reference is the anchor of the next computation: the prior due date,
	// the completion time or the series start.
	Reference time.Time `json:"reference"`
	// EvaluateAt is when the scheduler looks at the rule next. Nil while
	// waiting for a completion or after termination.
	EvaluateAt *time.Time `json:"evaluate_at,omitempty"`
	Status     RuleStatus `json:"status"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone deep-copies the mutable parts of the record.
func (r RuleRecord) Clone() RuleRecord {
	out := r
	out.Spec.DaysOfWeek = append([]int(nil), r.Spec.DaysOfWeek...)
	out.Rotation = r.Rotation.Clone()
	out.Template.Tags = append([]string(nil), r.Template.Tags...)
	out.Template.Reminders = append([]occurrence.Reminder(nil), r.Template.Reminders...)
	out.Template.Subtasks = append([]occurrence.Subtask(nil), r.Template.Subtasks...)
	if r.EvaluateAt != nil {
		t := *r.EvaluateAt
		out.EvaluateAt = &t
	}
	return out
}

// CommitUpdate is the rule state written together with a new occurrence.
type CommitUpdate struct {
	ExpectedVersion      int64
	OccurrencesCompleted int
	Rotation             rotation.State
	// Subtasks becomes the template checklist the next occurrence resets from.
	Subtasks   []occurrence.Subtask
	Reference  time.Time
	EvaluateAt *time.Time
	Status     RuleStatus
}

// Completion reports that an occurrence was finished.
type Completion struct {
	RuleID       string
	OccurrenceID string // optional; empty completes the rule's latest open occurrence
	CompletedAt  time.Time
	// Subtasks is the finished checklist, carried into the next occurrence.
	Subtasks []occurrence.Subtask
}

// AuditEntry records a scheduler decision or operator action.
type AuditEntry struct {
	At           time.Time `json:"at"`
	Action       string    `json:"action"`
	RuleID       string    `json:"rule_id,omitempty"`
	OccurrenceID string    `json:"occurrence_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Store is the persistence API used by the scheduler, the reminder service
// and the application.
type Store interface {
	// ListDueRules returns active rules with EvaluateAt <= now, oldest first.
	// limit <= 0 means no limit.
	ListDueRules(ctx context.Context, now time.Time, limit int) ([]RuleRecord, error)
	GetRule(ctx context.Context, id string) (RuleRecord, error)
	ListRules(ctx context.Context) ([]RuleRecord, error)
	// SaveRule inserts a rule (Version 0) or replaces it when Version matches.
	SaveRule(ctx context.Context, rec RuleRecord) (RuleRecord, error)

	// CommitOccurrence inserts the occurrence and applies upd atomically.
	CommitOccurrence(ctx context.Context, desc occurrence.Descriptor, upd CommitUpdate) error
	Disable(ctx context.Context, id string, expectedVersion int64, reason string) error
	MarkInvalid(ctx context.Context, id string, expectedVersion int64, reason string) error
	// Reschedule moves EvaluateAt; a nil evaluateAt parks the rule in waiting.
	Reschedule(ctx context.Context, id string, expectedVersion int64, evaluateAt *time.Time) error
	RecordCompletion(ctx context.Context, c Completion) (RuleRecord, error)

	ListOccurrences(ctx context.Context, ruleID string) ([]occurrence.Descriptor, error)
	OpenOccurrenceCount(ctx context.Context, user string) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// finishRecord normalizes a record after it was read from a driver.
func finishRecord(r RuleRecord, completed int) RuleRecord {
	r.Spec.OccurrencesCompleted = completed
	if r.Status == StatusTerminated {
		r.Spec.Enabled = false
	}
	return r
}

func timePtr(t time.Time) *time.Time { return &t }
