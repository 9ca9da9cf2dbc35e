package scheduler

import (
	"context"
	"recurd/internal/occurrence"
	"recurd/internal/storage"
	"time"
)

// Store is the persistence the loop needs.
type Store interface {
	ListDueRules(ctx context.Context, now time.Time, limit int) ([]storage.RuleRecord, error)
	GetRule(ctx context.Context, id string) (storage.RuleRecord, error)
	SaveRule(ctx context.Context, rec storage.RuleRecord) (storage.RuleRecord, error)
	CommitOccurrence(ctx context.Context, desc occurrence.Descriptor, upd storage.CommitUpdate) error
	Disable(ctx context.Context, id string, expectedVersion int64, reason string) error
	MarkInvalid(ctx context.Context, id string, expectedVersion int64, reason string) error
	Reschedule(ctx context.Context, id string, expectedVersion int64, evaluateAt *time.Time) error
	RecordCompletion(ctx context.Context, c storage.Completion) (storage.RuleRecord, error)
}

// Workload answers least_assigned queries.
type Workload interface {
	OpenOccurrenceCount(ctx context.Context, user string) (int, error)
}

// Reminders receives committed occurrences. Schedule must not block.
type Reminders interface {
	Schedule(ctx context.Context, occ occurrence.Descriptor)
}
