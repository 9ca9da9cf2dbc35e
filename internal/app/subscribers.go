package app

import (
	"context"
	"fmt"
	"recurd/internal/eventbus"
	"recurd/internal/occurrence"
	"recurd/internal/reminder"
	"recurd/internal/storage"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
	"time"
)

// auditEntry maps a bus event to an audit row; ok is false for events that
// are not audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	entry := storage.AuditEntry{At: e.Time, Action: e.Type}
	switch d := e.Data.(type) {
	case occurrence.Descriptor:
		entry.RuleID = d.RuleID
		entry.OccurrenceID = d.ID
		entry.Detail = fmt.Sprintf("seq=%d due=%s assignee=%s", d.Sequence, d.DueDate.Format(time.RFC3339), d.Assignee)
	case storage.Completion:
		entry.RuleID = d.RuleID
		entry.OccurrenceID = d.OccurrenceID
		entry.Detail = "completed_at=" + d.CompletedAt.Format(time.RFC3339)
	case reminder.Event:
		entry.OccurrenceID = d.OccurrenceID
		entry.Detail = fmt.Sprintf("key=%s attempts=%d", d.Key, d.Attempts)
		entry.Error = d.Error
	case string:
		entry.RuleID = d
	default:
		return storage.AuditEntry{}, false
	}
	return entry, true
}

// auditLoop appends occurrence, rule and reminder-failure events to the
// store's audit trail.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := a.store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				a.log.Warn("audit append failed", logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}

// completionLoop disarms the reminders of completed occurrences.
func (a *App) completionLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c, ok := e.Data.(storage.Completion)
			if !ok {
				continue
			}
			if c.OccurrenceID != "" {
				a.reminders.Cancel(c.OccurrenceID)
				continue
			}
			// The store completed the latest open occurrence; cancel every
			// finished one of the rule.
			occs, err := a.store.ListOccurrences(ctx, c.RuleID)
			if err != nil {
				a.log.Warn("list occurrences failed", logx.String("rule", c.RuleID), logx.Err(err))
				continue
			}
			for _, o := range occs {
				if o.Status == occurrence.StatusDone {
					a.reminders.Cancel(o.ID)
				}
			}
		}
	}
}

// eventLogLoop mirrors the bus at debug level.
func (a *App) eventLogLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if a.log.Enabled(logx.LevelDebug) {
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if rep, ok := e.Data.(scheduler.ScanReport); ok {
					fields = append(fields, logx.Int("due", rep.Due), logx.Int("committed", rep.Committed))
				}
				a.log.Debug("event", fields...)
			}
		}
	}
}

// rearmReminders schedules the reminders of open occurrences after a
// restart; timers live in memory only.
func (a *App) rearmReminders(ctx context.Context) {
	rules, err := a.store.ListRules(ctx)
	if err != nil {
		a.log.Warn("reminder rearm skipped", logx.Err(err))
		return
	}
	n := 0
	for _, r := range rules {
		occs, err := a.store.ListOccurrences(ctx, r.ID)
		if err != nil {
			a.log.Warn("reminder rearm: list occurrences failed", logx.String("rule", r.ID), logx.Err(err))
			continue
		}
		for _, o := range occs {
			if o.Status == occurrence.StatusDone || len(o.Reminders) == 0 {
				continue
			}
			a.reminders.Schedule(ctx, o)
			n++
		}
	}
	if n > 0 {
		a.log.Info("reminders rearmed", logx.Int("occurrences", n))
	}
}
