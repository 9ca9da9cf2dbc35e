package app

import (
	"recurd/internal/eventbus"
	"recurd/internal/occurrence"
	"recurd/internal/reminder"
	"recurd/internal/storage"
	"strings"
	"testing"
	"time"
)

func TestAuditEntry(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		event  eventbus.Event
		ok     bool
		rule   string
		occ    string
		detail string
		errStr string
	}{
		{
			name: "committed",
			event: eventbus.Event{Type: eventbus.OccurrenceCommitted, Time: at, Data: occurrence.Descriptor{
				ID: "o1", RuleID: "r1", Sequence: 3, DueDate: at, Assignee: "ana",
			}},
			ok: true, rule: "r1", occ: "o1", detail: "seq=3 due=2025-03-01T08:00:00Z assignee=ana",
		},
		{
			name:  "completed",
			event: eventbus.Event{Type: eventbus.RuleCompleted, Time: at, Data: storage.Completion{RuleID: "r1", CompletedAt: at}},
			ok:    true, rule: "r1", detail: "completed_at=2025-03-01T08:00:00Z",
		},
		{
			name:  "reminder failed",
			event: eventbus.Event{Type: eventbus.ReminderFailed, Time: at, Data: reminder.Event{OccurrenceID: "o1", Key: "o1#0", Attempts: 4, Error: "boom"}},
			ok:    true, occ: "o1", detail: "key=o1#0 attempts=4", errStr: "boom",
		},
		{
			name:  "rule id",
			event: eventbus.Event{Type: eventbus.RuleTerminated, Time: at, Data: "r2"},
			ok:    true, rule: "r2",
		},
		{
			name:  "not audited",
			event: eventbus.Event{Type: eventbus.ScanFinished, Time: at, Data: 42},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := auditEntry(tt.event)
			if ok != tt.ok {
				t.Fatalf("ok = %v; want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Action != tt.event.Type || !got.At.Equal(at) {
				t.Fatalf("entry = %+v", got)
			}
			if got.RuleID != tt.rule || got.OccurrenceID != tt.occ || got.Error != tt.errStr {
				t.Fatalf("entry = %+v", got)
			}
			if !strings.HasPrefix(got.Detail, tt.detail) {
				t.Fatalf("detail = %q; want %q", got.Detail, tt.detail)
			}
		})
	}
}
