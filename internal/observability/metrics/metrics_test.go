package metrics

import (
	"net/http/httptest"
	"recurd/internal/eventbus"
	"recurd/internal/reminder"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserve(t *testing.T) {
	t.Parallel()
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Observe(eventbus.Event{Type: eventbus.ScanFinished, Data: scheduler.ScanReport{
		Started: time.Unix(1700000000, 0), Duration: 20 * time.Millisecond, Committed: 3, Failed: 1,
	}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Name: "rule.evaluate", Duration: time.Millisecond}})
	m.Observe(eventbus.Event{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Name: "rule.evaluate", Error: "queue_full"}})
	m.Observe(eventbus.Event{Type: eventbus.ReminderSent, Data: reminder.Event{Key: "o#0"}})
	m.Observe(eventbus.Event{Type: eventbus.ReminderFailed, Data: reminder.Event{Key: "o#1", Error: reminder.ErrQueueFull.Error()}})

	body := scrape(t, m)
	for _, want := range []string{
		`recurd_scheduler_rules_total{outcome="committed"} 3`,
		`recurd_scheduler_rules_total{outcome="failed"} 1`,
		`recurd_scheduler_last_scan_timestamp_seconds 1.7e+09`,
		`recurd_scheduler_scan_duration_seconds_count 1`,
		`recurd_engine_task_failures_total{name="rule.evaluate",reason="error"} 1`,
		`recurd_engine_task_failures_total{name="rule.evaluate",reason="queue_full"} 1`,
		`recurd_reminders_deliveries_total{result="sent"} 1`,
		`recurd_reminders_deliveries_total{result="dropped"} 1`,
		`recurd_events_total{type="scan.finished"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestObserveIgnoresForeignPayloads(t *testing.T) {
	t.Parallel()
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Observe(eventbus.Event{Type: eventbus.ScanFinished, Data: "not a report"})
	if body := scrape(t, m); strings.Contains(body, "recurd_scheduler_rules_total{") {
		t.Fatalf("unexpected outcome series:\n%s", body)
	}
}

func TestGauge(t *testing.T) {
	t.Parallel()
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Gauge("reminders", "pending", "Armed reminder timers.", func() float64 { return 7 }); err != nil {
		t.Fatalf("Gauge: %v", err)
	}
	if body := scrape(t, m); !strings.Contains(body, "recurd_reminders_pending 7") {
		t.Fatalf("body missing gauge:\n%s", body)
	}
}
