package eventbus

import "testing"

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	rules, unsubRules := b.Subscribe(4, "rule.")
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: RuleTerminated, Data: "r1"})
	b.Publish(Event{Type: OccurrenceCommitted, Data: "o1"})

	if got := <-rules; got.Type != RuleTerminated || got.Time.IsZero() {
		t.Fatalf("rules got %+v", got)
	}
	select {
	case e := <-rules:
		t.Fatalf("unexpected event for rule subscriber: %+v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("all subscriber buffered %d events, want 2", len(all))
	}

	unsubRules()
	unsubRules()
	if _, ok := <-rules; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	b.Publish(Event{Type: RuleInvalid})
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: TaskDone})
	b.Publish(Event{Type: TaskDone})
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}
}
