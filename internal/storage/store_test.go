package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"recurd/internal/occurrence"
	"recurd/internal/recurrence"
	"recurd/internal/rotation"
	logx "recurd/pkg/logx"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func factories(t *testing.T) []storeFactory {
	t.Helper()
	out := []storeFactory{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "file", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "recurd.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "recurd.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		}},
	}
	if dsn := os.Getenv("RECURD_TEST_POSTGRES_DSN"); dsn != "" {
		out = append(out, storeFactory{name: "postgres", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres store: %v", err)
			}
			return st
		}})
	}
	return out
}

var ruleSeq atomic.Int64

func sampleRule(t *testing.T, anchor recurrence.Anchor) RuleRecord {
	t.Helper()
	ref := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	// Unique ids keep postgres runs independent.
	id := t.Name() + "-" + time.Now().Format("150405.000000000") + "-" + string(rune('a'+ruleSeq.Add(1)%26))
	return RuleRecord{
		ID: id,
		Spec: recurrence.Spec{
			Enabled:   true,
			Frequency: recurrence.FreqDaily,
			Type:      anchor,
		},
		Rotation: rotation.State{Strategy: rotation.RoundRobin, Pool: []string{"alice", "bob"}},
		Template: occurrence.Template{
			ID:    "tpl-1",
			Title: "File status report",
			Subtasks: []occurrence.Subtask{
				{ID: "s1", Title: "Draft", Order: 1, AutoReset: true},
			},
		},
		Reference:  ref,
		EvaluateAt: timePtr(ref),
		Status:     StatusActive,
	}
}

func descriptorFor(rec RuleRecord, due time.Time, assignee string) occurrence.Descriptor {
	rule, _ := rec.Spec.Normalize()
	return occurrence.New(rec.Template, rec.ID, rule, due, assignee, occurrence.ResetSubtasks(rec.Template.Subtasks))
}

func commitNext(ctx context.Context, st Store, rec RuleRecord, due time.Time, assignee string) error {
	desc := descriptorFor(rec, due, assignee)
	return st.CommitOccurrence(ctx, desc, CommitUpdate{
		ExpectedVersion:      rec.Version,
		OccurrencesCompleted: rec.Spec.OccurrencesCompleted + 1,
		Rotation:             rec.Rotation,
		Reference:            due,
		EvaluateAt:           timePtr(due),
		Status:               StatusActive,
	})
}

func TestStoreContract(t *testing.T) {
	for _, f := range factories(t) {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, f.open(t)) })
			t.Run("CommitAdvancesRule", func(t *testing.T) { testCommitAdvancesRule(t, f.open(t)) })
			t.Run("CommitStaleVersion", func(t *testing.T) { testCommitStaleVersion(t, f.open(t)) })
			t.Run("ConcurrentCommitOnce", func(t *testing.T) { testConcurrentCommitOnce(t, f.open(t)) })
			t.Run("ListDueRules", func(t *testing.T) { testListDueRules(t, f.open(t)) })
			t.Run("CompletionRevivesWaitingRule", func(t *testing.T) { testCompletionRevivesWaitingRule(t, f.open(t)) })
			t.Run("StaleCompletionKeepsRuleParked", func(t *testing.T) { testStaleCompletionKeepsRuleParked(t, f.open(t)) })
			t.Run("DisableAndInvalid", func(t *testing.T) { testDisableAndInvalid(t, f.open(t)) })
			t.Run("Dedup", func(t *testing.T) { testDedup(t, f.open(t)) })
		})
	}
}

func testSaveAndGet(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	rec := sampleRule(t, recurrence.AnchorDueDate)

	saved, err := st.SaveRule(ctx, rec)
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("version = %d, want 1", saved.Version)
	}
	if _, err := st.SaveRule(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("second insert err = %v, want ErrConflict", err)
	}

	got, err := st.GetRule(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Template.Title != rec.Template.Title || len(got.Rotation.Pool) != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.Reference.Equal(rec.Reference) || got.EvaluateAt == nil || !got.EvaluateAt.Equal(*rec.EvaluateAt) {
		t.Fatalf("times not preserved: ref=%v eval=%v", got.Reference, got.EvaluateAt)
	}

	got.Template.Title = "Renamed"
	updated, err := st.SaveRule(ctx, got)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version after update = %d, want 2", updated.Version)
	}
	if _, err := st.SaveRule(ctx, got); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
	if _, err := st.GetRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing rule err = %v, want ErrNotFound", err)
	}
}

func testCommitAdvancesRule(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	rec, err := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorDueDate))
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	due := rec.Reference.AddDate(0, 0, 1)
	if err := commitNext(ctx, st, rec, due, "alice"); err != nil {
		t.Fatalf("CommitOccurrence: %v", err)
	}

	got, err := st.GetRule(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Version != rec.Version+1 || got.Spec.OccurrencesCompleted != 1 {
		t.Fatalf("rule not advanced: version=%d completed=%d", got.Version, got.Spec.OccurrencesCompleted)
	}
	if !got.Reference.Equal(due) {
		t.Fatalf("reference = %v, want %v", got.Reference, due)
	}

	occs, err := st.ListOccurrences(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListOccurrences: %v", err)
	}
	if len(occs) != 1 || occs[0].Sequence != 1 || occs[0].Status != occurrence.StatusTodo {
		t.Fatalf("unexpected occurrences: %+v", occs)
	}
	n, err := st.OpenOccurrenceCount(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("OpenOccurrenceCount = %d, %v; want 1", n, err)
	}
}

func testCommitStaleVersion(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	rec, err := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorDueDate))
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	due := rec.Reference.AddDate(0, 0, 1)
	if err := commitNext(ctx, st, rec, due, "alice"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// Same version again: lost race.
	if err := commitNext(ctx, st, rec, due.AddDate(0, 0, 1), "bob"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale commit err = %v, want ErrConflict", err)
	}

	// Fresh version but same due date: duplicate occurrence.
	cur, err := st.GetRule(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if err := commitNext(ctx, st, cur, due, "bob"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate due err = %v, want ErrConflict", err)
	}
	after, _ := st.GetRule(ctx, rec.ID)
	if after.Version != cur.Version {
		t.Fatalf("failed commit changed version %d -> %d", cur.Version, after.Version)
	}
	occs, _ := st.ListOccurrences(ctx, rec.ID)
	if len(occs) != 1 {
		t.Fatalf("occurrences = %d, want 1", len(occs))
	}
}

func testConcurrentCommitOnce(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	rec, err := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorDueDate))
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	due := rec.Reference.AddDate(0, 0, 1)

	const workers = 8
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		other   atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := commitNext(ctx, st, rec, due, "alice")
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, ErrConflict):
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()
	if success.Load() != 1 || other.Load() != 0 {
		t.Fatalf("success=%d unexpected=%d, want exactly one success", success.Load(), other.Load())
	}
	occs, _ := st.ListOccurrences(ctx, rec.ID)
	if len(occs) != 1 {
		t.Fatalf("occurrences = %d, want 1", len(occs))
	}
}

func testListDueRules(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	early := sampleRule(t, recurrence.AnchorDueDate)
	late := sampleRule(t, recurrence.AnchorDueDate)
	late.EvaluateAt = timePtr(early.EvaluateAt.Add(48 * time.Hour))
	waiting := sampleRule(t, recurrence.AnchorCompletionDate)
	waiting.Status = StatusWaiting
	waiting.EvaluateAt = nil
	for _, r := range []RuleRecord{early, late, waiting} {
		if _, err := st.SaveRule(ctx, r); err != nil {
			t.Fatalf("SaveRule %s: %v", r.ID, err)
		}
	}

	now := early.EvaluateAt.Add(time.Hour)
	due, err := st.ListDueRules(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDueRules: %v", err)
	}
	var ids []string
	for _, r := range due {
		if r.ID == early.ID || r.ID == late.ID || r.ID == waiting.ID {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) != 1 || ids[0] != early.ID {
		t.Fatalf("due ids = %v, want [%s]", ids, early.ID)
	}
}

func testCompletionRevivesWaitingRule(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	rec, err := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorCompletionDate))
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	due := rec.Reference.AddDate(0, 0, 1)
	desc := descriptorFor(rec, due, "alice")
	err = st.CommitOccurrence(ctx, desc, CommitUpdate{
		ExpectedVersion:      rec.Version,
		OccurrencesCompleted: 1,
		Rotation:             rec.Rotation,
		Reference:            due,
		Status:               StatusWaiting,
	})
	if err != nil {
		t.Fatalf("CommitOccurrence: %v", err)
	}
	parked, _ := st.GetRule(ctx, rec.ID)
	if parked.Status != StatusWaiting || parked.EvaluateAt != nil {
		t.Fatalf("rule not parked: status=%s eval=%v", parked.Status, parked.EvaluateAt)
	}

	doneAt := due.Add(30 * time.Hour)
	finished := occurrence.ResetSubtasks(desc.Subtasks)
	finished[0].Completed = true
	got, err := st.RecordCompletion(ctx, Completion{RuleID: rec.ID, CompletedAt: doneAt, Subtasks: finished})
	if err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if got.Status != StatusActive || got.EvaluateAt == nil || !got.EvaluateAt.Equal(doneAt) || !got.Reference.Equal(doneAt) {
		t.Fatalf("rule not revived: %+v", got)
	}
	if len(got.Template.Subtasks) != 1 || !got.Template.Subtasks[0].Completed {
		t.Fatalf("template checklist not carried: %+v", got.Template.Subtasks)
	}
	occs, _ := st.ListOccurrences(ctx, rec.ID)
	if len(occs) != 1 || occs[0].Status != occurrence.StatusDone || occs[0].CompletedAt == nil {
		t.Fatalf("occurrence not completed: %+v", occs)
	}
	if n, _ := st.OpenOccurrenceCount(ctx, "alice"); n != 0 {
		t.Fatalf("open count = %d, want 0", n)
	}
	if _, err := st.RecordCompletion(ctx, Completion{RuleID: rec.ID, OccurrenceID: "nope", CompletedAt: doneAt}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown occurrence err = %v, want ErrNotFound", err)
	}
}

func testStaleCompletionKeepsRuleParked(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	rec, err := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorCompletionDate))
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	first := rec.Reference.AddDate(0, 0, 1)
	if err := commitNext(ctx, st, rec, first, "alice"); err != nil {
		t.Fatalf("commit first: %v", err)
	}
	cur, _ := st.GetRule(ctx, rec.ID)
	second := first.AddDate(0, 0, 1)
	desc := descriptorFor(cur, second, "bob")
	err = st.CommitOccurrence(ctx, desc, CommitUpdate{
		ExpectedVersion:      cur.Version,
		OccurrencesCompleted: cur.Spec.OccurrencesCompleted + 1,
		Rotation:             cur.Rotation,
		Reference:            second,
		Status:               StatusWaiting,
	})
	if err != nil {
		t.Fatalf("commit second: %v", err)
	}

	// Finishing an older occurrence leaves the newest one open.
	oldID := occurrence.ID(rec.ID, first)
	got, err := st.RecordCompletion(ctx, Completion{RuleID: rec.ID, OccurrenceID: oldID, CompletedAt: second})
	if err != nil {
		t.Fatalf("RecordCompletion old: %v", err)
	}
	if got.Status != StatusWaiting || got.EvaluateAt != nil {
		t.Fatalf("older completion revived rule: status=%s eval=%v", got.Status, got.EvaluateAt)
	}
	if _, err := st.RecordCompletion(ctx, Completion{RuleID: rec.ID, OccurrenceID: oldID, CompletedAt: second}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second completion err = %v, want ErrConflict", err)
	}
	got, _ = st.GetRule(ctx, rec.ID)
	if got.Status != StatusWaiting {
		t.Fatalf("status after repeat = %s, want waiting", got.Status)
	}

	doneAt := second.Add(2 * time.Hour)
	got, err = st.RecordCompletion(ctx, Completion{RuleID: rec.ID, OccurrenceID: desc.ID, CompletedAt: doneAt})
	if err != nil {
		t.Fatalf("RecordCompletion newest: %v", err)
	}
	if got.Status != StatusActive || !got.Reference.Equal(doneAt) {
		t.Fatalf("newest completion did not revive rule: %+v", got)
	}
}

func testDisableAndInvalid(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	a, _ := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorDueDate))
	b, _ := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorDueDate))

	if err := st.Disable(ctx, a.ID, a.Version, "max occurrences reached"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	got, _ := st.GetRule(ctx, a.ID)
	if got.Status != StatusTerminated || got.Spec.Enabled || got.EvaluateAt != nil {
		t.Fatalf("rule not terminated: %+v", got)
	}
	if err := st.Disable(ctx, a.ID, a.Version, "again"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale disable err = %v, want ErrConflict", err)
	}

	if err := st.MarkInvalid(ctx, b.ID, b.Version, "dayOfMonth: must be 1..31"); err != nil {
		t.Fatalf("MarkInvalid: %v", err)
	}
	got, _ = st.GetRule(ctx, b.ID)
	if got.Status != StatusInvalid || got.LastError == "" {
		t.Fatalf("rule not invalid: %+v", got)
	}

	next := got.Reference.Add(time.Hour)
	if err := st.Reschedule(ctx, b.ID, got.Version, &next); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	got, _ = st.GetRule(ctx, b.ID)
	if got.Status != StatusActive || got.EvaluateAt == nil || !got.EvaluateAt.Equal(next) {
		t.Fatalf("rule not rescheduled: %+v", got)
	}
	if err := st.AppendAudit(ctx, AuditEntry{Action: "rule.terminated", RuleID: a.ID}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func testDedup(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	key := t.Name() + "|reminder"
	if _, ok, err := st.GetDedup(ctx, key); err != nil || ok {
		t.Fatalf("empty GetDedup = %v, %v", ok, err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, key, until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, key)
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup = %v, %v, %v; want %v", got, ok, err, until)
	}
	if err := st.PutDedup(ctx, key, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup expired: %v", err)
	}
	if _, ok, _ := st.GetDedup(ctx, key); ok {
		t.Fatal("expired key still reported")
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, err := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorDueDate))
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	due := rec.Reference.AddDate(0, 0, 1)
	if err := commitNext(ctx, st, rec, due, "alice"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Simulate a crash: append a torn line without closing (no compaction).
	fs := st.(*fileStore)
	if _, err := fs.journal.WriteString(`{"rule":{"id":"torn"`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}

	reopened, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetRule(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRule after replay: %v", err)
	}
	if got.Spec.OccurrencesCompleted != 1 || got.Version != rec.Version+1 {
		t.Fatalf("replayed rule = %+v", got)
	}
	// The unique (rule, due) index survives replay.
	if err := commitNext(ctx, reopened, got, due, "bob"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate after replay err = %v, want ErrConflict", err)
	}
	if _, err := reopened.GetRule(ctx, "torn"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("torn rule err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreCompactsOnClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, _ := st.SaveRule(ctx, sampleRule(t, recurrence.AnchorDueDate))
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(filepath.Join(filepath.Dir(path), "state.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("journal size after compaction = %d, want 0", info.Size())
	}

	reopened, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetRule(ctx, rec.ID); err != nil {
		t.Fatalf("GetRule from snapshot: %v", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "disabled", cfg: Config{}, wantErr: ErrDisabled},
		{name: "none", cfg: Config{Driver: "none"}, wantErr: ErrDisabled},
		{name: "file without path", cfg: Config{Driver: "file"}},
		{name: "sqlite without path", cfg: Config{Driver: "sqlite"}},
		{name: "postgres without dsn", cfg: Config{Driver: "postgres"}},
		{name: "unknown", cfg: Config{Driver: "bolt"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st, err := Open(tt.cfg, logx.Nop())
			if err == nil {
				_ = st.Close()
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRebindDollar(t *testing.T) {
	t.Parallel()
	got := rebindDollar(`SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?`)
	want := `SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3`
	if got != want {
		t.Fatalf("rebindDollar = %q, want %q", got, want)
	}
}
