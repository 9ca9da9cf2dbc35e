package scheduler

import (
	"context"
	"errors"
	"recurd/internal/eventbus"
	"recurd/internal/occurrence"
	"recurd/internal/recurrence"
	"recurd/internal/rotation"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func intPtr(v int) *int { return &v }

type clock struct{ ns atomic.Int64 }

func newClock(t time.Time) *clock {
	c := &clock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *clock) Now() time.Time      { return time.Unix(0, c.ns.Load()).UTC() }
func (c *clock) Set(t time.Time)     { c.ns.Store(t.UnixNano()) }
func (c *clock) Add(d time.Duration) { c.ns.Add(int64(d)) }

type recordingReminders struct {
	mu   sync.Mutex
	occs []occurrence.Descriptor
}

func (r *recordingReminders) Schedule(_ context.Context, occ occurrence.Descriptor) {
	r.mu.Lock()
	r.occs = append(r.occs, occ)
	r.mu.Unlock()
}

func (r *recordingReminders) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.occs)
}

func newTestService(t *testing.T, st storage.Store, clk *clock, eng *engine.Service, cfg Config, opts ...Option) (*Service, *recordingReminders) {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	rem := &recordingReminders{}
	opts = append([]Option{WithClock(clk.Now), WithRotator(rotation.New(nil, 42))}, opts...)
	return New(cfg, st, st, rem, eng, logx.Nop(), nil, opts...), rem
}

func scanOnce(t *testing.T, s *Service) ScanReport {
	t.Helper()
	rep, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	return rep
}

func register(t *testing.T, s *Service, def RuleDef) storage.RuleRecord {
	t.Helper()
	rec, err := s.Register(context.Background(), def)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return rec
}

func fixed(user string) rotation.State {
	return rotation.State{Strategy: rotation.Fixed, Fixed: user}
}

func TestCustomIntervalCommitsInOrder(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	day0 := at(2024, time.January, 1, 9)
	clk := newClock(day0.AddDate(0, 0, 30))
	s, rem := newTestService(t, st, clk, nil, Config{})

	rec := register(t, s, RuleDef{
		ID:       "filing",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqCustom, Interval: intPtr(5)},
		Rotation: fixed("ana"),
		Template: occurrence.Template{ID: "task-1", Title: "Court filing"},
		Start:    day0,
	})

	version := rec.Version
	for i := 1; i <= 3; i++ {
		rep := scanOnce(t, s)
		if rep.Committed != 1 || rep.Backlog != 1 {
			t.Fatalf("scan %d: committed=%d backlog=%d", i, rep.Committed, rep.Backlog)
		}
		got, err := st.GetRule(context.Background(), "filing")
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if got.Spec.OccurrencesCompleted != i {
			t.Fatalf("scan %d: completed = %d", i, got.Spec.OccurrencesCompleted)
		}
		if got.Version <= version {
			t.Fatalf("scan %d: version %d did not grow past %d", i, got.Version, version)
		}
		version = got.Version
	}

	occs, err := st.ListOccurrences(context.Background(), "filing")
	if err != nil {
		t.Fatalf("ListOccurrences: %v", err)
	}
	if len(occs) != 3 {
		t.Fatalf("occurrences = %d, want 3", len(occs))
	}
	for i, o := range occs {
		want := day0.AddDate(0, 0, 5*(i+1))
		if !o.DueDate.Equal(want) || o.Sequence != i+1 {
			t.Fatalf("occurrence %d: due=%v seq=%d, want %v seq=%d", i, o.DueDate, o.Sequence, want, i+1)
		}
		if o.Title != "Court filing" || o.ParentID != "task-1" || o.Assignee != "ana" {
			t.Fatalf("occurrence %d fields: %+v", i, o)
		}
	}
	if rem.count() != 3 {
		t.Fatalf("reminder schedules = %d, want 3", rem.count())
	}
}

func TestMaxOccurrencesTerminates(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	start := at(2024, time.March, 1, 8)
	clk := newClock(start.AddDate(0, 1, 0))
	s, _ := newTestService(t, st, clk, nil, Config{})

	register(t, s, RuleDef{
		ID:       "standup",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily, MaxOccurrences: intPtr(3)},
		Rotation: fixed("ana"),
		Template: occurrence.Template{Title: "Standup notes"},
		Start:    start,
	})

	total := 0
	for i := 0; i < 4; i++ {
		total += scanOnce(t, s).Committed
	}
	if total != 3 {
		t.Fatalf("committed = %d, want 3", total)
	}
	got, _ := st.GetRule(context.Background(), "standup")
	if got.Status != storage.StatusTerminated || got.Spec.Enabled {
		t.Fatalf("status=%s enabled=%v, want terminated and disabled", got.Status, got.Spec.Enabled)
	}
	if got.Spec.OccurrencesCompleted != 3 {
		t.Fatalf("completed = %d, want 3", got.Spec.OccurrencesCompleted)
	}
	if rep := scanOnce(t, s); rep.Due != 0 {
		t.Fatalf("terminated rule still scanned: due=%d", rep.Due)
	}
}

func TestEndDateDisablesRule(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	start := at(2024, time.March, 1, 8)
	end := start.AddDate(0, 0, 2)
	clk := newClock(start.AddDate(0, 0, 10))
	s, _ := newTestService(t, st, clk, nil, Config{})

	register(t, s, RuleDef{
		ID:       "limited",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily, EndDate: &end},
		Rotation: fixed("ana"),
		Start:    start,
	})
	var committed, terminated int
	for i := 0; i < 4; i++ {
		rep := scanOnce(t, s)
		committed += rep.Committed
		terminated += rep.Terminated
	}
	if committed != 2 || terminated != 1 {
		t.Fatalf("committed=%d terminated=%d, want 2 and 1", committed, terminated)
	}
	got, _ := st.GetRule(context.Background(), "limited")
	if got.Status != storage.StatusTerminated || got.Spec.Enabled {
		t.Fatalf("status=%s enabled=%v", got.Status, got.Spec.Enabled)
	}
}

func TestRoundRobinAcrossScans(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	start := at(2024, time.May, 6, 9)
	clk := newClock(start.AddDate(0, 0, 20))
	s, _ := newTestService(t, st, clk, nil, Config{})

	register(t, s, RuleDef{
		ID:       "review",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily},
		Rotation: rotation.State{Strategy: rotation.RoundRobin, Pool: []string{"A", "B", "C"}},
		Start:    start,
	})
	for i := 0; i < 4; i++ {
		scanOnce(t, s)
	}
	occs, _ := st.ListOccurrences(context.Background(), "review")
	var got []string
	for _, o := range occs {
		got = append(got, o.Assignee)
	}
	want := []string{"A", "B", "C", "A"}
	if len(got) != len(want) {
		t.Fatalf("assignees = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("assignees = %v, want %v", got, want)
		}
	}
}

func TestSubtasksResetBetweenOccurrences(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	start := at(2024, time.May, 6, 9)
	clk := newClock(start.Add(24 * time.Hour))
	s, _ := newTestService(t, st, clk, nil, Config{})

	done := start
	register(t, s, RuleDef{
		ID:       "checklist",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily, Type: recurrence.AnchorCompletionDate},
		Rotation: fixed("ana"),
		Template: occurrence.Template{Subtasks: []occurrence.Subtask{
			{ID: "1", Title: "file doc", AutoReset: true, Completed: true, CompletedAt: &done},
			{ID: "2", Title: "one-time setup", Completed: true, CompletedAt: &done},
		}},
		Start: start,
	})
	if _, err := s.Complete(context.Background(), storage.Completion{RuleID: "checklist", CompletedAt: start}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if rep := scanOnce(t, s); rep.Committed != 1 {
		t.Fatalf("committed = %d, want 1", rep.Committed)
	}
	occs, _ := st.ListOccurrences(context.Background(), "checklist")
	if len(occs) != 1 {
		t.Fatalf("occurrences = %d", len(occs))
	}
	sub := occs[0].Subtasks
	if len(sub) != 2 || sub[0].Completed || sub[0].CompletedAt != nil || !sub[1].Completed {
		t.Fatalf("subtasks = %+v", sub)
	}
}

func TestCompletionDateRuleWaitsForCompletion(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	created := at(2024, time.June, 3, 10)
	clk := newClock(created)
	s, _ := newTestService(t, st, clk, nil, Config{})

	rec := register(t, s, RuleDef{
		ID:       "water-plants",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqCustom, Interval: intPtr(3), Type: recurrence.AnchorCompletionDate},
		Rotation: fixed("ana"),
		Start:    created,
	})
	if rec.Status != storage.StatusWaiting || rec.EvaluateAt != nil {
		t.Fatalf("new rule status=%s evaluate_at=%v, want waiting", rec.Status, rec.EvaluateAt)
	}
	clk.Add(48 * time.Hour)
	if rep := scanOnce(t, s); rep.Due != 0 {
		t.Fatalf("waiting rule scanned: due=%d", rep.Due)
	}

	completedAt := created.Add(50 * time.Hour)
	clk.Set(completedAt)
	got, err := s.Complete(context.Background(), storage.Completion{RuleID: "water-plants", CompletedAt: completedAt})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Status != storage.StatusActive {
		t.Fatalf("status after completion = %s", got.Status)
	}
	if rep := scanOnce(t, s); rep.Rescheduled != 1 || rep.Committed != 0 {
		t.Fatalf("before due: rescheduled=%d committed=%d", rep.Rescheduled, rep.Committed)
	}
	clk.Set(completedAt.AddDate(0, 0, 3))
	if rep := scanOnce(t, s); rep.Committed != 1 {
		t.Fatalf("committed = %d, want 1", rep.Committed)
	}
	occs, _ := st.ListOccurrences(context.Background(), "water-plants")
	if len(occs) != 1 || !occs[0].DueDate.Equal(completedAt.AddDate(0, 0, 3)) {
		t.Fatalf("occurrences = %+v", occs)
	}
	got, _ = st.GetRule(context.Background(), "water-plants")
	if got.Status != storage.StatusWaiting {
		t.Fatalf("status after commit = %s, want waiting", got.Status)
	}
}

func TestNothingCommittedBeforeDue(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	monday := at(2025, time.January, 6, 9)
	clk := newClock(monday)
	s, rem := newTestService(t, st, clk, nil, Config{})

	register(t, s, RuleDef{
		ID:       "weekly-sync",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqWeekly, DaysOfWeek: []int{1}},
		Rotation: fixed("ana"),
		Start:    monday,
	})
	rep := scanOnce(t, s)
	if rep.Committed != 0 || rep.Rescheduled != 1 {
		t.Fatalf("at registration: committed=%d rescheduled=%d", rep.Committed, rep.Rescheduled)
	}
	due := monday.AddDate(0, 0, 7)
	got, _ := st.GetRule(context.Background(), "weekly-sync")
	if got.EvaluateAt == nil || !got.EvaluateAt.Equal(due) {
		t.Fatalf("evaluate_at = %v, want %v", got.EvaluateAt, due)
	}

	clk.Set(due.Add(-time.Minute))
	if rep := scanOnce(t, s); rep.Due != 0 || rep.Committed != 0 {
		t.Fatalf("a minute early: due=%d committed=%d", rep.Due, rep.Committed)
	}

	clk.Set(due)
	rep = scanOnce(t, s)
	if rep.Committed != 1 || rep.Backlog != 0 {
		t.Fatalf("at due date: committed=%d backlog=%d", rep.Committed, rep.Backlog)
	}
	occs, _ := st.ListOccurrences(context.Background(), "weekly-sync")
	if len(occs) != 1 || !occs[0].DueDate.Equal(due) {
		t.Fatalf("occurrences = %+v", occs)
	}
	got, _ = st.GetRule(context.Background(), "weekly-sync")
	if next := due.AddDate(0, 0, 7); got.EvaluateAt == nil || !got.EvaluateAt.Equal(next) {
		t.Fatalf("evaluate_at after commit = %v, want %v", got.EvaluateAt, next)
	}
	if rem.count() != 1 {
		t.Fatalf("reminder schedules = %d, want 1", rem.count())
	}
}

func TestLoopExitsOnPendingStop(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := newTestService(t, st, newClock(at(2024, time.July, 1, 12)), nil, Config{})

	stop := make(chan struct{})
	close(stop)
	for range 50 {
		s.notify()
		if err := s.loop(context.Background(), stop); err != nil {
			t.Fatalf("loop: %v", err)
		}
	}
	if n := s.stats.scans.Load(); n != 0 {
		t.Fatalf("scans after stop = %d, want 0", n)
	}
}

func TestHorizonReschedules(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := at(2024, time.July, 1, 12)
	clk := newClock(now)
	s, _ := newTestService(t, st, clk, nil, Config{Horizon: time.Hour})

	register(t, s, RuleDef{
		ID:       "weekly",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqWeekly, DaysOfWeek: []int{1}},
		Rotation: fixed("ana"),
		Start:    now,
	})
	rep := scanOnce(t, s)
	if rep.Rescheduled != 1 || rep.Committed != 0 {
		t.Fatalf("rescheduled=%d committed=%d", rep.Rescheduled, rep.Committed)
	}
	got, _ := st.GetRule(context.Background(), "weekly")
	want := now.AddDate(0, 0, 7).Add(-time.Hour)
	if got.EvaluateAt == nil || !got.EvaluateAt.Equal(want) {
		t.Fatalf("evaluate_at = %v, want %v", got.EvaluateAt, want)
	}

	clk.Set(want)
	if rep := scanOnce(t, s); rep.Committed != 1 {
		t.Fatalf("committed at horizon = %d", rep.Committed)
	}
}

func TestInvalidRuleIsMarked(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := at(2024, time.July, 1, 12)
	clk := newClock(now)
	s, _ := newTestService(t, st, clk, nil, Config{})

	evalAt := now.Add(-time.Minute)
	_, err := st.SaveRule(context.Background(), storage.RuleRecord{
		ID:         "broken",
		Spec:       recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily},
		Rotation:   rotation.State{Strategy: rotation.RoundRobin},
		Reference:  now.Add(-24 * time.Hour),
		EvaluateAt: &evalAt,
		Status:     storage.StatusActive,
	})
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	if rep := scanOnce(t, s); rep.Invalid != 1 {
		t.Fatalf("invalid = %d, want 1", rep.Invalid)
	}
	got, _ := st.GetRule(context.Background(), "broken")
	if got.Status != storage.StatusInvalid || got.LastError == "" {
		t.Fatalf("status=%s last_error=%q", got.Status, got.LastError)
	}

	// Fixing the pool through Register revives it.
	fixedRule := register(t, s, RuleDef{
		ID:       "broken",
		Spec:     got.Spec,
		Rotation: rotation.State{Strategy: rotation.RoundRobin, Pool: []string{"ana"}},
	})
	if fixedRule.Status != storage.StatusActive || fixedRule.LastError != "" {
		t.Fatalf("after edit status=%s last_error=%q", fixedRule.Status, fixedRule.LastError)
	}
	if rep := scanOnce(t, s); rep.Committed != 1 {
		t.Fatalf("committed after fix = %d", rep.Committed)
	}
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := newTestService(t, st, newClock(at(2024, time.July, 1, 12)), nil, Config{})

	tests := []struct {
		name string
		def  RuleDef
		is   error
	}{
		{
			name: "missing frequency",
			def:  RuleDef{ID: "a", Spec: recurrence.Spec{Enabled: true}, Rotation: fixed("ana")},
			is:   recurrence.ErrConfig,
		},
		{
			name: "stray field",
			def:  RuleDef{ID: "b", Spec: recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily, DayOfMonth: intPtr(3)}, Rotation: fixed("ana")},
			is:   recurrence.ErrConfig,
		},
		{
			name: "empty pool",
			def:  RuleDef{ID: "c", Spec: recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily}, Rotation: rotation.State{Strategy: rotation.Random}},
			is:   rotation.ErrConfig,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := s.Register(context.Background(), tt.def); !errors.Is(err, tt.is) {
				t.Fatalf("err = %v, want %v", err, tt.is)
			}
			if _, err := st.GetRule(context.Background(), tt.def.ID); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("rule stored despite error: %v", err)
			}
		})
	}
}

// flakyStore fails the first n commits.
type flakyStore struct {
	storage.Store
	fails atomic.Int32
}

var errDisk = errors.New("disk unavailable")

func (f *flakyStore) CommitOccurrence(ctx context.Context, desc occurrence.Descriptor, upd storage.CommitUpdate) error {
	if f.fails.Add(-1) >= 0 {
		return &storage.Error{Op: "commit occurrence", Err: errDisk}
	}
	return f.Store.CommitOccurrence(ctx, desc, upd)
}

func TestStoreFailureRetriedNextScan(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Store: storage.NewMemory()}
	st.fails.Store(1)
	now := at(2024, time.August, 5, 9)
	clk := newClock(now)
	s, rem := newTestService(t, st, clk, nil, Config{})

	rec := register(t, s, RuleDef{
		ID:       "retry",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily},
		Rotation: rotation.State{Strategy: rotation.RoundRobin, Pool: []string{"A", "B"}},
		Start:    now.Add(-24 * time.Hour),
	})

	rep := scanOnce(t, s)
	if rep.Failed != 1 || rep.Committed != 0 {
		t.Fatalf("failed=%d committed=%d", rep.Failed, rep.Committed)
	}
	got, _ := st.GetRule(context.Background(), "retry")
	if got.Version != rec.Version || got.Spec.OccurrencesCompleted != 0 || got.Rotation.LastIndex != nil {
		t.Fatalf("rule changed by failed commit: %+v", got)
	}
	if rem.count() != 0 {
		t.Fatal("reminders scheduled for uncommitted occurrence")
	}

	if rep := scanOnce(t, s); rep.Committed != 1 {
		t.Fatalf("retry committed = %d", rep.Committed)
	}
	got, _ = st.GetRule(context.Background(), "retry")
	if got.Spec.OccurrencesCompleted != 1 || got.Rotation.LastIndex == nil || *got.Rotation.LastIndex != 0 {
		t.Fatalf("after retry: completed=%d last_index=%v", got.Spec.OccurrencesCompleted, got.Rotation.LastIndex)
	}
}

func TestTwoSchedulersCommitOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := at(2024, time.August, 5, 9)
	clk := newClock(now)
	a, _ := newTestService(t, st, clk, nil, Config{})
	b, _ := newTestService(t, st, clk, nil, Config{})

	register(t, a, RuleDef{
		ID:       "shared",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily},
		Rotation: fixed("ana"),
		Start:    now.Add(-24 * time.Hour),
	})

	var wg sync.WaitGroup
	reps := make([]ScanReport, 2)
	for i, s := range []*Service{a, b} {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			reps[i], _ = s.ScanOnce(context.Background())
		}()
	}
	wg.Wait()

	if got := reps[0].Committed + reps[1].Committed; got != 1 {
		t.Fatalf("committed across schedulers = %d, want 1", got)
	}
	if got := reps[0].Failed + reps[1].Failed; got != 0 {
		t.Fatalf("failed = %d, want 0", got)
	}
	occs, _ := st.ListOccurrences(context.Background(), "shared")
	if len(occs) != 1 {
		t.Fatalf("occurrences = %d, want 1", len(occs))
	}
}

func TestLeastAssignedOnEngine(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := at(2024, time.September, 2, 9)
	clk := newClock(now)
	eng := engine.New(engine.Config{Workers: 4}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	s, _ := newTestService(t, st, clk, eng, Config{})

	pool := rotation.State{Strategy: rotation.LeastAssigned, Pool: []string{"A", "B"}}
	for _, id := range []string{"r1", "r2"} {
		register(t, s, RuleDef{
			ID:       id,
			Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily},
			Rotation: pool,
			Start:    now.Add(-24 * time.Hour),
		})
	}
	if rep := scanOnce(t, s); rep.Committed != 2 {
		t.Fatalf("committed = %d, want 2", rep.Committed)
	}
	seen := map[string]bool{}
	for _, id := range []string{"r1", "r2"} {
		occs, _ := st.ListOccurrences(context.Background(), id)
		if len(occs) != 1 {
			t.Fatalf("%s occurrences = %d", id, len(occs))
		}
		seen[occs[0].Assignee] = true
	}
	if !seen["A"] || !seen["B"] {
		t.Fatalf("assignees = %v, want both A and B", seen)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s, _ := newTestService(t, st, newClock(at(2024, time.January, 1, 0)), nil, Config{})

	ref := at(2024, time.January, 4, 10) // Thursday
	got, err := s.Preview(recurrence.Spec{Enabled: true, Frequency: recurrence.FreqWeekly, DaysOfWeek: []int{0, 3}, MaxOccurrences: intPtr(3)}, ref, 5)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	want := []time.Time{at(2024, time.January, 7, 10), at(2024, time.January, 10, 10), at(2024, time.January, 14, 10)}
	if len(got) != len(want) {
		t.Fatalf("preview = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("preview[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if _, err := s.PreviewRule(context.Background(), "missing", 3); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("PreviewRule missing err = %v", err)
	}
}

func TestStartScansAndStops(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := at(2024, time.October, 1, 9)
	clk := newClock(now)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.OccurrenceCommitted)
	defer unsub()
	s := New(Config{Enabled: true, Tick: "1h", Timezone: "UTC"}, st, st, nil, nil, logx.Nop(), bus, WithClock(clk.Now))

	register(t, s, RuleDef{
		ID:       "boot",
		Spec:     recurrence.Spec{Enabled: true, Frequency: recurrence.FreqDaily},
		Rotation: fixed("ana"),
		Start:    now.Add(-24 * time.Hour),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case ev := <-events:
		desc, ok := ev.Data.(occurrence.Descriptor)
		if !ok || desc.RuleID != "boot" {
			t.Fatalf("event data = %#v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no occurrence committed after start")
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Committed != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if snap := s.Snapshot(); !snap.Enabled || snap.Committed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
}
