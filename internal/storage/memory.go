package storage

import (
	"context"
	"errors"
	"recurd/internal/occurrence"
	"recurd/internal/recurrence"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const memAuditCap = 1024

// memStore keeps all state in maps guarded by one mutex. Every mutation is
// staged as a change, handed to persist (file driver) and applied only when
// persist succeeds, so memory and journal never diverge.
type memStore struct {
	mu    sync.Mutex
	rules map[string]RuleRecord
	occs  map[string]occurrence.Descriptor
	due   map[string]string // rule id + due date -> occurrence id
	dedup map[string]time.Time
	audit []AuditEntry

	persist func(c change) error
	now     func() time.Time
}

// change is one atomic mutation; it doubles as the file journal record.
type change struct {
	Rule       *RuleRecord            `json:"rule,omitempty"`
	Occurrence *occurrence.Descriptor `json:"occurrence,omitempty"`
	Dedup      *dedupRecord           `json:"dedup,omitempty"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

// NewMemory returns a process-local store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		rules: map[string]RuleRecord{},
		occs:  map[string]occurrence.Descriptor{},
		due:   map[string]string{},
		dedup: map[string]time.Time{},
		now:   time.Now,
	}
}

func dueKey(ruleID string, due time.Time) string {
	return ruleID + "|" + strconv.FormatInt(due.UnixMilli(), 10)
}

func (s *memStore) commitLocked(c change) error {
	if s.persist != nil {
		if err := s.persist(c); err != nil {
			return err
		}
	}
	s.applyLocked(c)
	return nil
}

func (s *memStore) applyLocked(c change) {
	if c.Rule != nil {
		s.rules[c.Rule.ID] = c.Rule.Clone()
	}
	if c.Occurrence != nil {
		s.occs[c.Occurrence.ID] = *c.Occurrence
		s.due[dueKey(c.Occurrence.RuleID, c.Occurrence.DueDate)] = c.Occurrence.ID
	}
	if c.Dedup != nil {
		s.dedup[c.Dedup.Key] = time.UnixMilli(c.Dedup.Until)
	}
}

func (s *memStore) read(r RuleRecord) RuleRecord {
	return finishRecord(r.Clone(), r.Spec.OccurrencesCompleted)
}

func (s *memStore) ListDueRules(ctx context.Context, now time.Time, limit int) ([]RuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list due rules", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RuleRecord
	for _, r := range s.rules {
		if r.Status == StatusActive && r.EvaluateAt != nil && !r.EvaluateAt.After(now) {
			out = append(out, s.read(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EvaluateAt.Equal(*out[j].EvaluateAt) {
			return out[i].EvaluateAt.Before(*out[j].EvaluateAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetRule(ctx context.Context, id string) (RuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return RuleRecord{}, wrap("get rule", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return RuleRecord{}, ErrNotFound
	}
	return s.read(r), nil
}

func (s *memStore) ListRules(ctx context.Context) ([]RuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list rules", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleRecord, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, s.read(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SaveRule(ctx context.Context, rec RuleRecord) (RuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return RuleRecord{}, wrap("save rule", err)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return RuleRecord{}, &Error{Op: "save rule", Err: errors.New("empty rule id")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, exists := s.rules[rec.ID]
	switch {
	case rec.Version == 0 && exists:
		return RuleRecord{}, ErrConflict
	case rec.Version != 0 && !exists:
		return RuleRecord{}, ErrNotFound
	case rec.Version != 0 && cur.Version != rec.Version:
		return RuleRecord{}, ErrConflict
	}
	rec = rec.Clone()
	rec.CreatedAt = now
	if exists {
		rec.CreatedAt = cur.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	rec.Version++
	rec.UpdatedAt = now
	if err := s.commitLocked(change{Rule: &rec}); err != nil {
		return RuleRecord{}, wrap("save rule", err)
	}
	return s.read(rec), nil
}

func (s *memStore) CommitOccurrence(ctx context.Context, desc occurrence.Descriptor, upd CommitUpdate) error {
	if err := ctx.Err(); err != nil {
		return wrap("commit occurrence", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[desc.RuleID]
	if !ok {
		return ErrNotFound
	}
	if r.Version != upd.ExpectedVersion || r.Status != StatusActive {
		return ErrConflict
	}
	if _, dup := s.due[dueKey(desc.RuleID, desc.DueDate)]; dup {
		return ErrConflict
	}
	if _, dup := s.occs[desc.ID]; dup {
		return ErrConflict
	}

	now := s.now()
	r = r.Clone()
	applyCommit(&r, upd, now)
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = now
	}
	if err := s.commitLocked(change{Rule: &r, Occurrence: &desc}); err != nil {
		return wrap("commit occurrence", err)
	}
	return nil
}

func applyCommit(r *RuleRecord, upd CommitUpdate, now time.Time) {
	r.Spec.OccurrencesCompleted = upd.OccurrencesCompleted
	r.Rotation = upd.Rotation.Clone()
	if upd.Subtasks != nil {
		r.Template.Subtasks = append([]occurrence.Subtask(nil), upd.Subtasks...)
	}
	r.Reference = upd.Reference
	r.EvaluateAt = nil
	if upd.EvaluateAt != nil {
		r.EvaluateAt = timePtr(*upd.EvaluateAt)
	}
	r.Status = upd.Status
	if r.Status == "" {
		r.Status = StatusActive
	}
	r.LastError = ""
	r.Version++
	r.UpdatedAt = now
}

func (s *memStore) transition(ctx context.Context, op, id string, expected int64, fn func(r *RuleRecord)) error {
	if err := ctx.Err(); err != nil {
		return wrap(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.Version != expected {
		return ErrConflict
	}
	r = r.Clone()
	fn(&r)
	r.Version++
	r.UpdatedAt = s.now()
	return wrap(op, s.commitLocked(change{Rule: &r}))
}

func (s *memStore) Disable(ctx context.Context, id string, expected int64, reason string) error {
	return s.transition(ctx, "disable", id, expected, func(r *RuleRecord) { disableRule(r, reason) })
}

func (s *memStore) MarkInvalid(ctx context.Context, id string, expected int64, reason string) error {
	return s.transition(ctx, "mark invalid", id, expected, func(r *RuleRecord) {
		r.Status = StatusInvalid
		r.EvaluateAt = nil
		r.LastError = reason
	})
}

func (s *memStore) Reschedule(ctx context.Context, id string, expected int64, evaluateAt *time.Time) error {
	return s.transition(ctx, "reschedule", id, expected, func(r *RuleRecord) { rescheduleRule(r, evaluateAt) })
}

func disableRule(r *RuleRecord, reason string) {
	r.Status = StatusTerminated
	r.Spec.Enabled = false
	r.EvaluateAt = nil
	r.LastError = reason
}

func rescheduleRule(r *RuleRecord, evaluateAt *time.Time) {
	if evaluateAt == nil {
		r.Status = StatusWaiting
		r.EvaluateAt = nil
		return
	}
	r.Status = StatusActive
	r.EvaluateAt = timePtr(*evaluateAt)
}

// applyCompletion updates the rule for a finished occurrence. A waiting
// completion_date rule becomes due at the completion time, but only when the
// finished occurrence is the newest of the series.
func applyCompletion(r *RuleRecord, c Completion, latest bool) {
	if c.Subtasks != nil {
		r.Template.Subtasks = append([]occurrence.Subtask(nil), c.Subtasks...)
	}
	if latest && r.Spec.Type == recurrence.AnchorCompletionDate && r.Status == StatusWaiting {
		r.Reference = c.CompletedAt
		r.EvaluateAt = timePtr(c.CompletedAt)
		r.Status = StatusActive
	}
}

func (s *memStore) RecordCompletion(ctx context.Context, c Completion) (RuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return RuleRecord{}, wrap("record completion", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[c.RuleID]
	if !ok {
		return RuleRecord{}, ErrNotFound
	}
	var occ *occurrence.Descriptor
	if c.OccurrenceID != "" {
		o, ok := s.occs[c.OccurrenceID]
		if !ok || o.RuleID != c.RuleID {
			return RuleRecord{}, ErrNotFound
		}
		if o.Status == occurrence.StatusDone {
			return RuleRecord{}, ErrConflict
		}
		occ = &o
	} else {
		for _, o := range s.occs {
			if o.RuleID == c.RuleID && o.Status != occurrence.StatusDone && (occ == nil || o.Sequence > occ.Sequence) {
				occ = &o
			}
		}
	}
	if occ != nil {
		occ.Status = occurrence.StatusDone
		occ.CompletedAt = timePtr(c.CompletedAt)
		if c.Subtasks != nil {
			occ.Subtasks = append([]occurrence.Subtask(nil), c.Subtasks...)
		}
	}

	latest := true
	if occ != nil {
		for _, o := range s.occs {
			if o.RuleID == c.RuleID && o.Sequence > occ.Sequence {
				latest = false
				break
			}
		}
	}

	r = r.Clone()
	applyCompletion(&r, c, latest)
	r.Version++
	r.UpdatedAt = s.now()
	if err := s.commitLocked(change{Rule: &r, Occurrence: occ}); err != nil {
		return RuleRecord{}, wrap("record completion", err)
	}
	return s.read(r), nil
}

func (s *memStore) ListOccurrences(ctx context.Context, ruleID string) ([]occurrence.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list occurrences", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []occurrence.Descriptor
	for _, o := range s.occs {
		if o.RuleID == ruleID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *memStore) OpenOccurrenceCount(ctx context.Context, user string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("open occurrence count", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.occs {
		if o.Assignee == user && o.Status != occurrence.StatusDone {
			n++
		}
	}
	return n, nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return wrap("append audit", err)
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audit) >= memAuditCap {
		s.audit = append(s.audit[:0], s.audit[1:]...)
	}
	s.audit = append(s.audit, e)
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (s *memStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return wrap("put dedup", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return wrap("put dedup", s.commitLocked(change{Dedup: &dedupRecord{Key: key, Until: until.UnixMilli()}}))
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, wrap("get dedup", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[strings.TrimSpace(key)]
	if !ok || until.Before(s.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *memStore) pruneDedupLocked() {
	now := s.now()
	for k, v := range s.dedup {
		if v.Before(now) {
			delete(s.dedup, k)
		}
	}
}

func (s *memStore) Close() error { return nil }
