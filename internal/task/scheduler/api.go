package scheduler

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/eventbus"
	"recurd/internal/recurrence"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrRuleID = errors.New("rule id required")

// Register creates a rule or replaces the definition of an existing one.
// Invalid definitions are rejected before anything is stored. An edit keeps
// the rule's progress (occurrence count, reference, rotation cursor) and
// clears a previous invalid state.
func (s *Service) Register(ctx context.Context, def RuleDef) (storage.RuleRecord, error) {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if _, err := def.Spec.Normalize(); err != nil {
		return storage.RuleRecord{}, err
	}
	if err := def.Rotation.Validate(); err != nil {
		return storage.RuleRecord{}, err
	}

	rec := storage.RuleRecord{
		ID:        def.ID,
		Spec:      def.Spec,
		Rotation:  def.Rotation.Clone(),
		Template:  def.Template,
		Reference: def.Start,
	}
	if rec.Reference.IsZero() {
		rec.Reference = s.now()
	}

	cur, err := s.store.GetRule(ctx, def.ID)
	switch {
	case err == nil:
		rec.Version = cur.Version
		rec.CreatedAt = cur.CreatedAt
		rec.Spec.OccurrencesCompleted = max(rec.Spec.OccurrencesCompleted, cur.Spec.OccurrencesCompleted)
		if def.Start.IsZero() {
			rec.Reference = cur.Reference
		}
		if rec.Rotation.LastIndex == nil && cur.Rotation.LastIndex != nil {
			v := *cur.Rotation.LastIndex
			rec.Rotation.LastIndex = &v
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return storage.RuleRecord{}, fmt.Errorf("load rule %s: %w", def.ID, err)
	}

	switch {
	case !rec.Spec.Enabled:
		rec.Status = storage.StatusTerminated
	case rec.Spec.Type == recurrence.AnchorCompletionDate:
		rec.Status = storage.StatusWaiting
	default:
		rec.Status = storage.StatusActive
		at := rec.Reference
		rec.EvaluateAt = &at
	}

	saved, err := s.store.SaveRule(ctx, rec)
	if err != nil {
		return storage.RuleRecord{}, err
	}
	s.log.Info("rule registered",
		logx.String("rule", saved.ID),
		logx.String("status", string(saved.Status)),
		logx.Int64("version", saved.Version),
	)
	s.publish(eventbus.RuleRegistered, saved.ID)
	s.notify()
	return saved, nil
}

// Complete records a finished occurrence. For completion_date rules this
// makes the rule due and triggers a scan right away.
func (s *Service) Complete(ctx context.Context, c storage.Completion) (storage.RuleRecord, error) {
	if strings.TrimSpace(c.RuleID) == "" {
		return storage.RuleRecord{}, ErrRuleID
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = s.now()
	}
	rec, err := s.store.RecordCompletion(ctx, c)
	if err != nil {
		return storage.RuleRecord{}, err
	}
	s.log.Info("occurrence completed",
		logx.String("rule", c.RuleID),
		logx.String("occurrence", c.OccurrenceID),
		logx.Time("at", c.CompletedAt),
	)
	s.publish(eventbus.RuleCompleted, c)
	s.notify()
	return rec, nil
}

// Preview returns the next n due dates of spec after ref without touching
// any state.
func (s *Service) Preview(spec recurrence.Spec, ref time.Time, n int) ([]time.Time, error) {
	rule, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	return recurrence.NextOccurrences(rule, ref.In(s.Location()), n)
}

// PreviewRule previews a stored rule from its current reference.
func (s *Service) PreviewRule(ctx context.Context, id string, n int) ([]time.Time, error) {
	rec, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == storage.StatusTerminated {
		return nil, nil
	}
	return s.Preview(rec.Spec, rec.Reference, n)
}
