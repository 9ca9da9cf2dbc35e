package scheduler

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/eventbus"
	"recurd/internal/occurrence"
	"recurd/internal/recurrence"
	"recurd/internal/rotation"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
	"sync"
	"time"
)

// ScanOnce runs one full cycle: list due rules, evaluate each of them and
// commit the generated occurrences. Scans never overlap.
func (s *Service) ScanOnce(ctx context.Context) (ScanReport, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	cfg, loc := s.config()
	start := s.now()
	rep := ScanReport{Started: start}

	s.setState(StateScanning)
	defer s.setState(StateIdle)

	lctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	rules, err := s.store.ListDueRules(lctx, start, cfg.ScanLimit)
	cancel()
	if err != nil {
		s.stats.failed.Add(1)
		s.setLast(rep, err)
		return rep, fmt.Errorf("list due rules: %w", err)
	}
	rep.Due = len(rules)

	s.setState(StateGenerating)
	results := s.evaluateAll(ctx, cfg, loc, start, rules)
	for _, r := range results {
		switch r.outcome {
		case outcomeCommitted:
			rep.Committed++
		case outcomeRescheduled:
			rep.Rescheduled++
		case outcomeTerminated:
			rep.Terminated++
		case outcomeInvalid:
			rep.Invalid++
		case outcomeConflict:
			rep.Conflicts++
		case outcomeFailed:
			rep.Failed++
		default:
			rep.Skipped++
		}
		if r.backlog {
			rep.Backlog++
		}
	}
	rep.Duration = s.now().Sub(start)

	s.stats.scans.Add(1)
	s.stats.committed.Add(uint64(rep.Committed))
	s.stats.conflicts.Add(uint64(rep.Conflicts))
	s.stats.failed.Add(uint64(rep.Failed))
	s.setLast(rep, nil)
	s.publish(eventbus.ScanFinished, rep)

	if rep.Due > 0 {
		s.log.Info("scan finished",
			logx.Int("due", rep.Due),
			logx.Int("committed", rep.Committed),
			logx.Int("rescheduled", rep.Rescheduled),
			logx.Int("terminated", rep.Terminated),
			logx.Int("invalid", rep.Invalid),
			logx.Int("conflicts", rep.Conflicts),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", rep.Duration),
		)
	}
	return rep, nil
}

func (s *Service) setLast(rep ScanReport, err error) {
	s.lastMu.Lock()
	s.lastScan = rep
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.lastMu.Unlock()
}

// evaluateAll fans the rules out on the rule executor and waits for all of
// them. Without a running executor rules are evaluated inline.
func (s *Service) evaluateAll(ctx context.Context, cfg Config, loc *time.Location, now time.Time, rules []storage.RuleRecord) []ruleResult {
	results := make([]ruleResult, len(rules))
	sc := &scan{svc: s, cfg: cfg, loc: loc, now: now, tally: map[string]int{}}

	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng == nil || !eng.Running() {
		for i, rec := range rules {
			results[i] = sc.evaluate(ctx, rec)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, rec := range rules {
		i, rec := i, rec
		wg.Add(1)
		err := eng.Submit(ctx, engine.Task{
			Name:    "rule.evaluate",
			Key:     rec.ID,
			Retries: -1,
			Run: func(tctx context.Context) error {
				results[i] = sc.evaluate(tctx, rec)
				return results[i].err
			},
			Done: func(err error) {
				if err != nil && results[i].outcome == outcomeNone {
					results[i] = ruleResult{outcome: outcomeFailed, err: err}
				}
				wg.Done()
			},
		})
		if err != nil {
			wg.Done()
			results[i] = ruleResult{outcome: outcomeNone, err: err}
			if !errors.Is(err, engine.ErrBusy) {
				s.warnThrottled("submit", "rule evaluation not submitted", err, logx.String("rule", rec.ID))
			}
		}
	}
	wg.Wait()
	return results
}

// scan carries the per-scan state shared by rule evaluations.
type scan struct {
	svc *Service
	cfg Config
	loc *time.Location
	now time.Time

	// tally counts least_assigned picks whose commit has not finished yet.
	mu    sync.Mutex
	tally map[string]int
}

func (sc *scan) evaluate(ctx context.Context, rec storage.RuleRecord) ruleResult {
	s := sc.svc
	log := s.log.With(logx.String("rule", rec.ID))

	rule, err := rec.Spec.Normalize()
	if err == nil {
		err = rec.Rotation.Validate()
	}
	if err != nil {
		return sc.invalid(ctx, rec, err, log)
	}

	due, err := recurrence.NextOccurrence(rule, rec.Reference.In(sc.loc))
	switch {
	case errors.Is(err, recurrence.ErrTerminated):
		return sc.terminate(ctx, rec, "series ended", log)
	case err != nil:
		return sc.invalid(ctx, rec, err, log)
	}

	// Horizon 0 generates at the due date itself.
	if at := due.Add(-sc.cfg.Horizon); at.After(sc.now) {
		if err := s.withCommitTimeout(ctx, sc.cfg, func(c context.Context) error {
			return s.store.Reschedule(c, rec.ID, rec.Version, &at)
		}); err != nil {
			return sc.storeFailure(rec, "reschedule", err, log)
		}
		log.Debug("rule rescheduled", logx.Time("evaluate_at", at), logx.Time("due", due))
		return ruleResult{outcome: outcomeRescheduled}
	}

	assignee, rot, release, err := sc.pick(ctx, rec.Rotation)
	defer release()
	if err != nil {
		if errors.Is(err, rotation.ErrConfig) {
			return sc.invalid(ctx, rec, err, log)
		}
		return sc.storeFailure(rec, "workload", err, log)
	}

	subtasks := occurrence.ResetSubtasks(rec.Template.Subtasks)
	desc := occurrence.New(rec.Template, rec.ID, rule, due, assignee, subtasks)
	desc.CreatedAt = sc.now

	upd := storage.CommitUpdate{
		ExpectedVersion:      rec.Version,
		OccurrencesCompleted: rule.OccurrencesCompleted + 1,
		Rotation:             rot,
		Subtasks:             subtasks,
		Reference:            due,
		Status:               storage.StatusActive,
	}
	after := rule
	after.OccurrencesCompleted++
	switch {
	case after.Exhausted():
		upd.Status = storage.StatusTerminated
	case rule.Anchor == recurrence.AnchorCompletionDate:
		upd.Status = storage.StatusWaiting
	default:
		upd.EvaluateAt = sc.followUp(after, due)
	}

	s.committing.Add(1)
	err = s.withCommitTimeout(ctx, sc.cfg, func(c context.Context) error {
		return s.store.CommitOccurrence(c, desc, upd)
	})
	s.committing.Add(-1)
	if err != nil {
		return sc.storeFailure(rec, "commit", err, log)
	}

	if s.reminders != nil {
		s.reminders.Schedule(ctx, desc)
	}
	s.publish(eventbus.OccurrenceCommitted, desc)
	log.Info("occurrence committed",
		logx.String("occurrence", desc.ID),
		logx.Int("sequence", desc.Sequence),
		logx.Time("due", desc.DueDate),
		logx.String("assignee", desc.Assignee),
	)
	if upd.Status == storage.StatusTerminated {
		s.publish(eventbus.RuleTerminated, rec.ID)
	}
	backlog := upd.EvaluateAt != nil && !upd.EvaluateAt.After(s.now())
	return ruleResult{outcome: outcomeCommitted, backlog: backlog}
}

// followUp is when the rule should be looked at again after committing due.
// When the following date cannot be computed the rule comes back at due, and
// the next scan terminates or invalidates it.
func (sc *scan) followUp(after recurrence.Rule, due time.Time) *time.Time {
	next, err := recurrence.NextOccurrence(after, due)
	if err != nil {
		return &due
	}
	at := next.Add(-sc.cfg.Horizon)
	return &at
}

// pick rotates the assignee. least_assigned picks are serialized and see
// the reservations of this scan on top of the stored workload, so rules
// sharing a pool spread out. release drops the reservation.
func (sc *scan) pick(ctx context.Context, st rotation.State) (string, rotation.State, func(), error) {
	s := sc.svc
	if st.Strategy != rotation.LeastAssigned {
		user, next, err := s.rotator.Next(st, nil)
		return user, next, func() {}, err
	}
	if s.workload == nil {
		_, _, err := s.rotator.Next(st, nil)
		return "", st, func() {}, err
	}

	s.pickMu.Lock()
	defer s.pickMu.Unlock()
	user, next, err := s.rotator.Next(st, func(u string) (int, error) {
		n, err := sc.openCount(ctx, u)
		if err != nil {
			return 0, err
		}
		sc.mu.Lock()
		n += sc.tally[u]
		sc.mu.Unlock()
		return n, nil
	})
	if err != nil {
		return "", st, func() {}, err
	}
	sc.mu.Lock()
	sc.tally[user]++
	sc.mu.Unlock()
	var once sync.Once
	return user, next, func() {
		once.Do(func() {
			sc.mu.Lock()
			if sc.tally[user]--; sc.tally[user] <= 0 {
				delete(sc.tally, user)
			}
			sc.mu.Unlock()
		})
	}, nil
}

func (sc *scan) openCount(ctx context.Context, user string) (int, error) {
	s := sc.svc
	v, err, _ := s.sf.Do(user, func() (any, error) {
		c, cancel := context.WithTimeout(ctx, sc.cfg.ScanTimeout)
		defer cancel()
		return s.workload.OpenOccurrenceCount(c, user)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (sc *scan) invalid(ctx context.Context, rec storage.RuleRecord, cause error, log logx.Logger) ruleResult {
	s := sc.svc
	if err := s.withCommitTimeout(ctx, sc.cfg, func(c context.Context) error {
		return s.store.MarkInvalid(c, rec.ID, rec.Version, cause.Error())
	}); err != nil {
		return sc.storeFailure(rec, "mark invalid", err, log)
	}
	log.Warn("rule invalid", logx.Err(cause))
	s.publish(eventbus.RuleInvalid, rec.ID)
	return ruleResult{outcome: outcomeInvalid}
}

func (sc *scan) terminate(ctx context.Context, rec storage.RuleRecord, reason string, log logx.Logger) ruleResult {
	s := sc.svc
	if err := s.withCommitTimeout(ctx, sc.cfg, func(c context.Context) error {
		return s.store.Disable(c, rec.ID, rec.Version, reason)
	}); err != nil {
		return sc.storeFailure(rec, "disable", err, log)
	}
	log.Info("rule terminated", logx.String("reason", reason))
	s.publish(eventbus.RuleTerminated, rec.ID)
	return ruleResult{outcome: outcomeTerminated}
}

// storeFailure classifies a write error. A lost CAS means another instance
// handled the rule; anything else leaves the rule untouched for the next
// tick.
func (sc *scan) storeFailure(rec storage.RuleRecord, op string, err error, log logx.Logger) ruleResult {
	s := sc.svc
	if errors.Is(err, storage.ErrConflict) {
		log.Debug("rule changed concurrently", logx.String("op", op))
		return ruleResult{outcome: outcomeConflict}
	}
	s.warnThrottled("store."+op, "rule "+op+" failed", err, logx.String("rule", rec.ID))
	s.publish(eventbus.RuleFailed, rec.ID)
	return ruleResult{outcome: outcomeFailed, err: engine.Permanent(err)}
}

// withCommitTimeout runs a store write on a context that survives shutdown
// cancellation but not the commit timeout.
func (s *Service) withCommitTimeout(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CommitTimeout)
	defer cancel()
	return fn(c)
}
