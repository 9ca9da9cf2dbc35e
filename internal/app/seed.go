package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"recurd/internal/config"
	"recurd/internal/occurrence"
	"recurd/internal/recurrence"
	"recurd/internal/rotation"
	"recurd/internal/storage"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
	"strings"
	"time"
)

// seedFile is the YAML (or JSON) list of rules registered at startup.
//
//	rules:
//	  - id: weekly-report
//	    start: 2025-01-06T09:00:00Z
//	    spec: {frequency: weekly, daysOfWeek: [1]}
//	    rotation: {strategy: round_robin, pool: [ana, budi]}
//	    template: {title: Weekly report, reminders: [{beforeMinutes: 60}]}
type seedFile struct {
	Rules []seedRule `json:"rules"`
}

type seedRule struct {
	ID string `json:"id"`
	// Start only applies when the rule is created.
	Start    time.Time           `json:"start,omitzero"`
	Disabled bool                `json:"disabled,omitempty"`
	Spec     recurrence.Spec     `json:"spec"`
	Rotation rotation.State      `json:"rotation"`
	Template occurrence.Template `json:"template"`
}

func (r seedRule) def() scheduler.RuleDef {
	spec := r.Spec
	spec.Enabled = !r.Disabled
	return scheduler.RuleDef{ID: r.ID, Spec: spec, Rotation: r.Rotation, Template: r.Template, Start: r.Start}
}

func parseSeed(path string, data []byte) ([]seedRule, error) {
	if config.IsYAML(path) {
		j, err := config.YAMLToJSON(data)
		if err != nil {
			return nil, err
		}
		data = j
	}
	var f seedFile
	if err := config.DecodeStrict(data, &f); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("seed %s: rules[%d]: id required", path, i)
		}
		if seen[id] {
			return nil, fmt.Errorf("seed %s: duplicate rule id %q", path, id)
		}
		seen[id] = true
		f.Rules[i].ID = id
	}
	return f.Rules, nil
}

// ruleRegistry is the part of the scheduler the seeder drives.
type ruleRegistry interface {
	Register(ctx context.Context, def scheduler.RuleDef) (storage.RuleRecord, error)
}

type ruleGetter interface {
	GetRule(ctx context.Context, id string) (storage.RuleRecord, error)
}

type seedResult struct {
	Created, Updated, Unchanged, Failed int
}

// applySeed registers new rules and rules whose definition changed.
// Unchanged rules are left alone so their progress and version stay put.
func applySeed(ctx context.Context, path string, reg ruleRegistry, store ruleGetter, log logx.Logger) (seedResult, error) {
	var res seedResult
	data, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	rules, err := parseSeed(path, data)
	if err != nil {
		return res, err
	}
	for _, r := range rules {
		def := r.def()
		cur, err := store.GetRule(ctx, r.ID)
		switch {
		case err == nil:
			if sameDefinition(cur, def) {
				res.Unchanged++
				continue
			}
			def.Start = time.Time{}
		case !errors.Is(err, storage.ErrNotFound):
			res.Failed++
			log.Warn("seed rule lookup failed", logx.String("rule", r.ID), logx.Err(err))
			continue
		}
		if _, err := reg.Register(ctx, def); err != nil {
			res.Failed++
			log.Warn("seed rule rejected", logx.String("rule", r.ID), logx.Err(err))
			continue
		}
		if cur.ID == "" {
			res.Created++
		} else {
			res.Updated++
		}
	}
	log.Info("rule seed applied",
		logx.String("path", path),
		logx.Int("created", res.Created),
		logx.Int("updated", res.Updated),
		logx.Int("unchanged", res.Unchanged),
		logx.Int("failed", res.Failed),
	)
	return res, nil
}

// sameDefinition compares the user-owned parts of a rule, ignoring progress
// (occurrence count, rotation cursor). An invalid rule always counts as
// changed so a re-seed retries it.
func sameDefinition(cur storage.RuleRecord, def scheduler.RuleDef) bool {
	if cur.Status == storage.StatusInvalid {
		return false
	}
	a, b := cur.Spec, def.Spec
	a.OccurrencesCompleted, b.OccurrencesCompleted = 0, 0
	if cur.Status == storage.StatusTerminated && b.Enabled {
		// Exhausted series stay terminated; only an explicit edit revives them.
		a.Enabled = true
	}
	ra, rb := cur.Rotation.Clone(), def.Rotation.Clone()
	ra.LastIndex, rb.LastIndex = nil, nil
	return jsonEqual(a, b) && jsonEqual(ra, rb) && jsonEqual(cur.Template, def.Template)
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
