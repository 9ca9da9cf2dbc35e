package app

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/recurrence"
	"recurd/internal/reminder"
	"recurd/internal/storage"
	"recurd/internal/task/scheduler"
	"recurd/internal/transport"
	"strconv"
	"strings"
	"time"
)

// commandBackend is what the chat commands need from the running services.
type commandBackend interface {
	ListRules(ctx context.Context) ([]storage.RuleRecord, error)
	GetRule(ctx context.Context, id string) (storage.RuleRecord, error)
	Complete(ctx context.Context, c storage.Completion) (storage.RuleRecord, error)
	SchedulerSnapshot() scheduler.Snapshot
	RemindersSnapshot() reminder.Snapshot
	Location() *time.Location
}

const maxPreview = 20

// commandHandler answers /status, /rules, /preview and /complete.
func commandHandler(b commandBackend) transport.CommandHandler {
	return func(ctx context.Context, cmd transport.Command) (string, error) {
		switch cmd.Name {
		case "status":
			return statusText(b), nil
		case "rules":
			return rulesText(ctx, b)
		case "preview":
			return previewText(ctx, b, cmd.Args)
		case "complete":
			return completeText(ctx, b, cmd.Args)
		case "start", "help":
			return "Commands: /status, /rules, /preview <rule> [n], /complete <rule> [occurrence]", nil
		}
		return "", fmt.Errorf("unknown command /%s", cmd.Name)
	}
}

func statusText(b commandBackend) string {
	s := b.SchedulerSnapshot()
	r := b.RemindersSnapshot()
	var sb strings.Builder
	fmt.Fprintf(&sb, "scheduler: %s (enabled=%t, tick %s, tz %s)\n", s.State, s.Enabled, s.Tick, s.Timezone)
	if !s.NextTick.IsZero() {
		fmt.Fprintf(&sb, "next tick: %s\n", s.NextTick.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "scans: %d, committed: %d, conflicts: %d, failed: %d\n", s.Scans, s.Committed, s.Conflicts, s.Failed)
	if !s.LastScan.Started.IsZero() {
		fmt.Fprintf(&sb, "last scan: %s, due %d, committed %d, took %s\n",
			s.LastScan.Started.Format(time.RFC3339), s.LastScan.Due, s.LastScan.Committed, s.LastScan.Duration.Round(time.Millisecond))
	}
	if s.LastError != "" {
		fmt.Fprintf(&sb, "last error: %s\n", s.LastError)
	}
	e := s.Engine
	fmt.Fprintf(&sb, "executor: running=%t, queue %d/%d, in flight %d, skipped %d, dropped %d, breaker open %d\n",
		e.Running, e.QueueLen, e.QueueCap, e.InFlight, e.Skipped, e.Dropped(), e.BreakerOpen)
	fmt.Fprintf(&sb, "reminders: enabled=%t, pending %d, sent %d, failed %d, deduped %d", r.Enabled, r.Pending, r.Sent, r.Failed, r.Deduped)
	return sb.String()
}

func rulesText(ctx context.Context, b commandBackend) (string, error) {
	rules, err := b.ListRules(ctx)
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return "no rules", nil
	}
	loc := b.Location()
	var sb strings.Builder
	for i, r := range rules {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s [%s] %s", r.ID, r.Status, r.Template.Title)
		if r.EvaluateAt != nil {
			fmt.Fprintf(&sb, ", next check %s", r.EvaluateAt.In(loc).Format("2006-01-02 15:04"))
		}
		if r.LastError != "" {
			fmt.Fprintf(&sb, ", error: %s", r.LastError)
		}
	}
	return sb.String(), nil
}

func previewText(ctx context.Context, b commandBackend, args []string) (string, error) {
	if len(args) == 0 {
		return "usage: /preview <rule> [n]", nil
	}
	n := 5
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return "", fmt.Errorf("invalid count %q", args[1])
		}
		n = min(v, maxPreview)
	}
	rec, err := b.GetRule(ctx, args[0])
	if err != nil {
		return "", ruleErr(args[0], err)
	}
	rule, err := rec.Spec.Normalize()
	if err != nil {
		return "", err
	}
	loc := b.Location()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", rec.ID, rule.Describe())
	if rs, err := rule.RRuleString(rec.Reference.In(loc)); err == nil {
		fmt.Fprintf(&sb, "\n%s", rs)
	}
	if rec.Status == storage.StatusTerminated {
		sb.WriteString("\nseries ended")
		return sb.String(), nil
	}
	if rule.Anchor == recurrence.AnchorCompletionDate && rec.Status == storage.StatusWaiting {
		sb.WriteString("\nnext date follows the next completion; assuming completion at the reference:")
	}
	dates, err := recurrence.NextOccurrences(rule, rec.Reference.In(loc), n)
	if err != nil {
		return "", err
	}
	for _, d := range dates {
		fmt.Fprintf(&sb, "\n- %s", d.In(loc).Format("Mon 2006-01-02 15:04"))
	}
	return sb.String(), nil
}

func completeText(ctx context.Context, b commandBackend, args []string) (string, error) {
	if len(args) == 0 {
		return "usage: /complete <rule> [occurrence]", nil
	}
	c := storage.Completion{RuleID: args[0]}
	if len(args) > 1 {
		c.OccurrenceID = args[1]
	}
	rec, err := b.Complete(ctx, c)
	if err != nil {
		return "", ruleErr(args[0], err)
	}
	return fmt.Sprintf("completed %s (rule %s)", rec.ID, rec.Status), nil
}

func ruleErr(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("rule %q not found", id)
	}
	return err
}
