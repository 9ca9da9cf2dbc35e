package occurrence

import (
	"recurd/internal/recurrence"
	"time"

	"github.com/google/uuid"
)

// idNamespace scopes occurrence ids; the same (rule, due date) pair always
// maps to the same id, which lets stores reject duplicates.
var idNamespace = uuid.MustParse("7d1f4f3e-2a57-5c1b-9a55-4f0b6c0e2b61")

// ID returns the deterministic occurrence id for a rule and due date.
func ID(ruleID string, due time.Time) string {
	return uuid.NewSHA1(idNamespace, []byte(ruleID+"|"+due.UTC().Format(time.RFC3339Nano))).String()
}

// ResetSubtasks prepares the checklist of a new occurrence. Auto-reset items
// come back uncompleted; the rest carry their state forward. Order is kept
// and nothing is deduplicated.
func ResetSubtasks(prev []Subtask) []Subtask {
	if prev == nil {
		return nil
	}
	out := make([]Subtask, len(prev))
	for i, st := range prev {
		if st.AutoReset {
			st.Completed = false
			st.CompletedAt = nil
		} else if st.CompletedAt != nil {
			at := *st.CompletedAt
			st.CompletedAt = &at
		}
		out[i] = st
	}
	return out
}

// New builds the descriptor of the occurrence of rule due at due. The rule
// state is the one before the commit, so the sequence is
// OccurrencesCompleted+1. It has no side effects.
func New(tpl Template, ruleID string, rule recurrence.Rule, due time.Time, assignee string, subtasks []Subtask) Descriptor {
	d := Descriptor{
		ID:          ID(ruleID, due),
		ParentID:    tpl.ID,
		RuleID:      ruleID,
		Sequence:    rule.OccurrencesCompleted + 1,
		DueDate:     due,
		Assignee:    assignee,
		Status:      StatusTodo,
		Title:       tpl.Title,
		Description: tpl.Description,
		TaskType:    tpl.TaskType,
		Priority:    tpl.Priority,
		MatterID:    tpl.MatterID,
		ClientID:    tpl.ClientID,
		Billing:     tpl.Billing,
		Court:       tpl.Court,
	}
	d.Billing.Invoiced = false
	d.Billing.InvoiceID = ""
	if tpl.Tags != nil {
		d.Tags = append([]string(nil), tpl.Tags...)
	}
	if subtasks != nil {
		d.Subtasks = append([]Subtask(nil), subtasks...)
	}
	d.Reminders = rebaseReminders(tpl.Reminders, due)
	return d
}

func rebaseReminders(in []Reminder, due time.Time) []Reminder {
	if in == nil {
		return nil
	}
	out := make([]Reminder, len(in))
	for i, r := range in {
		r.Sent = false
		r.FireAt = due.Add(-time.Duration(r.BeforeMinutes) * time.Minute)
		out[i] = r
	}
	return out
}
