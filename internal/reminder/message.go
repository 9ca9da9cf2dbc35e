package reminder

import (
	"fmt"
	"recurd/internal/occurrence"
	"recurd/internal/transport"
	"strconv"
	"strings"
	"time"
)

// Key identifies the i-th reminder of an occurrence.
func Key(occurrenceID string, i int) string {
	return occurrenceID + "#" + strconv.Itoa(i)
}

func occurrenceOf(key string) string {
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		return key[:i]
	}
	return key
}

// target resolves the reminder destination. A numeric target is a chat id;
// anything else is passed as address.
func (s *Service) target(r occurrence.Reminder, cfg Config) transport.Target {
	to := cfg.DefaultTarget
	if r.Channel != "" {
		to.Channel = r.Channel
	}
	raw := strings.TrimSpace(r.Target)
	if raw == "" {
		return to
	}
	chat, thread, _ := strings.Cut(raw, "/")
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		to.ChatID, to.ThreadID, to.Address = id, 0, ""
		if n, err := strconv.Atoi(thread); err == nil {
			to.ThreadID = n
		}
		return to
	}
	to.ChatID, to.ThreadID, to.Address = 0, 0, raw
	return to
}

// Format renders the reminder text.
func Format(occ occurrence.Descriptor, r occurrence.Reminder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder: %s", occ.Title)
	if occ.Title == "" {
		b.WriteString("task #" + strconv.Itoa(occ.Sequence))
	}
	fmt.Fprintf(&b, "\nDue: %s", occ.DueDate.Format("Mon 02 Jan 2006 15:04 MST"))
	if r.BeforeMinutes > 0 {
		fmt.Fprintf(&b, " (in %s)", (time.Duration(r.BeforeMinutes) * time.Minute).String())
	}
	if occ.Assignee != "" {
		fmt.Fprintf(&b, "\nAssignee: %s", occ.Assignee)
	}
	if occ.Court.CourtName != "" || occ.Court.CaseNumber != "" {
		fmt.Fprintf(&b, "\nCourt: %s %s", occ.Court.CourtName, occ.Court.CaseNumber)
	}
	open := 0
	for _, st := range occ.Subtasks {
		if !st.Completed {
			open++
		}
	}
	if open > 0 {
		fmt.Fprintf(&b, "\nOpen subtasks: %d/%d", open, len(occ.Subtasks))
	}
	return strings.TrimRight(b.String(), " ")
}
