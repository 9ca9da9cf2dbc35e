package recurrence

import (
	"strings"
	"time"
)

// Frequency is the wire name of a recurrence pattern.
type Frequency string

const (
	FreqDaily     Frequency = "daily"
	FreqWeekly    Frequency = "weekly"
	FreqBiweekly  Frequency = "biweekly"
	FreqMonthly   Frequency = "monthly"
	FreqQuarterly Frequency = "quarterly"
	FreqYearly    Frequency = "yearly"
	FreqCustom    Frequency = "custom"
)

// Anchor selects the reference point for the next occurrence.
type Anchor string

const (
	// AnchorDueDate computes the next occurrence from the prior due date.
	AnchorDueDate Anchor = "due_date"
	// AnchorCompletionDate computes it from the actual completion time
	// ("N days after I finish").
	AnchorCompletionDate Anchor = "completion_date"
)

// WeekdaySet is a bitset of time.Weekday values (Sunday = bit 0).
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) With(d time.Weekday) WeekdaySet {
	if d < time.Sunday || d > time.Saturday {
		return s
	}
	return s | 1<<uint(d)
}

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s WeekdaySet) Empty() bool { return s&0x7f == 0 }

// Days returns the members in Sunday-first order.
func (s WeekdaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s WeekdaySet) String() string {
	days := s.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = d.String()[:3]
	}
	return strings.Join(names, ", ")
}

// Pattern is one recurrence variant. The set of implementations is closed.
type Pattern interface {
	Frequency() Frequency
	next(ref time.Time, completed int) time.Time
	validate() error
}

// Daily repeats every calendar day.
type Daily struct{}

// Weekly repeats on the given weekdays, every week or every other week.
type Weekly struct {
	Days     WeekdaySet
	Biweekly bool
}

// Monthly repeats every Months months (1 monthly, 3 quarterly, 12 yearly),
// either on a day of the month or on the Nth weekday of the month.
type Monthly struct {
	Months int

	// DayOfMonth is 1..31; days past the end of a short month clamp to its last day.
	DayOfMonth int

	// WeekOfMonth is 1..5 where 5 means the last such weekday of the month.
	WeekOfMonth int
	// Weekday is the weekday used with WeekOfMonth. Nil means the weekday of
	// the reference point.
	Weekday *time.Weekday
}

// Custom repeats every IntervalDays days.
type Custom struct {
	IntervalDays int
}

func (Daily) Frequency() Frequency { return FreqDaily }

func (w Weekly) Frequency() Frequency {
	if w.Biweekly {
		return FreqBiweekly
	}
	return FreqWeekly
}

func (m Monthly) Frequency() Frequency {
	switch m.Months {
	case 3:
		return FreqQuarterly
	case 12:
		return FreqYearly
	default:
		return FreqMonthly
	}
}

func (Custom) Frequency() Frequency { return FreqCustom }

// End holds the termination conditions. Both are independent upper bounds;
// the series stops at whichever is reached first. Zero values mean unbounded.
type End struct {
	Until          *time.Time
	MaxOccurrences int
}

// Rule is a validated recurrence rule.
type Rule struct {
	Enabled bool
	Anchor  Anchor
	Pattern Pattern
	End     End

	// OccurrencesCompleted only grows; the scheduler bumps it after a
	// successful occurrence commit.
	OccurrencesCompleted int
}

// Frequency returns the pattern frequency, or "" for a rule without pattern.
func (r Rule) Frequency() Frequency {
	if r.Pattern == nil {
		return ""
	}
	return r.Pattern.Frequency()
}

// Validate checks the rule invariants.
func (r Rule) Validate() error {
	if r.Pattern == nil {
		return configErr("frequency", "required")
	}
	switch r.Anchor {
	case AnchorDueDate, AnchorCompletionDate:
	default:
		return configErr("type", "unknown anchor %q", r.Anchor)
	}
	if r.End.MaxOccurrences < 0 {
		return configErr("maxOccurrences", "must be >= 0")
	}
	if r.OccurrencesCompleted < 0 {
		return configErr("occurrencesCompleted", "must be >= 0")
	}
	return r.Pattern.validate()
}

// Exhausted reports whether the occurrence budget is spent.
func (r Rule) Exhausted() bool {
	return r.End.MaxOccurrences > 0 && r.OccurrencesCompleted >= r.End.MaxOccurrences
}

func (Daily) validate() error { return nil }

func (w Weekly) validate() error {
	if w.Days.Empty() {
		return configErr("daysOfWeek", "required for %s", w.Frequency())
	}
	return nil
}

func (m Monthly) validate() error {
	switch m.Months {
	case 1, 3, 12:
	default:
		return configErr("frequency", "unsupported month step %d", m.Months)
	}
	hasDay := m.DayOfMonth != 0
	hasWeek := m.WeekOfMonth != 0
	switch {
	case hasDay && hasWeek:
		return configErr("dayOfMonth", "cannot be combined with weekOfMonth")
	case !hasDay && !hasWeek:
		return configErr("dayOfMonth", "dayOfMonth or weekOfMonth required for %s", m.Frequency())
	case hasDay && (m.DayOfMonth < 1 || m.DayOfMonth > 31):
		return configErr("dayOfMonth", "must be 1..31, got %d", m.DayOfMonth)
	case hasWeek && (m.WeekOfMonth < 1 || m.WeekOfMonth > 5):
		return configErr("weekOfMonth", "must be 1..5, got %d", m.WeekOfMonth)
	}
	if m.Weekday != nil && (*m.Weekday < time.Sunday || *m.Weekday > time.Saturday) {
		return configErr("daysOfWeek", "invalid weekday %d", *m.Weekday)
	}
	return nil
}

func (c Custom) validate() error {
	if c.IntervalDays < 1 {
		return configErr("interval", "must be >= 1 for custom")
	}
	return nil
}
