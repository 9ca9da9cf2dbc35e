package recurrence

import (
	"strings"
	"time"
)

// Spec is the loosely typed wire form of a recurrence configuration, as sent
// by API payloads and persisted by stores. Pointer fields distinguish "unset"
// from zero.
type Spec struct {
	Enabled              bool       `json:"enabled"`
	Frequency            Frequency  `json:"frequency"`
	Type                 Anchor     `json:"type,omitempty"`
	DaysOfWeek           []int      `json:"daysOfWeek,omitempty"`
	DayOfMonth           *int       `json:"dayOfMonth,omitempty"`
	WeekOfMonth          *int       `json:"weekOfMonth,omitempty"`
	Interval             *int       `json:"interval,omitempty"`
	EndDate              *time.Time `json:"endDate,omitempty"`
	MaxOccurrences       *int       `json:"maxOccurrences,omitempty"`
	OccurrencesCompleted int        `json:"occurrencesCompleted"`
}

// Normalize validates the spec and converts it into a Rule.
//
// Fields that do not belong to the chosen frequency are rejected rather than
// ignored, so a payload cannot silently carry a stale day-of-month into a
// weekly rule. For weekOfMonth rules a single daysOfWeek entry names the
// weekday; without it the reference weekday is used.
func (s Spec) Normalize() (Rule, error) {
	r := Rule{
		Enabled:              s.Enabled,
		Anchor:               s.Type,
		OccurrencesCompleted: s.OccurrencesCompleted,
	}
	if r.Anchor == "" {
		r.Anchor = AnchorDueDate
	}
	if s.EndDate != nil {
		t := *s.EndDate
		r.End.Until = &t
	}
	if s.MaxOccurrences != nil {
		if *s.MaxOccurrences < 0 {
			return Rule{}, configErr("maxOccurrences", "must be >= 0, got %d", *s.MaxOccurrences)
		}
		r.End.MaxOccurrences = *s.MaxOccurrences
	}

	freq := Frequency(strings.ToLower(strings.TrimSpace(string(s.Frequency))))
	switch freq {
	case FreqDaily:
		if err := s.reject("daysOfWeek", "dayOfMonth", "weekOfMonth", "interval"); err != nil {
			return Rule{}, err
		}
		r.Pattern = Daily{}

	case FreqWeekly, FreqBiweekly:
		if err := s.reject("dayOfMonth", "weekOfMonth", "interval"); err != nil {
			return Rule{}, err
		}
		days, err := weekdaySet(s.DaysOfWeek)
		if err != nil {
			return Rule{}, err
		}
		r.Pattern = Weekly{Days: days, Biweekly: freq == FreqBiweekly}

	case FreqMonthly, FreqQuarterly, FreqYearly:
		if err := s.reject("interval"); err != nil {
			return Rule{}, err
		}
		m := Monthly{Months: monthStep(freq)}
		if s.DayOfMonth != nil {
			if len(s.DaysOfWeek) > 0 {
				return Rule{}, configErr("daysOfWeek", "not allowed with dayOfMonth")
			}
			m.DayOfMonth = *s.DayOfMonth
			if m.DayOfMonth == 0 {
				return Rule{}, configErr("dayOfMonth", "must be 1..31, got 0")
			}
		}
		if s.WeekOfMonth != nil {
			m.WeekOfMonth = *s.WeekOfMonth
			if m.WeekOfMonth == 0 {
				return Rule{}, configErr("weekOfMonth", "must be 1..5, got 0")
			}
			switch len(s.DaysOfWeek) {
			case 0:
			case 1:
				d := s.DaysOfWeek[0]
				if d < 0 || d > 6 {
					return Rule{}, configErr("daysOfWeek", "weekday %d out of range 0..6", d)
				}
				wd := time.Weekday(d)
				m.Weekday = &wd
			default:
				return Rule{}, configErr("daysOfWeek", "weekOfMonth takes at most one weekday")
			}
		}
		r.Pattern = m

	case FreqCustom:
		if err := s.reject("daysOfWeek", "dayOfMonth", "weekOfMonth"); err != nil {
			return Rule{}, err
		}
		if s.Interval == nil {
			return Rule{}, configErr("interval", "required for custom")
		}
		r.Pattern = Custom{IntervalDays: *s.Interval}

	case "":
		return Rule{}, configErr("frequency", "required")
	default:
		return Rule{}, configErr("frequency", "unknown frequency %q", s.Frequency)
	}

	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// SpecOf renders a rule back into its wire form.
func SpecOf(r Rule) Spec {
	s := Spec{
		Enabled:              r.Enabled,
		Frequency:            r.Frequency(),
		Type:                 r.Anchor,
		OccurrencesCompleted: r.OccurrencesCompleted,
	}
	if r.End.Until != nil {
		t := *r.End.Until
		s.EndDate = &t
	}
	if r.End.MaxOccurrences > 0 {
		s.MaxOccurrences = intPtr(r.End.MaxOccurrences)
	}
	switch p := r.Pattern.(type) {
	case Weekly:
		for _, d := range p.Days.Days() {
			s.DaysOfWeek = append(s.DaysOfWeek, int(d))
		}
	case Monthly:
		if p.DayOfMonth > 0 {
			s.DayOfMonth = intPtr(p.DayOfMonth)
		}
		if p.WeekOfMonth > 0 {
			s.WeekOfMonth = intPtr(p.WeekOfMonth)
			if p.Weekday != nil {
				s.DaysOfWeek = []int{int(*p.Weekday)}
			}
		}
	case Custom:
		s.Interval = intPtr(p.IntervalDays)
	}
	return s
}

func (s Spec) reject(fields ...string) error {
	for _, f := range fields {
		set := false
		switch f {
		case "daysOfWeek":
			set = len(s.DaysOfWeek) > 0
		case "dayOfMonth":
			set = s.DayOfMonth != nil
		case "weekOfMonth":
			set = s.WeekOfMonth != nil
		case "interval":
			set = s.Interval != nil
		}
		if set {
			return configErr(f, "not allowed for frequency %s", s.Frequency)
		}
	}
	return nil
}

func weekdaySet(days []int) (WeekdaySet, error) {
	if len(days) == 0 {
		return 0, configErr("daysOfWeek", "required for weekly and biweekly")
	}
	var set WeekdaySet
	for _, d := range days {
		if d < 0 || d > 6 {
			return 0, configErr("daysOfWeek", "weekday %d out of range 0..6", d)
		}
		set = set.With(time.Weekday(d))
	}
	return set, nil
}

func monthStep(f Frequency) int {
	switch f {
	case FreqQuarterly:
		return 3
	case FreqYearly:
		return 12
	default:
		return 1
	}
}

func intPtr(v int) *int { return &v }
