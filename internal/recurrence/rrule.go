package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var rruleWeekdays = [7]rrule.Weekday{
	rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA,
}

// ROption maps the rule onto RFC 5545 recurrence options starting at dtstart.
// The remaining occurrence budget becomes COUNT (dtstart included).
//
// The mapping is for calendar export only. Biweekly rules with several days
// and the first biweekly occurrence are approximated by INTERVAL=2; the
// calculator stays authoritative.
func (r Rule) ROption(dtstart time.Time) (rrule.ROption, error) {
	if err := r.Validate(); err != nil {
		return rrule.ROption{}, err
	}
	opt := rrule.ROption{
		Dtstart:  dtstart,
		Interval: 1,
		Wkst:     rrule.SU,
	}
	switch p := r.Pattern.(type) {
	case Daily:
		opt.Freq = rrule.DAILY
	case Custom:
		opt.Freq = rrule.DAILY
		opt.Interval = p.IntervalDays
	case Weekly:
		opt.Freq = rrule.WEEKLY
		if p.Biweekly {
			opt.Interval = 2
		}
		for _, d := range p.Days.Days() {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		opt.Interval = p.Months
		if p.Months == 12 {
			opt.Freq = rrule.YEARLY
			opt.Interval = 1
			opt.Bymonth = []int{int(dtstart.Month())}
		}
		switch {
		case p.DayOfMonth > 28:
			// Largest existing day <= DayOfMonth, i.e. the clamp.
			for d := 28; d <= p.DayOfMonth; d++ {
				opt.Bymonthday = append(opt.Bymonthday, d)
			}
			opt.Bysetpos = []int{-1}
		case p.DayOfMonth > 0:
			opt.Bymonthday = []int{p.DayOfMonth}
		default:
			wd := dtstart.Weekday()
			if p.Weekday != nil {
				wd = *p.Weekday
			}
			n := p.WeekOfMonth
			if n == 5 {
				n = -1
			}
			opt.Byweekday = []rrule.Weekday{rruleWeekdays[wd].Nth(n)}
		}
	default:
		return rrule.ROption{}, configErr("frequency", "no rrule mapping for %T", r.Pattern)
	}
	if r.End.MaxOccurrences > 0 {
		opt.Count = max(r.End.MaxOccurrences-r.OccurrencesCompleted+1, 1)
	}
	if r.End.Until != nil {
		opt.Until = *r.End.Until
	}
	return opt, nil
}

// RRule builds an iterable rrule-go rule.
func (r Rule) RRule(dtstart time.Time) (*rrule.RRule, error) {
	opt, err := r.ROption(dtstart)
	if err != nil {
		return nil, err
	}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}
	return rr, nil
}

// RRuleString renders the RRULE value without the "RRULE:" prefix.
func (r Rule) RRuleString(dtstart time.Time) (string, error) {
	opt, err := r.ROption(dtstart)
	if err != nil {
		return "", err
	}
	return opt.RRuleString(), nil
}

// Describe returns a short human readable summary, e.g.
// "every 2 weeks on Mon, Thu, 10 times".
func (r Rule) Describe() string {
	var b strings.Builder
	switch p := r.Pattern.(type) {
	case Daily:
		b.WriteString("every day")
	case Custom:
		if p.IntervalDays == 1 {
			b.WriteString("every day")
		} else {
			fmt.Fprintf(&b, "every %d days", p.IntervalDays)
		}
	case Weekly:
		if p.Biweekly {
			b.WriteString("every 2 weeks")
		} else {
			b.WriteString("every week")
		}
		if !p.Days.Empty() {
			b.WriteString(" on " + p.Days.String())
		}
	case Monthly:
		switch p.Months {
		case 12:
			b.WriteString("every year")
		case 1:
			b.WriteString("every month")
		default:
			fmt.Fprintf(&b, "every %d months", p.Months)
		}
		switch {
		case p.DayOfMonth > 0:
			fmt.Fprintf(&b, " on day %d", p.DayOfMonth)
		case p.WeekOfMonth > 0:
			wd := "weekday"
			if p.Weekday != nil {
				wd = p.Weekday.String()[:3]
			}
			fmt.Fprintf(&b, " on the %s %s", ordinal(p.WeekOfMonth), wd)
		}
	default:
		return "invalid rule"
	}
	if r.End.MaxOccurrences > 0 {
		fmt.Fprintf(&b, ", %d times", r.End.MaxOccurrences)
	}
	if r.End.Until != nil {
		b.WriteString(", until " + r.End.Until.Format("2006-01-02"))
	}
	if !r.Enabled {
		b.WriteString(" (disabled)")
	}
	return b.String()
}

func ordinal(n int) string {
	switch n {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	case 5:
		return "last"
	default:
		return fmt.Sprintf("%dth", n)
	}
}
