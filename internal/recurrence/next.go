package recurrence

import (
	"errors"
	"time"
)

// NextOccurrence returns the first occurrence strictly after ref.
//
// ref is the prior due date for due_date rules and the completion time for
// completion_date rules; the calculator does not distinguish. The time of day
// and location of ref carry over to the result. ErrTerminated is returned when
// the rule is disabled, its occurrence budget is spent or the candidate falls
// after the end date.
func NextOccurrence(r Rule, ref time.Time) (time.Time, error) {
	if !r.Enabled {
		return time.Time{}, ErrTerminated
	}
	if r.Pattern == nil {
		return time.Time{}, configErr("frequency", "required")
	}
	if r.Exhausted() {
		return time.Time{}, ErrTerminated
	}
	next := r.Pattern.next(ref, r.OccurrencesCompleted)
	if next.IsZero() {
		return time.Time{}, configErr("frequency", "pattern %s yields no occurrence", r.Frequency())
	}
	if r.End.Until != nil && next.After(*r.End.Until) {
		return time.Time{}, ErrTerminated
	}
	return next, nil
}

// NextOccurrences previews up to n future occurrences starting after ref by
// simulating a commit after each one. The rule itself is not modified. It
// stops early, without error, when the series terminates.
func NextOccurrences(r Rule, ref time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, max(n, 0))
	for i := 0; i < n; i++ {
		next, err := NextOccurrence(r, ref)
		if errors.Is(err, ErrTerminated) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, next)
		ref = next
		r.OccurrencesCompleted++
	}
	return out, nil
}

func (Daily) next(ref time.Time, _ int) time.Time {
	return ref.AddDate(0, 0, 1)
}

func (c Custom) next(ref time.Time, _ int) time.Time {
	return ref.AddDate(0, 0, c.IntervalDays)
}

// next for biweekly rules skips a week whenever the candidate starts a new
// (Sunday-first) week after an occurrence has already been generated. Days of
// the same week as ref keep their spacing, so "every other week on Mon and
// Thu" stays on Mon/Thu of alternating weeks.
func (w Weekly) next(ref time.Time, completed int) time.Time {
	start := int(ref.Weekday())
	for k := 1; k <= 7; k++ {
		c := ref.AddDate(0, 0, k)
		if !w.Days.Has(c.Weekday()) {
			continue
		}
		if w.Biweekly && completed > 0 && start+k > 6 {
			c = c.AddDate(0, 0, 7)
		}
		return c
	}
	return time.Time{}
}

func (m Monthly) next(ref time.Time, _ int) time.Time {
	y, mo := addMonths(ref.Year(), ref.Month(), m.Months)
	loc := ref.Location()
	var day int
	if m.DayOfMonth > 0 {
		day = min(m.DayOfMonth, daysIn(y, mo, loc))
	} else {
		wd := ref.Weekday()
		if m.Weekday != nil {
			wd = *m.Weekday
		}
		day = nthWeekday(y, mo, loc, wd, m.WeekOfMonth)
	}
	h, mi, s := ref.Clock()
	return time.Date(y, mo, day, h, mi, s, ref.Nanosecond(), loc)
}

// addMonths moves a (year, month) pair forward without touching the day, so
// that Jan 31 + 1 month lands in February instead of overflowing into March.
func addMonths(y int, mo time.Month, n int) (int, time.Month) {
	total := int(mo) - 1 + n
	y += total / 12
	total %= 12
	if total < 0 {
		total += 12
		y--
	}
	return y, time.Month(total + 1)
}

func daysIn(y int, mo time.Month, loc *time.Location) int {
	return time.Date(y, mo+1, 0, 0, 0, 0, 0, loc).Day()
}

// nthWeekday returns the day of month of the nth wd in (y, mo). n == 5 means
// the last one, which in short months is the fourth.
func nthWeekday(y int, mo time.Month, loc *time.Location, wd time.Weekday, n int) int {
	first := time.Date(y, mo, 1, 0, 0, 0, 0, loc).Weekday()
	day := 1 + (int(wd)-int(first)+7)%7 + 7*(n-1)
	for day > daysIn(y, mo, loc) {
		day -= 7
	}
	return day
}
