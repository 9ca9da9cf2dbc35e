package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type TickKind int

const (
	TickCron TickKind = iota
	TickInterval
)

// Tick is a parsed scheduler.tick setting. Accepted forms:
//
//	"*/5 * * * *", "@hourly", "@every 30s"  cron (robfig syntax, optional seconds)
//	"1m", "2h30m"                           interval
//	"00:05"                                 interval in HH:MM
//
// A "cron:" or "every:" prefix forces the kind.
type Tick struct {
	Kind  TickKind
	Cron  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseTick(raw string) (Tick, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Tick{}, fmt.Errorf("tick required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Tick{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Tick{Kind: TickCron, Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseEvery(s[len("every:"):])
		if err != nil {
			return Tick{}, err
		}
		return Tick{Kind: TickInterval, Every: d}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Tick{Kind: TickCron, Cron: s}, nil
	}
	d, err := parseEvery(s)
	if err != nil {
		return Tick{}, fmt.Errorf("invalid tick %q (use cron like '*/5 * * * *', HH:MM like '00:05' or a duration like '1m')", raw)
	}
	return Tick{Kind: TickInterval, Every: d}, nil
}

func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
