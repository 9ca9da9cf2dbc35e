package scheduler

import (
	"testing"
	"time"
)

func TestParseTick(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  TickKind
		cron  string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: TickCron, cron: "*/5 * * * *"},
		{name: "descriptor", raw: "@every 30s", kind: TickCron, cron: "@every 30s"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: TickCron, cron: "0 0 * * *"},
		{name: "duration", raw: "1m", kind: TickInterval, every: time.Minute},
		{name: "prefixed every", raw: "every:45s", kind: TickInterval, every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: TickInterval, every: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTick(tt.raw)
			if err != nil {
				t.Fatalf("ParseTick(%q): %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
				t.Fatalf("ParseTick(%q) = %+v", tt.raw, got)
			}
		})
	}
}

func TestParseTickInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "0s", "00:00", "01:75", "every:-1m", "cron:"} {
		if _, err := ParseTick(raw); err == nil {
			t.Fatalf("ParseTick(%q) expected error", raw)
		}
	}
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := spreadInterval(time.Minute, now, tickRand(42))
	if jitter < 0 || jitter >= time.Minute {
		t.Fatalf("jitter = %v, want [0, 1m)", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	// cron.Every truncates to whole seconds.
	if d := sched.Next(first).Sub(first); d <= 59*time.Second || d > time.Minute {
		t.Fatalf("second run %v after first, want about 1m", d)
	}
	if _, again := spreadInterval(time.Minute, now, tickRand(42)); again != jitter {
		t.Fatalf("same seed gave offsets %v and %v", jitter, again)
	}
	if _, off := spreadInterval(time.Minute, now, nil); off != 0 {
		t.Fatalf("offset without rng = %v", off)
	}
}
