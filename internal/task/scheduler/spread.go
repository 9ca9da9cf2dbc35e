package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxTickSpread bounds the extra delay before the first interval tick.
const maxTickSpread = 30 * time.Second

// offsetSchedule fires first at start and follows base afterwards.
type offsetSchedule struct {
	base  cron.Schedule
	start time.Time
}

func (o offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(o.start) {
		return o.start
	}
	return o.base.Next(t)
}

// spreadInterval returns an every-schedule whose first tick lands one
// interval plus a random offset below min(every, maxTickSpread) after now.
// Instances started together therefore do not scan in lockstep.
func spreadInterval(every time.Duration, now time.Time, rng *rand.Rand) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxTickSpread)
	if window <= 0 || rng == nil {
		return base, 0
	}
	off := time.Duration(rng.Int64N(int64(window)))
	return offsetSchedule{base: base, start: now.Add(every + off)}, off
}

// tickRand seeds the tick offset from Config.RandomSeed, or the clock when
// it is 0.
func tickRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, ^seed))
}
