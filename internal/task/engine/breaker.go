package engine

import (
	"sync"
	"time"
)

type trip struct {
	fails     int
	lastFail  time.Time
	openUntil time.Time
}

func (t *trip) open(now time.Time) bool { return now.Before(t.openUntil) }

// breaker counts consecutive failures per key.
type breaker struct {
	mu    sync.Mutex
	trips map[string]*trip
}

// refuse reports whether key is inside its cooldown and until when.
func (b *breaker) refuse(cfg BreakerConfig, key string, now time.Time) (bool, time.Time) {
	if cfg.Threshold < 0 {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.trips[key]
	if t == nil {
		return false, time.Time{}
	}
	if now.Sub(t.lastFail) > cfg.Forget {
		delete(b.trips, key)
		return false, time.Time{}
	}
	return t.open(now), t.openUntil
}

// observe records the outcome of a finished task. A success forgets the key.
func (b *breaker) observe(cfg BreakerConfig, key string, now time.Time, err error) {
	if cfg.Threshold < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.trips, key)
		return
	}
	t := b.trips[key]
	if t == nil || now.Sub(t.lastFail) > cfg.Forget {
		t = &trip{}
		if b.trips == nil {
			b.trips = make(map[string]*trip)
		}
		b.trips[key] = t
	}
	t.fails++
	t.lastFail = now
	if over := t.fails - cfg.Threshold; over >= 0 {
		t.openUntil = now.Add(cooldown(cfg, over))
	}
}

func cooldown(cfg BreakerConfig, over int) time.Duration {
	d := cfg.Cooldown
	for ; over > 0 && d < cfg.MaxCooldown; over-- {
		d *= 2
	}
	return min(d, cfg.MaxCooldown)
}

func (b *breaker) counts(now time.Time) (keys, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.trips {
		keys++
		if t.open(now) {
			open++
		}
	}
	return keys, open
}
