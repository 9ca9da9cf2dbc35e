package reminder

import (
	"context"
	"errors"
	"recurd/internal/occurrence"
	logx "recurd/pkg/logx"
	"sync"
	"time"
)

// timerSet holds the armed reminder timers by key. Re-arming a key bumps
// its generation so a timer that already fired for the old one is ignored.
type timerSet struct {
	mu  sync.Mutex
	gen uint64
	m   map[string]armed
}

type armed struct {
	t   *time.Timer
	gen uint64
}

func (ts *timerSet) arm(key string, delay time.Duration, fire func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.m == nil {
		ts.m = make(map[string]armed)
	}
	if prev, ok := ts.m[key]; ok {
		prev.t.Stop()
	}
	ts.gen++
	gen := ts.gen
	ts.m[key] = armed{gen: gen, t: time.AfterFunc(delay, func() {
		if ts.take(key, gen) {
			fire()
		}
	})}
}

// take removes key if it still belongs to generation gen.
func (ts *timerSet) take(key string, gen uint64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if cur, ok := ts.m[key]; !ok || cur.gen != gen {
		return false
	}
	delete(ts.m, key)
	return true
}

// remove stops the timers whose key matches and returns how many it stopped.
func (ts *timerSet) remove(match func(key string) bool) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for k, a := range ts.m {
		if match(k) {
			a.t.Stop()
			delete(ts.m, k)
			n++
		}
	}
	return n
}

func (ts *timerSet) clear() { ts.remove(func(string) bool { return true }) }

func (ts *timerSet) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.m)
}

// Schedule arms the reminders of a committed occurrence. Scheduling the
// same occurrence again replaces its timers. Reminders of an occurrence
// that is overdue by more than LateGrace are dropped; late ones fire now.
func (s *Service) Schedule(ctx context.Context, occ occurrence.Descriptor) {
	cfg := s.config()
	if !cfg.Enabled {
		return
	}
	now := s.now()
	for i, r := range occ.Reminders {
		if r.Sent {
			continue
		}
		key := Key(occ.ID, i)
		if now.After(occ.DueDate.Add(cfg.LateGrace)) {
			s.dropped.Add(1)
			s.log.Debug("reminder past due; dropped", logx.String("key", key), logx.Time("due", occ.DueDate))
			continue
		}
		at := r.FireAt
		if at.IsZero() {
			at = occ.DueDate.Add(-time.Duration(r.BeforeMinutes) * time.Minute)
		}
		j := job{key: key, occID: occ.ID, to: s.target(r, cfg), text: Format(occ, r)}
		s.timers.arm(key, max(at.Sub(now), 0), func() {
			if err := s.enqueue(context.Background(), j); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("reminder not queued", logx.String("key", j.key), logx.Err(err))
			}
		})
	}
}

// Cancel disarms the pending reminders of an occurrence.
func (s *Service) Cancel(occurrenceID string) int {
	return s.timers.remove(func(key string) bool { return occurrenceOf(key) == occurrenceID })
}

// Pending returns the number of armed timers.
func (s *Service) Pending() int { return s.timers.len() }
