package reminder

import (
	"context"
	logx "recurd/pkg/logx"
	"sync"
	"time"
)

const storeTimeout = 250 * time.Millisecond

// dedupCache maps reminder keys to the end of their suppression window.
type dedupCache struct {
	mu    sync.Mutex
	max   int
	until map[string]time.Time
}

func (c *dedupCache) setMax(n int) {
	c.mu.Lock()
	c.max = n
	c.mu.Unlock()
}

func (c *dedupCache) blocked(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[key]
	return ok && now.Before(u)
}

// put records key and evicts expired entries, then the entries closest to
// expiry while over capacity.
func (c *dedupCache) put(key string, until, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.until == nil {
		c.until = make(map[string]time.Time)
	}
	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for c.max > 0 && len(c.until) > c.max {
		var victim string
		var first time.Time
		for k, u := range c.until {
			if victim == "" || u.Before(first) {
				victim, first = k, u
			}
		}
		delete(c.until, victim)
	}
}

func (c *dedupCache) drop(key string) {
	c.mu.Lock()
	delete(c.until, key)
	c.mu.Unlock()
}

// admit reports whether key may be sent. The local window is checked
// first, then the store so a restart does not resend. An admitted key is
// reserved until the send settles.
func (s *Service) admit(ctx context.Context, key string, window time.Duration) bool {
	now := s.now()
	if s.dedup.blocked(key, now) {
		return false
	}
	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		until, ok, err := s.store.GetDedup(sctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.put(key, until, now)
			return false
		}
	}
	s.dedup.put(key, now.Add(window), now)
	return true
}

// confirm starts the full window after a successful send and persists it.
func (s *Service) confirm(ctx context.Context, key string, window time.Duration) {
	if window <= 0 {
		return
	}
	now := s.now()
	until := now.Add(window)
	s.dedup.put(key, until, now)
	if s.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := s.store.PutDedup(sctx, key, until); err != nil {
		s.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
	}
}
