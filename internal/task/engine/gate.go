package engine

import "sync"

// gate holds the keys that are queued or running. It is the in-process
// lock that keeps two evaluations of one rule apart.
type gate struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (g *gate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.keys[key]; held {
		return false
	}
	if g.keys == nil {
		g.keys = make(map[string]struct{})
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *gate) release(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

func (g *gate) held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[key]
	return ok
}
