// Package rotation picks the assignee of each new occurrence from a pool.
package rotation

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

type Strategy string

const (
	Fixed         Strategy = "fixed"
	RoundRobin    Strategy = "round_robin"
	Random        Strategy = "random"
	LeastAssigned Strategy = "least_assigned"
)

// ErrConfig is matched by every *ConfigError via errors.Is.
var ErrConfig = errors.New("invalid rotation config")

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("rotation: %s: %s", e.Field, e.Reason) }

func (e *ConfigError) Unwrap() error { return ErrConfig }

// State is the persisted rotation state of one rule.
type State struct {
	Strategy Strategy `json:"strategy"`
	Pool     []string `json:"pool,omitempty"`
	// LastIndex is the pool index of the previous round-robin pick; nil
	// before the first one.
	LastIndex *int `json:"lastAssigneeIndex,omitempty"`
	// Fixed is the originally assigned user for the fixed strategy.
	Fixed string `json:"fixed,omitempty"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Pool = append([]string(nil), s.Pool...)
	if s.LastIndex != nil {
		v := *s.LastIndex
		out.LastIndex = &v
	}
	return out
}

// Validate checks strategy and pool. Pool entries must be non-empty and unique.
func (s State) Validate() error {
	switch s.Strategy {
	case Fixed:
		if s.Fixed == "" && len(s.Pool) == 0 {
			return &ConfigError{Field: "pool", Reason: "fixed strategy needs an assignee or a pool"}
		}
	case RoundRobin, Random, LeastAssigned:
		if len(s.Pool) == 0 {
			return &ConfigError{Field: "pool", Reason: fmt.Sprintf("empty pool for %s", s.Strategy)}
		}
	case "":
		return &ConfigError{Field: "strategy", Reason: "required"}
	default:
		return &ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", s.Strategy)}
	}
	seen := make(map[string]struct{}, len(s.Pool))
	for _, u := range s.Pool {
		if strings.TrimSpace(u) == "" {
			return &ConfigError{Field: "pool", Reason: "empty user id"}
		}
		if _, dup := seen[u]; dup {
			return &ConfigError{Field: "pool", Reason: fmt.Sprintf("duplicate user %q", u)}
		}
		seen[u] = struct{}{}
	}
	return nil
}

// LoadFunc returns the number of open occurrences assigned to a user.
type LoadFunc func(user string) (int, error)

// Rotator selects assignees. Its random source is supplied by the caller so
// runs are reproducible; it is safe for concurrent use.
type Rotator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Rotator drawing from rng. A nil rng gets a PCG source seeded
// with seed.
func New(rng *rand.Rand, seed uint64) *Rotator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return &Rotator{rng: rng}
}

// Next returns the assignee for the next occurrence and the state to persist.
// The input state is never modified.
func (r *Rotator) Next(st State, load LoadFunc) (string, State, error) {
	if err := st.Validate(); err != nil {
		return "", st, err
	}
	next := st.Clone()
	switch st.Strategy {
	case Fixed:
		if st.Fixed != "" {
			return st.Fixed, next, nil
		}
		return st.Pool[0], next, nil

	case RoundRobin:
		idx := 0
		if st.LastIndex != nil && *st.LastIndex >= 0 && *st.LastIndex < len(st.Pool) {
			idx = (*st.LastIndex + 1) % len(st.Pool)
		}
		next.LastIndex = &idx
		return st.Pool[idx], next, nil

	case Random:
		r.mu.Lock()
		idx := r.rng.IntN(len(st.Pool))
		r.mu.Unlock()
		return st.Pool[idx], next, nil

	case LeastAssigned:
		if load == nil {
			return "", st, &ConfigError{Field: "strategy", Reason: "least_assigned needs a workload lookup"}
		}
		best, bestLoad := "", 0
		for i, u := range st.Pool {
			n, err := load(u)
			if err != nil {
				return "", st, fmt.Errorf("workload for %s: %w", u, err)
			}
			if i == 0 || n < bestLoad {
				best, bestLoad = u, n
			}
		}
		return best, next, nil
	}
	return "", st, &ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", st.Strategy)}
}
