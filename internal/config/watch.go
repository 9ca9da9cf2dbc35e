package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	logx "recurd/pkg/logx"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	rewatchMin = 250 * time.Millisecond
	rewatchMax = 5 * time.Second
)

// Events that may mean the file now has different content.
const fileOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherGone = errors.New("watcher closed")

// Watch reloads the file after it changes until ctx ends. It watches the
// parent directory so editors that save through a rename are noticed.
// Bursts of events are folded into one reload after the debounce delay,
// and a watcher that breaks is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	d := newDebouncer(m.debounce, func() { m.reload(ctx) })
	defer d.stop()

	delay := rewatchMin
	for {
		err := m.watchOnce(ctx, filepath.Clean(dir), name, d)
		if ctx.Err() != nil {
			return nil
		}
		wait := delay + rand.N(delay/2+1)
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, rewatchMax)
	}
}

// watchOnce runs one watcher until ctx ends or the watcher fails.
func (m *Manager) watchOnce(ctx context.Context, dir, name string, d *debouncer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherGone
			}
			if ev.Op&fileOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				d.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherGone
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				d.trigger()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// debouncer runs fn once the triggers have been quiet for delay.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}
