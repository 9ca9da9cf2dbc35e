package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"recurd/internal/transport"
)

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second

	alertMaxLen = 3500
	alertMaxVal = 600
	alertMaxStk = 900
)

// leadKeys are printed first, in this order; the rest follow sorted.
var leadKeys = []string{"comp", "rule", "occurrence"}

// alertSink is a zerolog LevelWriter that forwards formatted lines to a
// transport adapter from its own goroutine. Writes never block logging.
type alertSink struct {
	mu       sync.Mutex
	sender   transport.Adapter
	target   transport.Target
	limiter  *rate.Limiter
	minLevel Level
	warned   bool

	queue   chan alertItem
	once    sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type alertItem struct {
	to  transport.Target
	msg string
}

func newAlertSink(sender transport.Adapter) *alertSink {
	return &alertSink{sender: sender, queue: make(chan alertItem, alertQueueSize), minLevel: LevelWarn}
}

func (a *alertSink) setSender(sender transport.Adapter) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Target.IsZero() {
		a.target = cfg.Target
	}
	noTarget := cfg.Enabled && a.target.IsZero() && !a.warned
	if noTarget {
		a.warned = true
	}
	a.mu.Unlock()

	if noTarget {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled without a target; nothing will be sent")
	}
	if cfg.Enabled {
		a.once.Do(a.start)
	}
}

func (a *alertSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				a.dropped.Add(1)
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_, err := sender.SendText(sctx, it.to, it.msg, &transport.SendOptions{DisablePreview: true})
			cancel()
			if err != nil {
				a.dropped.Add(1)
			}
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	to, lim, minLevel := a.target, a.limiter, a.minLevel
	a.mu.Unlock()

	if to.IsZero() || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatAlertJSON(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alertItem{to: to, msg: msg}:
	default:
		a.dropped.Add(1)
	}
	return len(p), nil
}

// formatAlertJSON renders a zerolog JSON line as "[LEVEL] message" followed
// by one "- key=value" line per field. Non-JSON input is passed through.
func formatAlertJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return clip(string(p), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	stack, _ := m["stack"].(string)
	for _, k := range []string{"time", "level", "message", "stack"} {
		delete(m, k)
	}
	type kv struct {
		k string
		v any
	}
	fields := make([]kv, 0, len(m))
	for _, k := range leadKeys {
		if v, ok := m[k]; ok {
			fields = append(fields, kv{k, v})
			delete(m, k)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fields = append(fields, kv{k, m[k]})
	}
	for _, f := range fields {
		fmt.Fprintf(&b, "\n- %s=%s", f.k, clip(fmt.Sprint(f.v), alertMaxVal))
	}
	if stack != "" {
		b.WriteString("\n- stack=\n" + clip(stack, alertMaxStk))
	}
	return clip(b.String(), alertMaxLen)
}

// clip cuts s to at most n bytes on a rune boundary and marks the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := max(n-3, 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
