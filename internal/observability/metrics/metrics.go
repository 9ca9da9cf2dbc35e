// Package metrics exports scheduler, executor and reminder activity to
// Prometheus by following the event bus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"recurd/internal/eventbus"
	"recurd/internal/reminder"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recurd"

type Metrics struct {
	reg *prometheus.Registry

	events       *prometheus.CounterVec
	scanDuration prometheus.Histogram
	scanRules    *prometheus.CounterVec
	lastScan     prometheus.Gauge
	taskDuration *prometheus.HistogramVec
	taskFailures *prometheus.CounterVec
	reminders    *prometheus.CounterVec
}

// New builds a registry holding the recurd collectors plus the Go runtime
// and process collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events by type.",
		}, []string{"type"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "scan_duration_seconds",
			Help:      "Duration of scheduler scans.",
			Buckets:   prometheus.DefBuckets,
		}),
		scanRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "rules_total",
			Help:      "Rules handled by scans, by outcome.",
		}, []string{"outcome"}),
		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_scan_timestamp_seconds",
			Help:      "Start time of the last finished scan.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Executor task duration by task name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "task_failures_total",
			Help:      "Failed, skipped or dropped executor tasks.",
		}, []string{"name", "reason"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "deliveries_total",
			Help:      "Reminder deliveries by result.",
		}, []string{"result"}),
	}
	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.scanDuration, m.scanRules, m.lastScan, m.taskDuration, m.taskFailures, m.reminders,
	}
	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(subsystem, name, help string, fn func() float64) error {
	err := m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is canceled.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(e eventbus.Event) {
	m.events.WithLabelValues(e.Type).Inc()
	switch e.Type {
	case eventbus.ScanFinished:
		rep, ok := e.Data.(scheduler.ScanReport)
		if !ok {
			return
		}
		m.scanDuration.Observe(rep.Duration.Seconds())
		m.lastScan.Set(float64(rep.Started.Unix()))
		for outcome, n := range map[string]int{
			"committed":   rep.Committed,
			"rescheduled": rep.Rescheduled,
			"terminated":  rep.Terminated,
			"invalid":     rep.Invalid,
			"conflict":    rep.Conflicts,
			"failed":      rep.Failed,
			"skipped":     rep.Skipped,
		} {
			if n > 0 {
				m.scanRules.WithLabelValues(outcome).Add(float64(n))
			}
		}
	case eventbus.TaskDone, eventbus.TaskFailed:
		ev, ok := e.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		m.taskDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
		if e.Type == eventbus.TaskFailed {
			m.taskFailures.WithLabelValues(ev.Name, "error").Inc()
		}
	case eventbus.TaskSkipped, eventbus.TaskDropped:
		if ev, ok := e.Data.(engine.TaskEvent); ok {
			m.taskFailures.WithLabelValues(ev.Name, ev.Error).Inc()
		}
	case eventbus.ReminderSent:
		m.reminders.WithLabelValues("sent").Inc()
	case eventbus.ReminderFailed:
		result := "failed"
		if ev, ok := e.Data.(reminder.Event); ok && ev.Error == reminder.ErrQueueFull.Error() {
			result = "dropped"
		}
		m.reminders.WithLabelValues(result).Inc()
	}
}
