// Package metrics exposes queue depths, synchronization runs and job states
// as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/service"
)

const namespace = "medsync"

// Metrics owns a private registry so tests and embedders never collide
// with the global one.
type Metrics struct {
	reg *prometheus.Registry

	enqueued     *prometheus.CounterVec
	corrupted    *prometheus.CounterVec
	exhausted    *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	runs         *prometheus.CounterVec
	items        *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	lastRun      *prometheus.GaugeVec
	jobState     *prometheus.GaugeVec
}

// New creates the metric set, including Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Entries enqueued, by queue.",
		}, []string{"queue"}),
		corrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "corruptions_total",
			Help: "Index corruptions detected, by queue.",
		}, []string{"queue"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "exhausted_total",
			Help: "Times a queue was drained empty.",
		}, []string{"queue"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "dead_lettered_total",
			Help: "Entries moved to the dead-letter queue, by source queue.",
		}, []string{"source"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "runs_total",
			Help: "Completed synchronization runs, by direction.",
		}, []string{"direction"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "items_total",
			Help: "Entries processed by synchronization runs, by direction.",
		}, []string{"direction"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "skipped_total",
			Help: "Triggers dropped because the direction was already running.",
		}, []string{"direction"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "last_completed_timestamp_seconds",
			Help: "Unix time of the last completed run, by direction.",
		}, []string{"direction"}),
		jobState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "job", Name: "state",
			Help: "Current job state (0 not-run, 1 running, 2 completed, 3 aborted, 4 cancelled).",
		}, []string{"job"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enqueued, m.corrupted, m.exhausted, m.deadLettered,
		m.runs, m.items, m.skipped, m.lastRun, m.jobState,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveQueues exports a depth gauge per queue and hooks queue events.
func (m *Metrics) ObserveQueues(mgr *queue.Manager) error {
	for _, q := range mgr.Queues() {
		depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Entries currently waiting, by queue.",
			ConstLabels: prometheus.Labels{"queue": q.Name()},
		}, func() float64 {
			return float64(q.Count())
		})
		if err := m.reg.Register(depth); err != nil {
			return err
		}

		name := q.Name()
		q.OnEnqueued(func(*queue.Entry) {
			m.enqueued.WithLabelValues(name).Inc()
		})
		q.OnCorrupted(func(*queue.Error) {
			m.corrupted.WithLabelValues(name).Inc()
		})
		q.OnExhausted(func(string) {
			m.exhausted.WithLabelValues(name).Inc()
		})
	}
	return nil
}

// ServiceEvents is the event surface of a synchronization service.
type ServiceEvents interface {
	OnCompleted(fn func(service.Completed))
	OnSkipped(fn func(service.Direction))
	OnDeadLettered(fn func(source string, e *queue.Entry, err error))
}

// ObserveService counts runs, processed entries, skipped triggers and
// dead letters.
func (m *Metrics) ObserveService(s ServiceEvents) {
	s.OnCompleted(func(c service.Completed) {
		d := string(c.Direction)
		m.runs.WithLabelValues(d).Inc()
		m.items.WithLabelValues(d).Add(float64(c.Count))
		m.lastRun.WithLabelValues(d).Set(float64(c.Time.Unix()))
	})
	s.OnSkipped(func(d service.Direction) {
		m.skipped.WithLabelValues(string(d)).Inc()
	})
	s.OnDeadLettered(func(source string, _ *queue.Entry, _ error) {
		m.deadLettered.WithLabelValues(source).Inc()
	})
}

// JobEvents is the event surface of a periodic job.
type JobEvents interface {
	Name() string
	OnStateChange(fn func(service.JobState))
}

// ObserveJob tracks the job's current state.
func (m *Metrics) ObserveJob(j JobEvents) {
	g := m.jobState.WithLabelValues(j.Name())
	g.Set(float64(service.JobNotRun))
	j.OnStateChange(func(s service.JobState) {
		g.Set(float64(s))
	})
}
