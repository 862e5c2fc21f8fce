// Package metrics exposes runtime observability through a dedicated
// Prometheus registry. Recording functions are nil-safe before Init so unit
// tests and embedded uses never need the registry wired up.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type registryMetrics struct {
	registry *prometheus.Registry

	eventsDispatched *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	compileErrors    prometheus.Counter

	vmsStarted  prometheus.Counter
	vmsRestarts prometheus.Counter
	vmsShutdown *prometheus.CounterVec
	activeVMs   prometheus.Gauge

	tasksFired   prometheus.Counter
	tasksAcked   prometheus.Counter
	tasksDropped prometheus.Counter
}

// Default histogram buckets for dispatch duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var m *registryMetrics

// Init builds the registry. Call once from the daemon before serving.
func Init(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	rm := &registryMetrics{
		registry: registry,

		eventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Events dispatched into guild scripts",
			},
			[]string{"event"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_ms",
				Help:      "Time spent inside the interpreter per dispatch",
				Buckets:   buckets,
			},
			[]string{"event"},
		),
		compileErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compile_errors_total",
				Help:      "Script compilation failures",
			},
		),
		vmsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_started_total",
				Help:      "Guild VM incarnations started",
			},
		),
		vmsRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_restarts_total",
				Help:      "Guild VM restarts (script set changes)",
			},
		),
		vmsShutdown: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_shutdowns_total",
				Help:      "Guild VM shutdowns by reason",
			},
			[]string{"reason"},
		),
		activeVMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_vms",
				Help:      "Currently running guild VMs",
			},
		),
		tasksFired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_tasks_fired_total",
				Help:      "Scheduled tasks delivered to scripts",
			},
		),
		tasksAcked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_tasks_acked_total",
				Help:      "Scheduled tasks acknowledged and deleted",
			},
		),
		tasksDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_tasks_dropped_total",
				Help:      "Scheduled tasks dropped after exhausting delivery attempts",
			},
		),
	}

	registry.MustRegister(
		rm.eventsDispatched,
		rm.dispatchDuration,
		rm.compileErrors,
		rm.vmsStarted,
		rm.vmsRestarts,
		rm.vmsShutdown,
		rm.activeVMs,
		rm.tasksFired,
		rm.tasksAcked,
		rm.tasksDropped,
	)

	m = rm
}

// Handler returns the scrape endpoint, or a 404 handler before Init.
func Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func EventDispatched(event string, d time.Duration) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(event).Inc()
	m.dispatchDuration.WithLabelValues(event).Observe(float64(d.Milliseconds()))
}

func CompileError() {
	if m == nil {
		return
	}
	m.compileErrors.Inc()
}

func VMStarted() {
	if m == nil {
		return
	}
	m.vmsStarted.Inc()
	m.activeVMs.Inc()
}

func VMRestarted() {
	if m == nil {
		return
	}
	m.vmsRestarts.Inc()
}

func VMShutdown(reason string) {
	if m == nil {
		return
	}
	m.vmsShutdown.WithLabelValues(reason).Inc()
	m.activeVMs.Dec()
}

func TaskFired() {
	if m == nil {
		return
	}
	m.tasksFired.Inc()
}

func TaskAcked() {
	if m == nil {
		return
	}
	m.tasksAcked.Inc()
}

func TaskDropped() {
	if m == nil {
		return
	}
	m.tasksDropped.Inc()
}
