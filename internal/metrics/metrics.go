// Package metrics exposes Prometheus instrumentation for the loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/me/pipe/internal/loop"
)

// Registry holds the loop metrics and implements loop.Observer.
type Registry struct {
	loop.NopObserver

	TasksCreated  prometheus.Counter
	TasksFinished *prometheus.CounterVec
	Resumptions   prometheus.Counter
	Tick          prometheus.Gauge
	LiveTasks     prometheus.Gauge
	TaskTicks     prometheus.Histogram
}

var _ loop.Observer = (*Registry)(nil)

// NewRegistry creates the loop metrics on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		TasksCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipe",
				Subsystem: "loop",
				Name:      "tasks_created_total",
				Help:      "Total number of tasks created",
			},
		),

		TasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipe",
				Subsystem: "loop",
				Name:      "tasks_finished_total",
				Help:      "Total number of tasks retired, by terminal state",
			},
			[]string{"state"},
		),

		Resumptions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipe",
				Subsystem: "loop",
				Name:      "resumptions_total",
				Help:      "Total number of task resumptions",
			},
		),

		Tick: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pipe",
				Subsystem: "loop",
				Name:      "tick",
				Help:      "Current loop tick",
			},
		),

		LiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pipe",
				Subsystem: "loop",
				Name:      "live_tasks",
				Help:      "Number of tasks that have not finished",
			},
		),

		TaskTicks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipe",
				Subsystem: "loop",
				Name:      "task_ticks",
				Help:      "Task lifetime in ticks, from creation to retirement",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
	}
}

func (r *Registry) TaskCreated(*loop.Task) {
	r.TasksCreated.Inc()
	r.LiveTasks.Inc()
}

func (r *Registry) TaskResumed(*loop.Task, loop.Step) {
	r.Resumptions.Inc()
}

func (r *Registry) TaskRetired(t *loop.Task) {
	r.TasksFinished.WithLabelValues(t.State().String()).Inc()
	r.TaskTicks.Observe(float64(t.FinishedTick() - t.CreatedTick()))
	r.LiveTasks.Dec()
}

func (r *Registry) Ticked(tick int64, live int) {
	r.Tick.Set(float64(tick))
	r.LiveTasks.Set(float64(live))
}
