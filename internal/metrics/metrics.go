// Package metrics exposes registry and scheduler activity as Prometheus
// metrics. Everything is fed from the event bus, so producers stay unaware
// of Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentd/internal/eventbus"
	"agentd/internal/extensions"
	"agentd/internal/task/engine"
	"agentd/internal/task/scheduler"
)

const namespace = "agentd"

// Collector holds the metrics on a private registry.
type Collector struct {
	reg *prometheus.Registry

	reloads        *prometheus.CounterVec
	registryVer    prometheus.Gauge
	toolsActive    prometheus.Gauge
	unitsFailed    prometheus.Gauge
	toolCalls      *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	jobEvents      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsScheduled  prometheus.Gauge
	taskQueueDelay prometheus.Histogram
	tasksInFlight  prometheus.Gauge
}

// New builds a collector. Go runtime and process collectors are included.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "extensions",
			Name: "reloads_total", Help: "Registry reloads by outcome.",
		}, []string{"result"}),
		registryVer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "extensions",
			Name: "registry_version", Help: "Version number of the active tool set.",
		}),
		toolsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "extensions",
			Name: "tools", Help: "Tools in the active version.",
		}),
		unitsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "extensions",
			Name: "failed_units", Help: "Units rejected by the last successful reload.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tools",
			Name: "invocations_total", Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "result"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tools",
			Name: "invocation_seconds", Help: "Tool invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cron",
			Name: "job_events_total", Help: "Job lifecycle events (fired, deferred, misfired, completed, failed).",
		}, []string{"event"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cron",
			Name: "job_duration_seconds", Help: "Job execution time by task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		jobsScheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cron",
			Name: "jobs", Help: "Jobs known after the last reconcile.",
		}),
		taskQueueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "queue_delay_seconds", Help: "Time tasks spent queued before a worker picked them up.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "tasks_in_flight", Help: "Tasks currently executing.",
		}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.reloads, c.registryVer, c.toolsActive, c.unitsFailed,
		c.toolCalls, c.toolLatency,
		c.jobEvents, c.jobDuration, c.jobsScheduled,
		c.taskQueueDelay, c.tasksInFlight,
	)
	return c
}

// Registry exposes the underlying registry (tests, extra collectors).
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe updates the metrics for one event.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.ExtensionsReloaded:
		c.reloads.WithLabelValues("ok").Inc()
		if rep, ok := ev.Data.(extensions.Report); ok {
			c.registryVer.Set(float64(rep.Version))
			c.toolsActive.Set(float64(len(rep.ToolNames)))
			c.unitsFailed.Set(float64(len(rep.FailedUnits)))
		}
	case eventbus.ExtensionsFailed:
		c.reloads.WithLabelValues("error").Inc()
	case eventbus.ToolInvoked:
		if ir, ok := ev.Data.(extensions.InvokeResult); ok {
			result := "ok"
			if ir.Err != "" {
				result = "error"
			}
			c.toolCalls.WithLabelValues(ir.Tool, result).Inc()
			c.toolLatency.WithLabelValues(ir.Tool).Observe(ir.Duration.Seconds())
		}
	case eventbus.JobFired, eventbus.JobDeferred:
		c.jobEvents.WithLabelValues(strings.TrimPrefix(ev.Type, "job.")).Inc()
	case eventbus.JobMisfired:
		// One event summarizes every firing a job missed in a pass.
		n := 1
		if fe, ok := ev.Data.(scheduler.FireEvent); ok && fe.Count > 1 {
			n = fe.Count
		}
		c.jobEvents.WithLabelValues("misfired").Add(float64(n))
	case eventbus.JobCompleted, eventbus.JobFailed:
		c.jobEvents.WithLabelValues(strings.TrimPrefix(ev.Type, "job.")).Inc()
		if re, ok := ev.Data.(scheduler.RunEvent); ok {
			c.jobDuration.WithLabelValues(re.Task).Observe(re.Duration.Seconds())
		}
	case eventbus.JobsReconcile:
		if re, ok := ev.Data.(scheduler.ReconcileEvent); ok {
			c.jobsScheduled.Set(float64(re.Unchanged + len(re.Added) + len(re.Changed)))
		}
	case eventbus.TaskStarted:
		c.tasksInFlight.Inc()
		if te, ok := ev.Data.(engine.TaskEvent); ok {
			c.taskQueueDelay.Observe(te.QueueDelay.Seconds())
		}
	case eventbus.TaskFinished, eventbus.TaskFailed:
		c.tasksInFlight.Dec()
	}
}
