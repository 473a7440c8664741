// Package metrics holds the Prometheus instruments shared by the core
// components. They register with the default registry and are served on
// /metrics by the API server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueEvictions counts items dropped to make room at capacity.
	queueEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plughost_queue_evictions_total",
		Help: "Items evicted from a bounded queue because it was full",
	}, []string{"queue"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plughost_queue_depth",
		Help: "Current number of items held by a bounded queue",
	}, []string{"queue"})

	runsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plughost_runs_created_total",
		Help: "Runs accepted by the run tracker",
	})

	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plughost_runs_completed_total",
		Help: "Runs that reached a terminal state, by status and error code",
	}, []string{"status", "code"})

	triggerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plughost_trigger_duration_seconds",
		Help:    "Latency of plugin trigger calls in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"plugin"})

	hostTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plughost_host_transitions_total",
		Help: "Plugin process host state transitions",
	}, []string{"plugin", "state"})

	liveHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plughost_live_hosts",
		Help: "Plugin process hosts currently tracked by the registry",
	})
)

// QueueEvicted records one eviction from the named queue.
func QueueEvicted(queue string) {
	queueEvictions.WithLabelValues(queue).Inc()
}

// QueueDepth records the current size of the named queue.
func QueueDepth(queue string, n int) {
	queueDepth.WithLabelValues(queue).Set(float64(n))
}

func RunCreated() {
	runsCreated.Inc()
}

// RunCompleted records a terminal run. code is empty for successful runs.
func RunCompleted(status, code string) {
	runsCompleted.WithLabelValues(status, code).Inc()
}

func TriggerObserved(plugin string, d time.Duration) {
	triggerDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

func HostTransition(plugin, state string) {
	hostTransitions.WithLabelValues(plugin, state).Inc()
}

func LiveHosts(n int) {
	liveHosts.Set(float64(n))
}
