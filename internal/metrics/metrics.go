// Package metrics holds the prometheus collectors exported by the broker and
// the workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// BrokerTurnDuration observes how long a whole barrier round takes.
	BrokerTurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "halo",
			Subsystem: "broker",
			Name:      "turn_duration_seconds",
			Help:      "Time from issuing a turn until every worker acknowledged it",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		})

	BrokerTurnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "halo",
			Subsystem: "broker",
			Name:      "turns_total",
			Help:      "Number of turns completed by every worker",
		})

	BrokerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halo",
			Subsystem: "broker",
			Name:      "runs_total",
			Help:      "Number of runs by outcome",
		}, []string{"outcome"})

	BrokerActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "halo",
			Subsystem: "broker",
			Name:      "active_workers",
			Help:      "Workers taking part in the current run",
		})

	WorkerComputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "halo",
			Subsystem: "worker",
			Name:      "compute_duration_seconds",
			Help:      "Time spent applying the rule to the local partition",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 20),
		}, []string{"worker"})

	WorkerHaloWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "halo",
			Subsystem: "worker",
			Name:      "halo_wait_duration_seconds",
			Help:      "Time spent waiting for neighbour boundary rows",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		}, []string{"worker"})

	WorkerHaloRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halo",
			Subsystem: "worker",
			Name:      "halo_rows_total",
			Help:      "Boundary rows exchanged with neighbours",
		}, []string{"worker", "direction"})

	WorkerTurn = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "halo",
			Subsystem: "worker",
			Name:      "turn",
			Help:      "Last committed turn of the worker",
		}, []string{"worker"})
)

// InitBrokerMetrics registers broker collectors.
func InitBrokerMetrics(registry *prometheus.Registry) {
	registry.MustRegister(BrokerTurnDuration)
	registry.MustRegister(BrokerTurnsTotal)
	registry.MustRegister(BrokerRunsTotal)
	registry.MustRegister(BrokerActiveWorkers)
}

// InitWorkerMetrics registers worker collectors.
func InitWorkerMetrics(registry *prometheus.Registry) {
	registry.MustRegister(WorkerComputeDuration)
	registry.MustRegister(WorkerHaloWaitDuration)
	registry.MustRegister(WorkerHaloRowsTotal)
	registry.MustRegister(WorkerTurn)
}

// NewRegistry returns a registry with the go and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
