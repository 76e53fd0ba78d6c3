// Package metrics exposes the prometheus instruments of the edge dispatch
// plane. All instruments register on the default registry and are served at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueued counts tasks accepted onto per-runtime queues.
	TasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_tasks_enqueued_total",
		Help: "Tasks enqueued for customer runtimes.",
	})

	// TasksClaimed counts successful lease claims handed to runtimes.
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_tasks_claimed_total",
		Help: "Task leases granted to pulling runtimes.",
	})

	// TasksAcked counts completed tasks.
	TasksAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_tasks_acked_total",
		Help: "Tasks acknowledged as completed.",
	})

	// TasksFailed counts explicit failure reports that re-queued the task.
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_tasks_failed_total",
		Help: "Explicit task failures that returned the task to its queue.",
	})

	// TasksDeadLettered counts tasks dropped after exhausting attempts.
	TasksDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_tasks_dead_lettered_total",
		Help: "Tasks moved to dead_letter after exhausting their attempts.",
	})

	// LeasesExpired counts leases reclaimed by the sweeper or lazy expiry.
	LeasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_leases_expired_total",
		Help: "Visibility leases reclaimed after expiry.",
	})

	// ResultsAccepted counts newly receipted result submissions.
	ResultsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_results_accepted_total",
		Help: "Result submissions accepted and receipted.",
	})

	// ResultsDuplicate counts replayed submissions answered from the receipt
	// ledger.
	ResultsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_results_duplicate_total",
		Help: "Result submissions deduplicated by request_id.",
	})

	// PullLatency observes how long pull requests hold their long poll.
	PullLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edge_pull_duration_seconds",
		Help:    "Wall time of pull requests, long poll included.",
		Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
	})

	// DispatchOutcomes counts router decisions by path.
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_dispatch_total",
		Help: "Dispatch decisions by outcome (edge, hosted).",
	}, []string{"outcome"})
)
