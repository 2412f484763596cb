// Package observability holds the process-wide Prometheus metrics and the
// observer that bridges run outcomes into them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts terminal run outcomes by workflow and final state.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_runs_total",
		Help: "Terminal workflow run outcomes",
	}, []string{"workflow", "state"})

	// RunDuration tracks wall time from metadata start to terminal state.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowforge_run_duration_seconds",
		Help:    "Workflow run duration from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	}, []string{"workflow"})

	// RunFailureReasons counts failed runs by recorded failure reason.
	RunFailureReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_run_failures_total",
		Help: "Failed runs by failure reason",
	}, []string{"workflow", "reason"})

	// QueueDepth is the number of Queued work entries at the last poll.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowforge_queue_depth",
		Help: "Current number of queued work entries",
	})

	// WorkClaimed counts work queue rows claimed by the dispatcher.
	WorkClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_work_claimed_total",
		Help: "Work queue entries claimed for dispatch",
	})

	// WorkReleased counts claims rolled back, by cause.
	WorkReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_work_released_total",
		Help: "Claimed work queue entries released back to the queue",
	}, []string{"cause"}) // group_saturated, group_disabled

	// ManagerCycleDuration tracks one manager iteration end to end.
	ManagerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowforge_manager_cycle_duration_seconds",
		Help:    "Duration of one manifest manager cycle",
		Buckets: prometheus.DefBuckets,
	})

	// ManifestsEnqueued counts schedule-driven enqueues.
	ManifestsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_manifests_enqueued_total",
		Help: "Manifests enqueued by the scheduling cycle",
	})

	// RetriesScheduled counts failure-driven requeues.
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_retries_scheduled_total",
		Help: "Retry work queue entries created after failed runs",
	})

	// DeadLettersTotal counts dead-letter transitions by event.
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_dead_letters_total",
		Help: "Dead letter lifecycle events",
	}, []string{"event"}) // promoted, retried, acknowledged

	// JobsReaped counts stuck runs forced to Failed by the reaper.
	JobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_jobs_reaped_total",
		Help: "Stuck runs transitioned to Failed by timeout enforcement",
	})

	// MetadataPurged counts rows removed by the retention sweep.
	MetadataPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_metadata_purged_total",
		Help: "Terminal metadata rows deleted by the cleanup sweep",
	})

	// LeaderStatus is 1 while this process holds the coordination lease.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowforge_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// LeaderTransitions counts elections won and leaderships lost.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_leader_transitions_total",
		Help: "Leadership transitions",
	}, []string{"event"}) // elected, lost

	// EventPublishFailures counts best-effort event publishes that failed.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_event_publish_failures_total",
		Help: "Failed run event publish attempts (best-effort)",
	}, []string{"publisher"})

	// WSClients is the number of connected dashboard websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowforge_ws_clients",
		Help: "Connected websocket feed clients",
	})

	// APIRateLimited counts requests rejected by the HTTP rate limiter.
	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	})
)
