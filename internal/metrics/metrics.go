package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachment_fetcher_tasks_submitted_total",
		Help: "Total number of tasks submitted to the scheduler",
	})

	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachment_fetcher_tasks_completed_total",
		Help: "Total number of tasks completed",
	})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachment_fetcher_tasks_failed_total",
		Help: "Total number of tasks that ended failed, by reason",
	}, []string{"reason"})

	TasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachment_fetcher_tasks_cancelled_total",
		Help: "Total number of tasks cancelled by the user",
	})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachment_fetcher_task_retries_total",
		Help: "Total number of scheduled retries",
	})

	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attachment_fetcher_active_transfers",
		Help: "Number of transfers currently admitted",
	})

	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attachment_fetcher_pending_tasks",
		Help: "Number of tasks waiting for admission",
	})

	TransferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attachment_fetcher_transfer_duration_seconds",
		Help:    "Duration of a single transfer attempt in seconds",
		Buckets: prometheus.DefBuckets,
	})

	TransferBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachment_fetcher_transfer_bytes_total",
		Help: "Total bytes written to partial files",
	})

	ItemsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachment_fetcher_items_skipped_total",
		Help: "Total number of items skipped because the ledger already had them",
	})

	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachment_fetcher_subscribers_dropped_total",
		Help: "Total number of event subscribers dropped for falling behind",
	})
)
