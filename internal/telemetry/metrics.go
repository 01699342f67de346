package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_submitted_total", Help: "Jobs accepted by the background queue"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_failed_total", Help: "Jobs whose handler returned an error or panicked"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_cancelled_total", Help: "Jobs cancelled before execution"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bgjobs_queue_depth", Help: "Jobs waiting in the background queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})

	PoolTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bgjobs_pool_tasks_total", Help: "Tasks submitted per worker pool"}, []string{"pool"})
	PoolActive     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "bgjobs_pool_active", Help: "Tasks currently executing per worker pool"}, []string{"pool"})
	PoolFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bgjobs_pool_failed_total", Help: "Tasks that failed per worker pool"}, []string{"pool"})

	EscalateEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_escalate_enqueued_total", Help: "Tasks handed to the durable escalator"})
	EscalateCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_escalate_completed_total", Help: "Durable tasks that completed successfully"})
	EscalateRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_escalate_retries_total", Help: "Durable task attempts that failed and were rescheduled"})
	EscalateDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_escalate_dead_letter_total", Help: "Durable tasks moved to the dead letter queue"})
	EscalateReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bgjobs_escalate_reclaimed_total", Help: "Leased tasks reclaimed after visibility timeout"})

	ResourceCPU    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bgjobs_resource_cpu_percent", Help: "Sampled CPU utilization percent"})
	ResourceMemory = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bgjobs_resource_memory_percent", Help: "Sampled memory utilization percent"})
	ResourceDisk   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bgjobs_resource_disk_percent", Help: "Sampled disk utilization percent"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			QueueDepthGauge,
			RateLimitRejects,
			PoolTasksTotal,
			PoolActive,
			PoolFailures,
			EscalateEnqueued,
			EscalateCompleted,
			EscalateRetries,
			EscalateDeadLetter,
			EscalateReclaimed,
			ResourceCPU,
			ResourceMemory,
			ResourceDisk,
		)
	})
	return promhttp.Handler()
}
