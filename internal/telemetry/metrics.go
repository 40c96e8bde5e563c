package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulingRequests = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_scheduling_requests_total", Help: "Scheduling requests processed"})
	ItemsScheduled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_items_scheduled_total", Help: "Work items pushed onto service queues"})
	ItemsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_items_claimed_total", Help: "Work items claimed ready to running"})
	CountRecomputes    = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_count_recomputes_total", Help: "User work count recomputations after detected drift"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_scheduling_throttled_total", Help: "Scheduling requests dropped by the throttle"})
	ExecutorSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_items_succeeded_total", Help: "Work items completed successfully"})
	ExecutorFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_items_failed_total", Help: "Work items that failed execution"})
	ExecutorTimeouts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_items_timed_out_total", Help: "Work items stopped by the executor timeout"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "work_queue_depth", Help: "Ready depth of this service's queue"})
	RunningGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "work_items_running", Help: "Work items currently executing in this process"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulingRequests,
			ItemsScheduled,
			ItemsClaimed,
			CountRecomputes,
			RateLimitRejects,
			ExecutorSuccess,
			ExecutorFailures,
			ExecutorTimeouts,
			QueueDepthGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
