package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_jobs_submitted_total",
			Help: "Total number of crawl jobs admitted",
		},
		[]string{"kind"},
	)
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_jobs_dispatched_total",
			Help: "Total number of jobs handed off to an agent",
		},
		[]string{"kind"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"status"},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_jobs_retried_total",
			Help: "Total number of job retries scheduled",
		},
	)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawl_dispatch_latency_seconds",
			Help:    "Time from job creation to agent hand-off",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	QuotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_quota_rejections_total",
			Help: "Total number of admissions rejected for insufficient quota",
		},
	)
	QuotaRefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_quota_refunds_total",
			Help: "Total number of quota refunds by reason",
		},
		[]string{"reason"},
	)

	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawl_agents",
			Help: "Number of agents by status",
		},
		[]string{"status"},
	)
	ScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_scale_events_total",
			Help: "Auto-scaling decisions emitted",
		},
		[]string{"direction"},
	)

	OutboxPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_outbox_published_total",
			Help: "Outbox messages successfully published to the bus",
		},
	)
	OutboxDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_outbox_dead_total",
			Help: "Outbox messages abandoned after exhausting retries",
		},
	)

	BusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_bus_events_total",
			Help: "Bus events consumed by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	SubscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_subscribers",
			Help: "Live progress-stream subscribers",
		},
	)
	FanoutDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_fanout_dropped_total",
			Help: "Progress events dropped due to full subscriber queues",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(QuotaRejectionsTotal)
	prometheus.MustRegister(QuotaRefundsTotal)
	prometheus.MustRegister(AgentsByStatus)
	prometheus.MustRegister(ScaleEventsTotal)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxDeadTotal)
	prometheus.MustRegister(BusEventsTotal)
	prometheus.MustRegister(SubscribersGauge)
	prometheus.MustRegister(FanoutDroppedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
