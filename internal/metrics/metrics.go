package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics

	SchedulerTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "scheduler_ticks_total",
		Help:      "Total scheduler poll ticks.",
	})

	SchedulerFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "scheduler_fired_total",
		Help:      "Executions created by the scheduler.",
	})

	SchedulerLeaseDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "scheduler_lease_denied_total",
		Help:      "Per-job leases held by another replica.",
	})

	// Queue metrics

	QueuePublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "queue_published_total",
		Help:      "Messages accepted by the queue.",
	})

	QueueDedupDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "queue_dedup_dropped_total",
		Help:      "Publishes discarded by idempotency-key deduplication.",
	})

	QueueRedeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "queue_redelivered_total",
		Help:      "Messages reclaimed after a consumer went quiet.",
	})

	QueueDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "queue_dropped_total",
		Help:      "Messages dropped after exceeding max deliveries.",
	})

	// Worker metrics

	ExecutionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conveyr",
		Name:      "worker_executions_in_flight",
		Help:      "Executions currently being processed by this worker.",
	})

	ExecutionsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "executions_completed_total",
		Help:      "Executions finished, by terminal status.",
	}, []string{"status"})

	ExecutionPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conveyr",
		Name:      "execution_pickup_latency_seconds",
		Help:      "Time from execution creation to worker pickup.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conveyr",
		Name:      "step_duration_seconds",
		Help:      "Duration of one step attempt.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"type", "outcome"})

	StepRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "step_retries_total",
		Help:      "Step attempts that were retried.",
	})

	DeadLetterTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "dead_letter_total",
		Help:      "Executions moved to the dead-letter state.",
	})

	// Circuit breaker

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conveyr",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per target. 0=closed, 1=half-open, 2=open.",
	}, []string{"target"})

	// Trigger ingress

	WebhookRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "webhook_requests_total",
		Help:      "Webhook trigger requests, by outcome.",
	}, []string{"outcome"})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conveyr",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyr",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		SchedulerTicksTotal,
		SchedulerFiredTotal,
		SchedulerLeaseDeniedTotal,
		QueuePublishedTotal,
		QueueDedupDroppedTotal,
		QueueRedeliveredTotal,
		QueueDroppedTotal,
		ExecutionsInFlight,
		ExecutionsCompletedTotal,
		ExecutionPickupLatency,
		StepDuration,
		StepRetriesTotal,
		DeadLetterTotal,
		BreakerState,
		WebhookRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

type healthHandler interface {
	LivenessHandler() http.Handler
	ReadinessHandler() http.Handler
}

func NewServer(addr string, checker healthHandler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		mux.Handle("/healthz", checker.LivenessHandler())
		mux.Handle("/readyz", checker.ReadinessHandler())
	}
	return &http.Server{Addr: addr, Handler: mux}
}
