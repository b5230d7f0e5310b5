package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wagate"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Gateway API calls by endpoint and outcome kind.",
		},
		[]string{"endpoint", "outcome"},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refreshes against the gateway by result.",
		},
		[]string{"result"},
	)

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Vendor session state transitions.",
		},
		[]string{"from", "to"},
	)

	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Message and sync job attempt outcomes.",
		},
		[]string{"queue", "status"},
	)

	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of scheduled ticks.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, gatewayCalls, tokenRefreshes, sessionTransitions, jobOutcomes, tickDuration)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncGatewayCall records one gateway call; outcome is "ok" or an error kind.
func IncGatewayCall(endpoint, outcome string) {
	gatewayCalls.WithLabelValues(endpoint, outcome).Inc()
}

func IncTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

func IncSessionTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// IncJobOutcome counts an attempt result for queue "message" or "sync".
func IncJobOutcome(queue, status string) {
	jobOutcomes.WithLabelValues(queue, status).Inc()
}

func ObserveTick(kind string, d time.Duration) {
	tickDuration.WithLabelValues(kind).Observe(d.Seconds())
}
