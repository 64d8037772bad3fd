package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the transport monitoring counters.
type Metrics struct {
	// ActiveRequests gauges in-flight LLM requests.
	ActiveRequests prometheus.Gauge

	// Requests counts finished requests by provider and outcome
	// (success, rate_limit, timeout, connection, rejected, error).
	Requests *prometheus.CounterVec

	// Tokens counts prompt and completion tokens by provider.
	Tokens *prometheus.CounterVec

	// QueueDepth gauges pending submissions in the request queue.
	QueueDepth prometheus.Gauge
}

// NewMetrics registers the transport metrics with reg. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dawei_llm_active_requests",
			Help: "Number of in-flight LLM requests.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dawei_llm_requests_total",
			Help: "Finished LLM requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dawei_llm_tokens_total",
			Help: "Token usage by provider and kind.",
		}, []string{"provider", "kind"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dawei_llm_queue_depth",
			Help: "Pending submissions in the LLM request queue.",
		}),
	}
}

func (m *Metrics) observeOutcome(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		switch Classify(err) {
		case ReasonRateLimit:
			outcome = "rate_limit"
		case ReasonTimeout:
			outcome = "timeout"
		case ReasonConnection:
			outcome = "connection"
		default:
			outcome = "error"
		}
	}
	m.Requests.WithLabelValues(provider, outcome).Inc()
}
