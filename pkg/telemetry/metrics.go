package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scribe"

var (
	metricSuggestRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suggest_requests_total",
		Help:      "Completion requests issued by suggestion sessions.",
	})

	metricSuggestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suggest_outcomes_total",
		Help:      "Terminal outcomes of suggestions (accepted, dismissed, discarded, failed, cancelled, suppressed).",
	}, []string{"outcome"})

	metricSuggestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "suggest_latency_seconds",
		Help:      "Time from request start to first token or stream completion.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	}, []string{"stage"})

	metricMalformedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_malformed_chunks_total",
		Help:      "Stream chunks skipped because they could not be parsed.",
	}, []string{"provider"})

	metricStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_streams_total",
		Help:      "Finished model streams by result code.",
	}, []string{"provider", "model", "code"})

	metricStreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_stream_duration_seconds",
		Help:      "Wall time of model streams.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	metricCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_circuit_state",
		Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
	}, []string{"provider"})

	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Mounted suggestion sessions.",
	})
)

// Latency stages.
const (
	StageFirstToken = "first_token"
	StageComplete   = "complete"
)

// RecordSuggestRequest counts a completion request.
func RecordSuggestRequest() {
	metricSuggestRequests.Inc()
}

// RecordSuggestOutcome counts a terminal suggestion outcome.
func RecordSuggestOutcome(outcome string) {
	metricSuggestOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveSuggestLatency records the elapsed time for a stage.
func ObserveSuggestLatency(stage string, d time.Duration) {
	metricSuggestLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveStream records a finished model stream. code is empty on success.
func ObserveStream(provider, model, code string, malformed int, d time.Duration) {
	if code == "" {
		code = "ok"
	}
	metricStreams.WithLabelValues(provider, model, code).Inc()
	metricStreamDuration.WithLabelValues(provider).Observe(d.Seconds())
	if malformed > 0 {
		metricMalformedChunks.WithLabelValues(provider).Add(float64(malformed))
	}
}

// SetCircuitState publishes a provider's breaker state.
func SetCircuitState(provider string, state int) {
	metricCircuitState.WithLabelValues(provider).Set(float64(state))
}

// SessionMounted adjusts the active session gauge.
func SessionMounted(delta int) {
	metricActiveSessions.Add(float64(delta))
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
