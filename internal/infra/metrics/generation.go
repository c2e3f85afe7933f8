package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		genAttemptsTotal,
		genRetriesTotal,
		genTokensStreamed,
		genAbortsTotal,
		genLatencySeconds,
	)
}

var (
	genAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_attempts_total",
			Help: "Generation HTTP attempts per provider, labeled by outcome.",
		},
		[]string{"provider", "outcome"}, // ok | transient | terminal | error
	)

	genRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_retries_total",
			Help: "Retries scheduled after a transient upstream status.",
		},
		[]string{"provider"},
	)

	genTokensStreamed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_streamed_total",
			Help: "Tokens delivered to callers from streamed responses.",
		},
		[]string{"provider"},
	)

	genAbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_aborts_total",
			Help: "Generations cancelled by the caller.",
		},
		[]string{"provider"},
	)

	genLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_latency_seconds",
			Help:    "Whole-request generation latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "stream"},
	)
)

func IncGenerationAttempt(provider, outcome string) {
	genAttemptsTotal.WithLabelValues(norm(provider), norm(outcome)).Inc()
}

func IncGenerationRetry(provider string) {
	genRetriesTotal.WithLabelValues(norm(provider)).Inc()
}

func AddTokensStreamed(provider string, n int) {
	genTokensStreamed.WithLabelValues(norm(provider)).Add(float64(n))
}

func IncGenerationAbort(provider string) {
	genAbortsTotal.WithLabelValues(norm(provider)).Inc()
}

func ObserveGeneration(provider string, stream bool, seconds float64) {
	s := "false"
	if stream {
		s = "true"
	}
	genLatencySeconds.WithLabelValues(norm(provider), s).Observe(seconds)
}
