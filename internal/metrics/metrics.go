package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valerie_requests_total",
			Help: "Generations attempted per provider and outcome",
		},
		[]string{"provider", "model", "status", "stream"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valerie_request_duration_seconds",
			Help:    "Generation duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valerie_tokens_total",
			Help: "Tokens processed per provider and direction",
		},
		[]string{"provider", "model", "type"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valerie_provider_errors_total",
			Help: "Provider failures by canonical error kind",
		},
		[]string{"provider", "kind"},
	)

	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valerie_fallback_attempts_total",
			Help: "Times the chain advanced past a provider",
		},
		[]string{"provider"},
	)

	CircuitBreakerOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valerie_circuit_breaker_opened_total",
			Help: "Times a provider circuit opened",
		},
		[]string{"provider"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valerie_rate_limit_denials_total",
			Help: "Requests refused by the rate limiter",
		},
		[]string{"window"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "valerie_active_streams",
			Help: "Streaming responses currently open",
		},
	)

	SessionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valerie_session_operations_total",
			Help: "Session store operations by type",
		},
		[]string{"op"},
	)
)

func RecordRateLimitDenial(window string) {
	RateLimitDenials.WithLabelValues(window).Inc()
}

func RecordSessionOp(op string) {
	SessionOperations.WithLabelValues(op).Inc()
}

func IncActiveStreams() { ActiveStreams.Inc() }
func DecActiveStreams() { ActiveStreams.Dec() }

// GatewayObserver feeds routing outcomes into the collectors above. It
// satisfies the gateway's Observer contract.
type GatewayObserver struct{}

func (GatewayObserver) GenerationCompleted(provider, model string, stream bool, d time.Duration, usage domain.Usage, errKind domain.ErrorKind) {
	status := "success"
	if errKind != "" {
		status = string(errKind)
	}
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}

	RequestsTotal.WithLabelValues(provider, model, status, streamLabel).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if errKind != "" {
		ProviderErrors.WithLabelValues(provider, string(errKind)).Inc()
		return
	}
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
}

func (GatewayObserver) FallbackAdvanced(from string) {
	FallbackAttempts.WithLabelValues(from).Inc()
}

func (GatewayObserver) BreakerOpened(provider string) {
	CircuitBreakerOpened.WithLabelValues(provider).Inc()
}
