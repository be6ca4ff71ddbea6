package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

func TestGatewayObserver_Success(t *testing.T) {
	RequestsTotal.Reset()
	TokensTotal.Reset()
	ProviderErrors.Reset()

	var obs GatewayObserver
	obs.GenerationCompleted("groq", "llama-3.3-70b-versatile", false, 800*time.Millisecond,
		domain.Usage{InputTokens: 100, OutputTokens: 50}, "")

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("groq", "llama-3.3-70b-versatile", "success", "false"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}

	input := testutil.ToFloat64(TokensTotal.WithLabelValues("groq", "llama-3.3-70b-versatile", "input"))
	if input != 100 {
		t.Errorf("input tokens = %v, want 100", input)
	}
	output := testutil.ToFloat64(TokensTotal.WithLabelValues("groq", "llama-3.3-70b-versatile", "output"))
	if output != 50 {
		t.Errorf("output tokens = %v, want 50", output)
	}
}

func TestGatewayObserver_Failure(t *testing.T) {
	RequestsTotal.Reset()
	TokensTotal.Reset()
	ProviderErrors.Reset()

	var obs GatewayObserver
	obs.GenerationCompleted("ollama", "llama3.2", true, time.Second, domain.Usage{}, domain.KindUnavailable)
	obs.GenerationCompleted("ollama", "llama3.2", true, time.Second, domain.Usage{}, domain.KindUnavailable)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("ollama", "llama3.2", "unavailable", "true"))
	if count != 2 {
		t.Errorf("RequestsTotal = %v, want 2", count)
	}
	errs := testutil.ToFloat64(ProviderErrors.WithLabelValues("ollama", "unavailable"))
	if errs != 2 {
		t.Errorf("ProviderErrors = %v, want 2", errs)
	}
}

func TestFallbackAndBreakerCounters(t *testing.T) {
	FallbackAttempts.Reset()
	CircuitBreakerOpened.Reset()

	var obs GatewayObserver
	obs.FallbackAdvanced("ollama")
	obs.FallbackAdvanced("ollama")
	obs.BreakerOpened("ollama")

	if got := testutil.ToFloat64(FallbackAttempts.WithLabelValues("ollama")); got != 2 {
		t.Errorf("FallbackAttempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(CircuitBreakerOpened.WithLabelValues("ollama")); got != 1 {
		t.Errorf("CircuitBreakerOpened = %v, want 1", got)
	}
}

func TestRateLimitDenials(t *testing.T) {
	RateLimitDenials.Reset()

	RecordRateLimitDenial("minute")
	RecordRateLimitDenial("minute")
	RecordRateLimitDenial("hour")

	if got := testutil.ToFloat64(RateLimitDenials.WithLabelValues("minute")); got != 2 {
		t.Errorf("minute denials = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RateLimitDenials.WithLabelValues("hour")); got != 1 {
		t.Errorf("hour denials = %v, want 1", got)
	}
}

func TestActiveStreams(t *testing.T) {
	ActiveStreams.Set(0)

	IncActiveStreams()
	IncActiveStreams()
	if got := testutil.ToFloat64(ActiveStreams); got != 2 {
		t.Errorf("ActiveStreams = %v, want 2", got)
	}
	DecActiveStreams()
	if got := testutil.ToFloat64(ActiveStreams); got != 1 {
		t.Errorf("ActiveStreams = %v, want 1", got)
	}
}
