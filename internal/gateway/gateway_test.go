package gateway

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/circuitbreaker"
	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/registry"
)

type fakeProvider struct {
	id        string
	calls     int
	generate  func(req domain.GenerationRequest) (*domain.GenerationResponse, error)
	stream    func(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error)
	available func() error
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Generate(_ context.Context, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	f.calls++
	return f.generate(req)
}

func (f *fakeProvider) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	f.calls++
	return f.stream(ctx, req)
}

func (f *fakeProvider) IsAvailable(context.Context) error {
	if f.available != nil {
		return f.available()
	}
	return nil
}

func (f *fakeProvider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{Name: f.id, DefaultModel: f.id + "-model"}
}

func succeeding(id string) *fakeProvider {
	return &fakeProvider{
		id: id,
		generate: func(req domain.GenerationRequest) (*domain.GenerationResponse, error) {
			return &domain.GenerationResponse{
				Content:      "ok from " + id,
				Model:        req.Config.Model,
				Provider:     id,
				FinishReason: domain.FinishStop,
			}, nil
		},
	}
}

func failing(id string, kind domain.ErrorKind) *fakeProvider {
	return &fakeProvider{
		id: id,
		generate: func(domain.GenerationRequest) (*domain.GenerationResponse, error) {
			return nil, domain.Errf(kind, id, "induced failure")
		},
	}
}

func streaming(id string, deltas ...string) *fakeProvider {
	return &fakeProvider{
		id: id,
		stream: func(_ context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
			chunks := make(chan domain.StreamChunk)
			errs := make(chan error, 1)
			go func() {
				defer close(chunks)
				defer close(errs)
				for _, d := range deltas {
					chunks <- domain.StreamChunk{Delta: d, Provider: id, Model: req.Config.Model}
				}
				chunks <- domain.StreamChunk{Done: true, FinishReason: domain.FinishStop, Provider: id}
			}()
			return chunks, errs
		},
	}
}

func streamFailing(id string, kind domain.ErrorKind, deltasBefore ...string) *fakeProvider {
	return &fakeProvider{
		id: id,
		stream: func(context.Context, domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
			chunks := make(chan domain.StreamChunk)
			errs := make(chan error, 1)
			go func() {
				defer close(chunks)
				defer close(errs)
				for _, d := range deltasBefore {
					chunks <- domain.StreamChunk{Delta: d, Provider: id}
				}
				errs <- domain.Errf(kind, id, "induced stream failure")
			}()
			return chunks, errs
		},
	}
}

const testRegistry = `
defaults:
  provider: alpha
  fallback_chain:
    - beta
    - gamma
providers:
  alpha:
    models:
      default: alpha-default
  beta:
    models:
      default: beta-default
  gamma:
    models:
      default: gamma-default
`

func testGateway(t *testing.T, providers ...Provider) *Gateway {
	t.Helper()
	reg, err := registry.Parse([]byte(testRegistry), registry.Options{})
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	g := New(Config{
		Registry:  reg,
		Providers: providers,
		Breakers:  circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 2}),
		Logger:    slog.New(slog.DiscardHandler),
	})
	g.jitter = func() time.Duration { return 0 }
	return g
}

func request() domain.GenerationRequest {
	return domain.GenerationRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	}
}

func TestGenerate_PrimaryServes(t *testing.T) {
	alpha := succeeding("alpha")
	beta := succeeding("beta")
	g := testGateway(t, alpha, beta)

	resp, err := g.Generate(context.Background(), "", request())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Provider != "alpha" {
		t.Errorf("provider = %q", resp.Provider)
	}
	if resp.Model != "alpha-default" {
		t.Errorf("model = %q, want registry resolution", resp.Model)
	}
	if beta.calls != 0 {
		t.Errorf("beta called %d times", beta.calls)
	}
}

func TestGenerate_FallsBackOnTransferable(t *testing.T) {
	alpha := failing("alpha", domain.KindUnavailable)
	beta := succeeding("beta")
	g := testGateway(t, alpha, beta)

	resp, err := g.Generate(context.Background(), "", request())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Provider != "beta" {
		t.Errorf("provider = %q", resp.Provider)
	}
	if resp.Model != "beta-default" {
		t.Errorf("model = %q, fallback must resolve its own model", resp.Model)
	}
}

func TestGenerate_NonTransferableSurfacesImmediately(t *testing.T) {
	alpha := failing("alpha", domain.KindInvalidRequest)
	beta := succeeding("beta")
	g := testGateway(t, alpha, beta)

	_, err := g.Generate(context.Background(), "", request())
	if domain.KindOf(err) != domain.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if beta.calls != 0 {
		t.Errorf("beta called %d times after a non-transferable failure", beta.calls)
	}
}

func TestGenerate_FallbackOrderIsDeterministic(t *testing.T) {
	var order []string
	mk := func(id string, kind domain.ErrorKind) *fakeProvider {
		return &fakeProvider{
			id: id,
			generate: func(domain.GenerationRequest) (*domain.GenerationResponse, error) {
				order = append(order, id)
				return nil, domain.Errf(kind, id, "down")
			},
		}
	}
	g := testGateway(t, mk("alpha", domain.KindUnavailable), mk("beta", domain.KindNetwork), mk("gamma", domain.KindTimeout))

	_, err := g.Generate(context.Background(), "", request())
	if domain.KindOf(err) != domain.KindNoProvider {
		t.Fatalf("expected no_provider_available, got %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestGenerate_ExhaustedCarriesLargestRetryAfter(t *testing.T) {
	mk := func(id string, retryAfter time.Duration) *fakeProvider {
		return &fakeProvider{
			id: id,
			generate: func(domain.GenerationRequest) (*domain.GenerationResponse, error) {
				e := domain.Errf(domain.KindRateLimited, id, "throttled")
				e.RetryAfter = retryAfter
				return nil, e
			},
		}
	}
	g := testGateway(t, mk("alpha", 5*time.Second), mk("beta", 30*time.Second), mk("gamma", 10*time.Second))

	_, err := g.Generate(context.Background(), "", request())
	if domain.KindOf(err) != domain.KindNoProvider {
		t.Fatalf("expected no_provider_available, got %v", err)
	}
	if domain.RetryAfter(err) != 30*time.Second {
		t.Errorf("retry-after = %v, want the largest hint", domain.RetryAfter(err))
	}
}

func TestGenerate_CircuitOpensAndSkips(t *testing.T) {
	alpha := failing("alpha", domain.KindNetwork)
	beta := succeeding("beta")
	g := testGateway(t, alpha, beta) // threshold 2

	for range 3 {
		if _, err := g.Generate(context.Background(), "", request()); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	// Two failures opened alpha's circuit; the third request skipped it.
	if alpha.calls != 2 {
		t.Errorf("alpha called %d times, want 2", alpha.calls)
	}
	if got := g.BreakerStates()["alpha"]; got != "open" {
		t.Errorf("alpha breaker = %q", got)
	}
}

func TestGenerate_RateLimitDoesNotTripBreaker(t *testing.T) {
	alpha := failing("alpha", domain.KindRateLimited)
	beta := succeeding("beta")
	g := testGateway(t, alpha, beta)

	for range 5 {
		if _, err := g.Generate(context.Background(), "", request()); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	if alpha.calls != 5 {
		t.Errorf("alpha called %d times, throttling must not open the circuit", alpha.calls)
	}
	if got := g.BreakerStates()["alpha"]; got != "closed" {
		t.Errorf("alpha breaker = %q", got)
	}
}

func TestGenerate_CircuitRecoversAfterProbe(t *testing.T) {
	healthy := false
	alpha := &fakeProvider{id: "alpha"}
	alpha.generate = func(req domain.GenerationRequest) (*domain.GenerationResponse, error) {
		if !healthy {
			return nil, domain.Errf(domain.KindUnavailable, "alpha", "down")
		}
		return &domain.GenerationResponse{Content: "ok", Provider: "alpha"}, nil
	}
	beta := succeeding("beta")

	reg, err := registry.Parse([]byte(testRegistry), registry.Options{})
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 2,
		BaseBackoff:      time.Nanosecond,
	})
	g := New(Config{
		Registry:  reg,
		Providers: []Provider{alpha, beta},
		Breakers:  breakers,
		Logger:    slog.New(slog.DiscardHandler),
	})
	g.jitter = func() time.Duration { return 0 }

	for range 2 {
		g.Generate(context.Background(), "", request())
	}
	if got := g.BreakerStates()["alpha"]; got != "open" {
		t.Fatalf("alpha breaker = %q", got)
	}

	healthy = true
	time.Sleep(time.Millisecond) // past the probe deadline

	resp, err := g.Generate(context.Background(), "", request())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Provider != "alpha" {
		t.Errorf("provider = %q, probe should reach alpha again", resp.Provider)
	}
	if got := g.BreakerStates()["alpha"]; got != "closed" {
		t.Errorf("alpha breaker = %q after successful probe", got)
	}
}

func TestGenerateStream_FallsBackBeforeFirstDelta(t *testing.T) {
	alpha := streamFailing("alpha", domain.KindUnavailable)
	beta := streaming("beta", "Hel", "lo")
	g := testGateway(t, alpha, beta)

	var got []domain.StreamChunk
	for chunk := range g.GenerateStream(context.Background(), "", request()) {
		got = append(got, chunk)
	}

	if len(got) != 3 {
		t.Fatalf("chunks = %+v", got)
	}
	if got[0].Delta != "Hel" || got[0].Provider != "beta" {
		t.Errorf("first chunk = %+v", got[0])
	}
	terminal := got[2]
	if !terminal.Done || terminal.Err != nil {
		t.Errorf("terminal = %+v", terminal)
	}
}

func TestGenerateStream_MidFlightFailureTerminates(t *testing.T) {
	alpha := streamFailing("alpha", domain.KindNetwork, "partial ")
	beta := streaming("beta", "never")
	g := testGateway(t, alpha, beta)

	var got []domain.StreamChunk
	for chunk := range g.GenerateStream(context.Background(), "", request()) {
		got = append(got, chunk)
	}

	if beta.calls != 0 {
		t.Errorf("beta called after content was delivered")
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %+v", got)
	}
	terminal := got[1]
	if terminal.Err == nil || terminal.Err.Kind != domain.KindNetwork {
		t.Errorf("terminal = %+v", terminal)
	}
}

func TestGenerateStream_NonTransferableTerminates(t *testing.T) {
	alpha := streamFailing("alpha", domain.KindAuth)
	beta := streaming("beta", "never")
	g := testGateway(t, alpha, beta)

	var got []domain.StreamChunk
	for chunk := range g.GenerateStream(context.Background(), "", request()) {
		got = append(got, chunk)
	}

	if beta.calls != 0 {
		t.Errorf("beta called after a non-transferable failure")
	}
	if len(got) != 1 || got[0].Err == nil || got[0].Err.Kind != domain.KindAuth {
		t.Fatalf("chunks = %+v", got)
	}
}

func TestGenerateStream_CancelStillDeliversTerminalChunk(t *testing.T) {
	alpha := &fakeProvider{
		id: "alpha",
		stream: func(ctx context.Context, _ domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
			chunks := make(chan domain.StreamChunk)
			errs := make(chan error, 1)
			go func() {
				defer close(chunks)
				defer close(errs)
				chunks <- domain.StreamChunk{Delta: "Hel", Provider: "alpha"}
				<-ctx.Done()
				errs <- domain.FromContextErr("alpha", ctx.Err())
			}()
			return chunks, errs
		},
	}
	g := testGateway(t, alpha)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := g.GenerateStream(ctx, "", request())

	first := <-stream
	if first.Delta != "Hel" {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()

	var rest []domain.StreamChunk
	for chunk := range stream {
		rest = append(rest, chunk)
	}
	if len(rest) == 0 {
		t.Fatal("stream closed without a terminal chunk after cancellation")
	}
	terminal := rest[len(rest)-1]
	if terminal.Err == nil || terminal.Err.Kind != domain.KindCanceled {
		t.Fatalf("terminal = %+v, want canceled", terminal)
	}
	for _, chunk := range rest[:len(rest)-1] {
		if chunk.Terminal() {
			t.Fatalf("more than one terminal chunk: %+v", rest)
		}
	}
}

func TestGenerate_DeclaredProviderWithoutModelIsConfigError(t *testing.T) {
	doc := `
defaults:
  provider: alpha
providers:
  alpha:
    enabled: true
`
	reg, err := registry.Parse([]byte(doc), registry.Options{})
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	alpha := succeeding("alpha")
	g := New(Config{
		Registry:  reg,
		Providers: []Provider{alpha},
		Logger:    slog.New(slog.DiscardHandler),
	})

	_, err = g.Generate(context.Background(), "", request())
	if domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("expected configuration_error, got %v", err)
	}
	if alpha.calls != 0 {
		t.Errorf("alpha called %d times without a resolvable model", alpha.calls)
	}
}

func TestGenerate_UndeclaredProviderUsesAdapterDefault(t *testing.T) {
	doc := `
defaults:
  provider: alpha
  fallback_chain:
    - delta
providers:
  alpha:
    models:
      default: alpha-default
`
	reg, err := registry.Parse([]byte(doc), registry.Options{})
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	alpha := failing("alpha", domain.KindUnavailable)
	delta := succeeding("delta")
	g := New(Config{
		Registry:  reg,
		Providers: []Provider{alpha, delta},
		Logger:    slog.New(slog.DiscardHandler),
	})
	g.jitter = func() time.Duration { return 0 }

	resp, err := g.Generate(context.Background(), "", request())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Provider != "delta" {
		t.Errorf("provider = %q", resp.Provider)
	}
	// delta is absent from the document, so the request carries no model and
	// the adapter default serves.
	if resp.Model != "" {
		t.Errorf("model = %q, want adapter default", resp.Model)
	}
}

func TestGenerate_AllCircuitsOpenCarriesRetryAfter(t *testing.T) {
	alpha := failing("alpha", domain.KindNetwork)
	beta := failing("beta", domain.KindNetwork)
	gamma := failing("gamma", domain.KindNetwork)
	g := testGateway(t, alpha, beta, gamma) // threshold 2

	// Two passes over the chain open every circuit.
	for range 2 {
		g.Generate(context.Background(), "", request())
	}
	for _, state := range g.BreakerStates() {
		if state != "open" {
			t.Fatalf("breaker states = %v", g.BreakerStates())
		}
	}

	_, err := g.Generate(context.Background(), "", request())
	if domain.KindOf(err) != domain.KindNoProvider {
		t.Fatalf("expected no_provider_available, got %v", err)
	}
	ra := domain.RetryAfter(err)
	if ra <= 0 {
		t.Fatalf("retry-after = %v, want the wait until the nearest probe", ra)
	}
	if ra > 30*time.Second {
		t.Errorf("retry-after = %v exceeds the base backoff", ra)
	}
}

func TestCheckProviders_DoesNotTouchBreakers(t *testing.T) {
	alpha := succeeding("alpha")
	alpha.available = func() error { return domain.Errf(domain.KindNetwork, "alpha", "unreachable") }
	g := testGateway(t, alpha)

	health := g.CheckProviders(context.Background())
	if health["alpha"].Available {
		t.Error("alpha reported available")
	}
	if got := g.BreakerStates()["alpha"]; got != "closed" {
		t.Errorf("probe must not affect the breaker, state = %q", got)
	}
}

func TestProviderInfos_UsesRegistryModels(t *testing.T) {
	g := testGateway(t, succeeding("alpha"), succeeding("beta"), succeeding("gamma"))

	infos := g.ProviderInfos()
	if len(infos) != 3 {
		t.Fatalf("infos = %+v", infos)
	}
	if infos[0].Name != "alpha" || len(infos[0].Models) != 1 || infos[0].Models[0] != "alpha-default" {
		t.Errorf("alpha info = %+v", infos[0])
	}
}
