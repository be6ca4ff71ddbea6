// Package gateway routes generation requests across the configured back
// ends. It owns candidate selection, per-provider circuit breaking, typed
// fallback, and the streaming handoff; adapters stay stateless and the HTTP
// layer stays wire-only.
package gateway

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/circuitbreaker"
	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/registry"
	"github.com/ismaeldosil/valerie-gateway/internal/telemetry"
)

const probeTimeout = 5 * time.Second

// Provider is one LLM back end. Implementations are stateless, never retry,
// and map every failure to the canonical error taxonomy.
type Provider interface {
	ID() string
	Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResponse, error)
	GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error)
	IsAvailable(ctx context.Context) error
	Describe() domain.ProviderInfo
}

// Observer receives routing outcomes, typically backed by Prometheus.
type Observer interface {
	GenerationCompleted(provider, model string, stream bool, duration time.Duration, usage domain.Usage, errKind domain.ErrorKind)
	FallbackAdvanced(from string)
	BreakerOpened(provider string)
}

// Notifier is told about provider health transitions.
type Notifier interface {
	ProviderDown(ctx context.Context, provider, reason string)
	ProviderRecovered(ctx context.Context, provider string)
}

type Config struct {
	Registry  *registry.Registry
	Providers []Provider
	Breakers  *circuitbreaker.Manager
	Observer  Observer
	Notifier  Notifier
	Logger    *slog.Logger
}

type Gateway struct {
	providers map[string]Provider
	reg       atomic.Pointer[registry.Registry]
	breakers  *circuitbreaker.Manager
	observer  Observer
	notifier  Notifier
	logger    *slog.Logger

	mu   sync.Mutex
	down map[string]bool

	// Injectable for tests.
	jitter func() time.Duration
	nowFn  func() time.Time
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		providers: make(map[string]Provider, len(cfg.Providers)),
		breakers:  cfg.Breakers,
		observer:  cfg.Observer,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		down:      make(map[string]bool),
		jitter: func() time.Duration {
			return 50*time.Millisecond + rand.N(200*time.Millisecond)
		},
		nowFn: time.Now,
	}
	for _, p := range cfg.Providers {
		g.providers[p.ID()] = p
	}
	if g.breakers == nil {
		g.breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.reg.Store(cfg.Registry)
	return g
}

// SetRegistry swaps in a freshly loaded registry snapshot. In-flight
// requests keep the snapshot they started with.
func (g *Gateway) SetRegistry(r *registry.Registry) {
	g.reg.Store(r)
}

func (g *Gateway) Registry() *registry.Registry {
	return g.reg.Load()
}

// candidates returns the primary followed by the fallback chain, deduped,
// restricted to providers that are constructed and enabled.
func (g *Gateway) candidates(reg *registry.Registry) []string {
	ordered := append([]string{reg.DefaultProvider()}, reg.FallbackChain()...)
	seen := make(map[string]bool, len(ordered))
	out := make([]string, 0, len(ordered))
	for _, name := range ordered {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := g.providers[name]; !ok {
			continue
		}
		if !reg.Enabled(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// resolve produces the per-candidate request: registry parameters fill unset
// config fields and the model is pinned before the adapter sees the request.
// A caller-chosen model only applies to the default provider; fallback
// candidates use their own registry entry. A provider the document declares
// but gives no resolvable model is a configuration error; a provider the
// document never mentions runs on its adapter default, which is how
// environment-only deployments boot.
func (g *Gateway) resolve(reg *registry.Registry, params registry.Parameters, agent, name string, req domain.GenerationRequest) (domain.GenerationRequest, error) {
	out := req
	out.Config = params.Apply(req.Config)
	if out.Config.Model == "" || name != reg.DefaultProvider() {
		if m, ok := reg.ModelForAgent(name, agent); ok {
			out.Config.Model = m
		} else if _, declared := reg.Provider(name); declared {
			return out, domain.Errf(domain.KindConfiguration, name,
				"provider %q has no model for agent %q and no default tier", name, agent)
		} else {
			out.Config.Model = ""
		}
	}
	return out, nil
}

func (g *Gateway) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// Generate tries each candidate in order until one succeeds. Only
// transferable failures advance the chain; everything else surfaces
// immediately with its canonical kind.
func (g *Gateway) Generate(ctx context.Context, agent string, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	reg := g.reg.Load()
	params := reg.ParamsForAgent(agent)
	candidates := g.candidates(reg)
	if len(candidates) == 0 {
		return nil, domain.Errf(domain.KindNoProvider, "", "no providers configured")
	}

	var lastErr error
	var maxRetryAfter time.Duration
	var nextProbe time.Time
	attempted := 0

	for _, name := range candidates {
		if ctx.Err() != nil {
			return nil, domain.FromContextErr("", ctx.Err())
		}

		breaker := g.breakers.Get(name)
		if !breaker.Allow() {
			g.logger.Debug("skipping provider, circuit open", "provider", name)
			if dl := breaker.Snapshot().ProbeDeadline; nextProbe.IsZero() || dl.Before(nextProbe) {
				nextProbe = dl
			}
			continue
		}
		attempted++

		creq, err := g.resolve(reg, params, agent, name, req)
		if err != nil {
			return nil, err
		}
		start := g.nowFn()
		cctx, cancel := g.callContext(ctx, creq.Config.Timeout)
		sctx, span := telemetry.StartSpan(cctx, "provider.generate")
		telemetry.AddProviderAttributes(span, name, creq.Config.Model)
		resp, err := g.providers[name].Generate(sctx, creq)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
		} else {
			telemetry.AddTokenAttributes(span, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
		span.End()
		cancel()

		if err == nil {
			g.recordSuccess(ctx, name)
			g.observe(name, creq.Config.Model, false, g.nowFn().Sub(start), resp.Usage, "")
			return resp, nil
		}

		kind := domain.KindOf(err)
		g.observe(name, creq.Config.Model, false, g.nowFn().Sub(start), domain.Usage{}, kind)

		if kind == domain.KindCanceled {
			return nil, err
		}
		if !domain.Transferable(err) {
			g.logger.Warn("provider failed terminally", "provider", name, "kind", string(kind), "error", err)
			return nil, err
		}

		lastErr = err
		if ra := domain.RetryAfter(err); ra > maxRetryAfter {
			maxRetryAfter = ra
		}
		g.handleTransferable(ctx, name, breaker, kind, err)
	}

	return nil, g.exhausted(attempted, lastErr, maxRetryAfter, nextProbe)
}

// handleTransferable updates breaker and notifier state for a failure that
// permits fallback. An upstream throttle is load, not ill health: it pauses
// briefly and leaves the breaker alone.
func (g *Gateway) handleTransferable(ctx context.Context, name string, breaker *circuitbreaker.Breaker, kind domain.ErrorKind, err error) {
	g.logger.Warn("provider failed, trying next in chain", "provider", name, "kind", string(kind), "error", err)
	if g.observer != nil {
		g.observer.FallbackAdvanced(name)
	}

	if kind == domain.KindRateLimited {
		g.pause(ctx, g.jitter())
		return
	}

	breaker.RecordFailure()
	if breaker.State() == circuitbreaker.StateOpen {
		g.markDown(ctx, name, err)
	}
}

func (g *Gateway) exhausted(attempted int, lastErr error, retryAfter time.Duration, nextProbe time.Time) *domain.Error {
	if attempted == 0 {
		e := domain.Errf(domain.KindNoProvider, "", "all provider circuits are open")
		// The soonest half-open probe bounds how long callers should wait.
		if wait := nextProbe.Sub(g.nowFn()); !nextProbe.IsZero() && wait > 0 {
			e.RetryAfter = wait
		}
		return e
	}
	e := domain.WrapErr(domain.KindNoProvider, "", lastErr)
	e.Message = "all providers exhausted: " + lastErr.Error()
	e.RetryAfter = retryAfter
	return e
}

// GenerateStream streams from the first candidate that produces output.
// Failures before the first delta fall back like Generate; after content has
// been delivered, or on a non-transferable failure, the stream terminates
// with an error chunk instead. The returned channel always ends with exactly
// one terminal chunk.
func (g *Gateway) GenerateStream(ctx context.Context, agent string, req domain.GenerationRequest) <-chan domain.StreamChunk {
	out := make(chan domain.StreamChunk)

	go func() {
		defer close(out)

		reg := g.reg.Load()
		params := reg.ParamsForAgent(agent)
		candidates := g.candidates(reg)
		if len(candidates) == 0 {
			out <- errorChunk("", domain.Errf(domain.KindNoProvider, "", "no providers configured"))
			return
		}

		var lastErr error
		var nextProbe time.Time
		attempted := 0

		for _, name := range candidates {
			if ctx.Err() != nil {
				out <- errorChunk(name, domain.FromContextErr(name, ctx.Err()))
				return
			}

			breaker := g.breakers.Get(name)
			if !breaker.Allow() {
				if dl := breaker.Snapshot().ProbeDeadline; nextProbe.IsZero() || dl.Before(nextProbe) {
					nextProbe = dl
				}
				continue
			}
			attempted++

			creq, rerr := g.resolve(reg, params, agent, name, req)
			if rerr != nil {
				out <- errorChunk(name, rerr)
				return
			}
			finished, err := g.streamOne(ctx, out, name, creq)
			if finished {
				return
			}
			// Nothing was delivered; decide whether the chain continues.
			kind := domain.KindOf(err)
			if kind == domain.KindCanceled {
				out <- errorChunk(name, err)
				return
			}
			if !domain.Transferable(err) {
				g.logger.Warn("provider failed terminally", "provider", name, "kind", string(kind), "error", err)
				out <- errorChunk(name, err)
				return
			}
			lastErr = err
			g.handleTransferable(ctx, name, breaker, kind, err)
		}

		out <- errorChunk("", g.exhausted(attempted, lastErr, 0, nextProbe))
	}()

	return out
}

// streamOne drains one provider's stream into out. finished is true when the
// stream is settled from the caller's point of view, either a clean terminal
// chunk or an error after content was already delivered.
func (g *Gateway) streamOne(ctx context.Context, out chan<- domain.StreamChunk, name string, req domain.GenerationRequest) (finished bool, err error) {
	start := g.nowFn()
	cctx, cancel := g.callContext(ctx, req.Config.Timeout)
	defer cancel()
	sctx, span := telemetry.StartSpan(cctx, "provider.generate_stream")
	defer span.End()
	telemetry.AddProviderAttributes(span, name, req.Config.Model)

	chunks, errs := g.providers[name].GenerateStream(sctx, req)

	delivered := false
	for chunk := range chunks {
		if chunk.Terminal() {
			// The terminal chunk is owed to the consumer even when the
			// caller has gone: the channel contract is drain-until-close.
			out <- chunk
			g.recordSuccess(ctx, name)
			usage := domain.Usage{}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			telemetry.AddTokenAttributes(span, usage.InputTokens, usage.OutputTokens)
			g.observe(name, req.Config.Model, true, g.nowFn().Sub(start), usage, "")
			// Drain so the adapter goroutine can exit.
			for range chunks {
			}
			<-errs
			return true, nil
		}
		if !g.emit(ctx, out, chunk) {
			// Caller canceled mid-delivery. Release the adapter, then
			// settle the stream with a canceled terminal chunk.
			for range chunks {
			}
			<-errs
			g.observe(name, req.Config.Model, true, g.nowFn().Sub(start), domain.Usage{}, domain.KindCanceled)
			out <- errorChunk(name, domain.FromContextErr(name, ctx.Err()))
			return true, nil
		}
		if chunk.Delta != "" {
			delivered = true
		}
	}

	err = <-errs
	if err == nil {
		err = domain.Errf(domain.KindUnavailable, name, "stream closed without a terminal chunk")
	}
	telemetry.AddErrorAttribute(span, err)
	g.observe(name, req.Config.Model, true, g.nowFn().Sub(start), domain.Usage{}, domain.KindOf(err))

	if delivered {
		// Content already reached the caller; fallback would replay or
		// garble it, so the stream ends here.
		g.logger.Warn("stream failed mid-flight", "provider", name, "error", err)
		out <- errorChunk(name, err)
		return true, err
	}
	return false, err
}

// emit sends a non-terminal chunk unless the caller has gone away. Terminal
// chunks never pass through here: they are sent unconditionally because the
// consumer's contract is to drain the channel until it closes.
func (g *Gateway) emit(ctx context.Context, out chan<- domain.StreamChunk, chunk domain.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorChunk(provider string, err error) domain.StreamChunk {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindUnavailable
	}
	return domain.StreamChunk{
		Err:      &domain.StreamError{Kind: kind, Message: err.Error()},
		Provider: provider,
	}
}

func (g *Gateway) observe(provider, model string, stream bool, d time.Duration, usage domain.Usage, kind domain.ErrorKind) {
	if g.observer != nil {
		g.observer.GenerationCompleted(provider, model, stream, d, usage, kind)
	}
}

func (g *Gateway) recordSuccess(ctx context.Context, name string) {
	g.breakers.Get(name).RecordSuccess()

	g.mu.Lock()
	wasDown := g.down[name]
	delete(g.down, name)
	g.mu.Unlock()

	if wasDown {
		g.logger.Info("provider recovered", "provider", name)
		if g.notifier != nil {
			g.notifier.ProviderRecovered(ctx, name)
		}
	}
}

func (g *Gateway) markDown(ctx context.Context, name string, err error) {
	g.mu.Lock()
	already := g.down[name]
	g.down[name] = true
	g.mu.Unlock()

	if already {
		return
	}
	g.logger.Error("provider circuit opened", "provider", name, "error", err)
	if g.observer != nil {
		g.observer.BreakerOpened(name)
	}
	if g.notifier != nil {
		g.notifier.ProviderDown(ctx, name, err.Error())
	}
}

func (g *Gateway) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// ProviderIDs lists constructed providers in stable order.
func (g *Gateway) ProviderIDs() []string {
	out := make([]string, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ProviderInfos describes every constructed provider, with registry models
// folded in when the document names any.
func (g *Gateway) ProviderInfos() []domain.ProviderInfo {
	reg := g.reg.Load()
	out := make([]domain.ProviderInfo, 0, len(g.providers))
	for _, name := range g.ProviderIDs() {
		info := g.providers[name].Describe()
		if models := reg.Models(name); len(models) > 0 {
			info.Models = models
		}
		out = append(out, info)
	}
	return out
}

// BreakerStates exposes provider -> circuit state for the health surface.
func (g *Gateway) BreakerStates() map[string]string {
	return g.breakers.States()
}

// CheckProviders probes every provider in parallel with a bounded timeout.
// Probes are informational: they never touch breaker state.
func (g *Gateway) CheckProviders(ctx context.Context) map[string]domain.ProviderHealth {
	results := make(map[string]domain.ProviderHealth, len(g.providers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, p := range g.providers {
		wg.Add(1)
		go func(name string, p Provider) {
			defer wg.Done()
			pctx, pcancel := context.WithTimeout(ctx, probeTimeout)
			defer pcancel()

			err := p.IsAvailable(pctx)
			health := domain.ProviderHealth{
				Available:    err == nil,
				DefaultModel: p.Describe().DefaultModel,
			}
			if err != nil {
				health.Detail = err.Error()
			}
			mu.Lock()
			results[name] = health
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return results
}
