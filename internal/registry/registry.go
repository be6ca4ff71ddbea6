// Package registry resolves agents to model tiers, tiers to provider models,
// and composes generation parameters from a YAML document.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

type Tier string

const (
	TierDefault    Tier = "default"
	TierFast       Tier = "fast"
	TierQuality    Tier = "quality"
	TierEvaluation Tier = "evaluation"
	TierLegacy     Tier = "legacy"
)

func knownTier(t Tier) bool {
	switch t {
	case TierDefault, TierFast, TierQuality, TierEvaluation, TierLegacy:
		return true
	}
	return false
}

// ProviderSpec is one provider entry in the registry document.
type ProviderSpec struct {
	Enabled        *bool           `yaml:"enabled"`
	APIKey         string          `yaml:"api_key"`
	BaseURL        string          `yaml:"base_url"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
	Models         map[Tier]string `yaml:"models"`
}

func (p ProviderSpec) enabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type Assignment struct {
	ModelTier Tier     `yaml:"model_tier"`
	Agents    []string `yaml:"agents"`
}

// Parameters are tier or agent level generation defaults. Nil fields stay
// unset so later layers can fill them.
type Parameters struct {
	Temperature    *float64 `yaml:"temperature"`
	TopP           *float64 `yaml:"top_p"`
	MaxTokens      *int     `yaml:"max_tokens"`
	TimeoutSeconds *int     `yaml:"timeout_seconds"`
}

// Apply fills unset fields of cfg from p. Call-site values always win.
func (p Parameters) Apply(cfg domain.GenConfig) domain.GenConfig {
	if cfg.Temperature == nil && p.Temperature != nil {
		cfg.Temperature = p.Temperature
	}
	if cfg.TopP == nil && p.TopP != nil {
		cfg.TopP = p.TopP
	}
	if cfg.MaxTokens == nil && p.MaxTokens != nil {
		cfg.MaxTokens = p.MaxTokens
	}
	if cfg.Timeout == 0 && p.TimeoutSeconds != nil {
		cfg.Timeout = time.Duration(*p.TimeoutSeconds) * time.Second
	}
	return cfg
}

func (p Parameters) merge(over Parameters) Parameters {
	if over.Temperature != nil {
		p.Temperature = over.Temperature
	}
	if over.TopP != nil {
		p.TopP = over.TopP
	}
	if over.MaxTokens != nil {
		p.MaxTokens = over.MaxTokens
	}
	if over.TimeoutSeconds != nil {
		p.TimeoutSeconds = over.TimeoutSeconds
	}
	return p
}

type defaults struct {
	Provider      string   `yaml:"provider"`
	FallbackChain []string `yaml:"fallback_chain"`
}

type environment struct {
	Defaults   *defaults           `yaml:"defaults"`
	Parameters map[Tier]Parameters `yaml:"parameters"`
}

type document struct {
	Providers        map[string]ProviderSpec `yaml:"providers"`
	Defaults         defaults                `yaml:"defaults"`
	AgentAssignments map[Tier]Assignment     `yaml:"agent_assignments"`
	Parameters       map[Tier]Parameters     `yaml:"parameters"`
	AgentOverrides   map[string]Parameters   `yaml:"agent_overrides"`
	Environments     map[string]environment  `yaml:"environments"`
}

// Options carry environment overrides resolved by the caller. The loaded
// registry is an immutable snapshot; overrides are folded in at load time.
type Options struct {
	Path             string
	Environment      string
	ProviderOverride string            // PROVIDER
	FallbackOverride []string          // PROVIDER_FALLBACK
	ModelOverrides   map[string]string // <PROVIDER>_MODEL, keyed by provider
}

// Registry is an immutable resolution snapshot. Concurrent use is safe;
// reload produces a new value.
type Registry struct {
	doc             document
	defaultProvider string
	fallbackChain   []string
	modelOverrides  map[string]string
	agentTiers      map[string]Tier
}

// Load reads the registry document at opts.Path. A missing file falls back
// to the built-in defaults so the gateway can boot from environment
// variables alone.
func Load(opts Options) (*Registry, error) {
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading model registry: %w", err)
		}
		slog.Info("model registry file not found, using built-in defaults", "path", opts.Path)
		data = []byte(builtinRegistry)
	}
	return Parse(data, opts)
}

// Parse builds a registry from raw YAML. Values like ${GROQ_API_KEY} are
// expanded from the environment before unmarshaling.
func Parse(data []byte, opts Options) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("parsing model registry: %w", err)
	}
	applyEnvironment(&doc, opts.Environment)

	r := &Registry{
		doc:             doc,
		defaultProvider: doc.Defaults.Provider,
		fallbackChain:   doc.Defaults.FallbackChain,
		modelOverrides:  map[string]string{},
		agentTiers:      map[string]Tier{},
	}
	if r.defaultProvider == "" {
		r.defaultProvider = "ollama"
	}
	if len(r.fallbackChain) == 0 {
		r.fallbackChain = defaultFallbackChain()
	}
	if opts.ProviderOverride != "" {
		r.defaultProvider = opts.ProviderOverride
	}
	if len(opts.FallbackOverride) > 0 {
		r.fallbackChain = opts.FallbackOverride
	}
	for p, m := range opts.ModelOverrides {
		if m != "" {
			r.modelOverrides[p] = m
		}
	}

	// Deterministic agent->tier table; duplicates are a config error rather
	// than a map-order lottery.
	tiers := make([]Tier, 0, len(doc.AgentAssignments))
	for t := range doc.AgentAssignments {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	for _, t := range tiers {
		a := doc.AgentAssignments[t]
		tier := a.ModelTier
		if tier == "" {
			tier = t
		}
		for _, agent := range a.Agents {
			if prev, ok := r.agentTiers[agent]; ok && prev != tier {
				return nil, fmt.Errorf("agent %q assigned to both %q and %q tiers", agent, prev, tier)
			}
			r.agentTiers[agent] = tier
		}
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) validate() error {
	for name, spec := range r.doc.Providers {
		for tier := range spec.Models {
			if !knownTier(tier) {
				return fmt.Errorf("provider %q: unknown model tier %q", name, tier)
			}
		}
	}
	for tier := range r.doc.Parameters {
		if !knownTier(tier) {
			return fmt.Errorf("parameters: unknown tier %q", tier)
		}
	}
	for tier, a := range r.doc.AgentAssignments {
		if !knownTier(tier) {
			return fmt.Errorf("agent_assignments: unknown tier %q", tier)
		}
		if a.ModelTier != "" && !knownTier(a.ModelTier) {
			return fmt.Errorf("agent_assignments %q: unknown model_tier %q", tier, a.ModelTier)
		}
	}
	if len(r.doc.Providers) > 0 {
		if _, ok := r.doc.Providers[r.defaultProvider]; !ok {
			return fmt.Errorf("default provider %q not present in providers", r.defaultProvider)
		}
	}
	for tier, p := range r.doc.Parameters {
		if err := paramsValid(p); err != nil {
			return fmt.Errorf("parameters %q: %w", tier, err)
		}
	}
	for agent, p := range r.doc.AgentOverrides {
		if err := paramsValid(p); err != nil {
			return fmt.Errorf("agent_overrides %q: %w", agent, err)
		}
	}
	return nil
}

func paramsValid(p Parameters) error {
	cfg := domain.GenConfig{Temperature: p.Temperature, TopP: p.TopP, MaxTokens: p.MaxTokens}
	return cfg.Validate()
}

func applyEnvironment(doc *document, env string) {
	if env == "" {
		return
	}
	overlay, ok := doc.Environments[env]
	if !ok {
		return
	}
	if overlay.Defaults != nil {
		if overlay.Defaults.Provider != "" {
			doc.Defaults.Provider = overlay.Defaults.Provider
		}
		if len(overlay.Defaults.FallbackChain) > 0 {
			doc.Defaults.FallbackChain = overlay.Defaults.FallbackChain
		}
	}
	if len(overlay.Parameters) > 0 {
		if doc.Parameters == nil {
			doc.Parameters = map[Tier]Parameters{}
		}
		for tier, p := range overlay.Parameters {
			doc.Parameters[tier] = doc.Parameters[tier].merge(p)
		}
	}
}

func (r *Registry) DefaultProvider() string { return r.defaultProvider }

// FallbackChain returns the configured chain in order. The caller removes
// the primary and duplicates when composing candidates.
func (r *Registry) FallbackChain() []string {
	out := make([]string, len(r.fallbackChain))
	copy(out, r.fallbackChain)
	return out
}

// Enabled reports whether the provider may serve traffic. Providers absent
// from the document default to enabled so environment-only deployments work.
func (r *Registry) Enabled(provider string) bool {
	spec, ok := r.doc.Providers[provider]
	if !ok {
		return true
	}
	return spec.enabled()
}

func (r *Registry) Provider(name string) (ProviderSpec, bool) {
	spec, ok := r.doc.Providers[name]
	return spec, ok
}

// TierForAgent maps an agent to its model tier; unknown agents use the
// default tier.
func (r *Registry) TierForAgent(agent string) Tier {
	if t, ok := r.agentTiers[agent]; ok {
		return t
	}
	return TierDefault
}

// Model resolves the model for a provider and tier: the per-provider
// environment override wins, then the tier entry, then the provider's
// default tier.
func (r *Registry) Model(provider string, tier Tier) (string, bool) {
	if m, ok := r.modelOverrides[provider]; ok {
		return m, true
	}
	spec, ok := r.doc.Providers[provider]
	if !ok {
		return "", false
	}
	if m := spec.Models[tier]; m != "" {
		return m, true
	}
	if m := spec.Models[TierDefault]; m != "" {
		return m, true
	}
	return "", false
}

// ModelForAgent resolves agent -> tier -> model for the given provider.
func (r *Registry) ModelForAgent(provider, agent string) (string, bool) {
	return r.Model(provider, r.TierForAgent(agent))
}

// ParamsForTier composes the built-in base with the tier's entry.
func (r *Registry) ParamsForTier(tier Tier) Parameters {
	base := Parameters{
		Temperature:    f64(0.1),
		MaxTokens:      intp(4096),
		TimeoutSeconds: intp(60),
	}
	return base.merge(r.doc.Parameters[tier])
}

// ParamsForAgent composes tier parameters with the agent's overrides.
func (r *Registry) ParamsForAgent(agent string) Parameters {
	p := r.ParamsForTier(r.TierForAgent(agent))
	if over, ok := r.doc.AgentOverrides[agent]; ok {
		p = p.merge(over)
	}
	return p
}

// Models lists the distinct models configured for a provider, sorted.
func (r *Registry) Models(provider string) []string {
	spec, ok := r.doc.Providers[provider]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	for _, m := range spec.Models {
		if m != "" {
			seen[m] = true
		}
	}
	if m, ok := r.modelOverrides[provider]; ok {
		seen[m] = true
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func defaultFallbackChain() []string {
	return []string{"ollama", "lightllm", "groq", "gemini", "anthropic", "bedrock", "azure_openai"}
}

// SplitChain parses a comma separated provider list such as the
// PROVIDER_FALLBACK value.
func SplitChain(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
