package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

const testDoc = `
providers:
  ollama:
    models:
      default: llama3.2
      fast: llama3.2:3b
  groq:
    api_key: ${TEST_GROQ_KEY}
    models:
      default: llama-3.3-70b-versatile
      quality: llama-3.3-70b-versatile
  anthropic:
    models:
      default: claude-sonnet-4-20250514
      quality: claude-opus-4-20250514
  disabled_one:
    enabled: false
    models:
      default: nope

defaults:
  provider: ollama
  fallback_chain: [ollama, groq, anthropic]

agent_assignments:
  fast:
    model_tier: fast
    agents: [classifier]
  quality:
    model_tier: quality
    agents: [planner, summarizer]

parameters:
  default:
    temperature: 0.1
    max_tokens: 4096
    timeout_seconds: 60
  fast:
    temperature: 0.0
    max_tokens: 1024
  quality:
    temperature: 0.2

agent_overrides:
  summarizer:
    temperature: 0.5
    max_tokens: 2048

environments:
  staging:
    defaults:
      provider: groq
    parameters:
      default:
        max_tokens: 512
`

func mustParse(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := Parse([]byte(testDoc), opts)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return r
}

func TestDefaultsAndChain(t *testing.T) {
	r := mustParse(t, Options{})
	if got := r.DefaultProvider(); got != "ollama" {
		t.Errorf("DefaultProvider() = %q, want ollama", got)
	}
	want := []string{"ollama", "groq", "anthropic"}
	if got := r.FallbackChain(); !reflect.DeepEqual(got, want) {
		t.Errorf("FallbackChain() = %v, want %v", got, want)
	}
}

func TestProviderOverride(t *testing.T) {
	r := mustParse(t, Options{ProviderOverride: "anthropic"})
	if got := r.DefaultProvider(); got != "anthropic" {
		t.Errorf("DefaultProvider() = %q, want anthropic", got)
	}
}

func TestFallbackOverride(t *testing.T) {
	r := mustParse(t, Options{FallbackOverride: []string{"groq"}})
	if got := r.FallbackChain(); !reflect.DeepEqual(got, []string{"groq"}) {
		t.Errorf("FallbackChain() = %v, want [groq]", got)
	}
}

func TestModelResolution(t *testing.T) {
	r := mustParse(t, Options{ModelOverrides: map[string]string{"groq": "llama-3.1-8b-instant"}})

	tests := []struct {
		name     string
		provider string
		tier     Tier
		want     string
		wantOK   bool
	}{
		{"tier hit", "ollama", TierFast, "llama3.2:3b", true},
		{"tier miss falls to default", "ollama", TierQuality, "llama3.2", true},
		{"env model override wins", "groq", TierQuality, "llama-3.1-8b-instant", true},
		{"unknown provider", "mistral", TierDefault, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Model(tt.provider, tt.tier)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Model(%q, %q) = (%q, %v), want (%q, %v)",
					tt.provider, tt.tier, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTierForAgent(t *testing.T) {
	r := mustParse(t, Options{})
	tests := []struct {
		agent string
		want  Tier
	}{
		{"classifier", TierFast},
		{"planner", TierQuality},
		{"summarizer", TierQuality},
		{"unknown-agent", TierDefault},
		{"", TierDefault},
	}
	for _, tt := range tests {
		if got := r.TierForAgent(tt.agent); got != tt.want {
			t.Errorf("TierForAgent(%q) = %q, want %q", tt.agent, got, tt.want)
		}
	}
}

func TestModelForAgent(t *testing.T) {
	r := mustParse(t, Options{})
	got, ok := r.ModelForAgent("anthropic", "planner")
	if !ok || got != "claude-opus-4-20250514" {
		t.Errorf("ModelForAgent(anthropic, planner) = (%q, %v)", got, ok)
	}
	// Unknown agent lands on the default tier.
	got, ok = r.ModelForAgent("anthropic", "nobody")
	if !ok || got != "claude-sonnet-4-20250514" {
		t.Errorf("ModelForAgent(anthropic, nobody) = (%q, %v)", got, ok)
	}
}

func TestParamsComposition(t *testing.T) {
	r := mustParse(t, Options{})

	p := r.ParamsForTier(TierFast)
	if *p.Temperature != 0.0 || *p.MaxTokens != 1024 {
		t.Errorf("fast params = %+v", p)
	}
	// timeout_seconds not set on fast: built-in base fills it.
	if *p.TimeoutSeconds != 60 {
		t.Errorf("fast timeout = %d, want base 60", *p.TimeoutSeconds)
	}

	// quality only sets temperature: other fields come from the base.
	p = r.ParamsForTier(TierQuality)
	if *p.Temperature != 0.2 || *p.MaxTokens != 4096 {
		t.Errorf("quality params = %+v", p)
	}

	// Agent overrides layer on top of the agent's tier.
	p = r.ParamsForAgent("summarizer")
	if *p.Temperature != 0.5 || *p.MaxTokens != 2048 {
		t.Errorf("summarizer params = %+v", p)
	}

	// Call-site values beat everything.
	cfg := p.Apply(domain.GenConfig{Temperature: f64(0.9)})
	if *cfg.Temperature != 0.9 {
		t.Errorf("call-site temperature lost: %v", *cfg.Temperature)
	}
	if *cfg.MaxTokens != 2048 {
		t.Errorf("MaxTokens not filled: %v", cfg.MaxTokens)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
}

func TestEnvironmentOverlay(t *testing.T) {
	r := mustParse(t, Options{Environment: "staging"})
	if got := r.DefaultProvider(); got != "groq" {
		t.Errorf("staging DefaultProvider() = %q, want groq", got)
	}
	p := r.ParamsForTier(TierDefault)
	if *p.MaxTokens != 512 {
		t.Errorf("staging default max_tokens = %d, want 512", *p.MaxTokens)
	}
	// Fields the overlay does not touch survive.
	if *p.Temperature != 0.1 {
		t.Errorf("staging default temperature = %v, want 0.1", *p.Temperature)
	}
}

func TestEnabled(t *testing.T) {
	r := mustParse(t, Options{})
	if !r.Enabled("ollama") {
		t.Error("ollama should be enabled")
	}
	if r.Enabled("disabled_one") {
		t.Error("disabled_one should be disabled")
	}
	if !r.Enabled("never-configured") {
		t.Error("unconfigured providers default to enabled")
	}
}

func TestEnvVarExpansion(t *testing.T) {
	os.Setenv("TEST_GROQ_KEY", "gsk-123")
	defer os.Unsetenv("TEST_GROQ_KEY")

	r := mustParse(t, Options{})
	spec, ok := r.Provider("groq")
	if !ok {
		t.Fatal("groq not found")
	}
	if spec.APIKey != "gsk-123" {
		t.Errorf("APIKey = %q, want gsk-123", spec.APIKey)
	}
}

func TestModels(t *testing.T) {
	r := mustParse(t, Options{})
	got := r.Models("ollama")
	want := []string{"llama3.2", "llama3.2:3b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Models(ollama) = %v, want %v", got, want)
	}
	if r.Models("nope") != nil {
		t.Error("Models(nope) should be nil")
	}
}

func TestLoadMissingFileUsesBuiltin(t *testing.T) {
	r, err := Load(Options{Path: filepath.Join(t.TempDir(), "absent.yaml")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := r.DefaultProvider(); got != "ollama" {
		t.Errorf("builtin DefaultProvider() = %q, want ollama", got)
	}
	if len(r.FallbackChain()) != 7 {
		t.Errorf("builtin chain length = %d, want 7", len(r.FallbackChain()))
	}
	if _, ok := r.Model("anthropic", TierDefault); !ok {
		t.Error("builtin anthropic default model missing")
	}
}

func TestLoadFromFileAndReloadIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(testDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := Load(Options{Path: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := Load(Options{Path: path})
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}

	agents := []string{"classifier", "planner", "summarizer", "other"}
	for _, agent := range agents {
		for _, provider := range []string{"ollama", "groq", "anthropic"} {
			m1, ok1 := first.ModelForAgent(provider, agent)
			m2, ok2 := second.ModelForAgent(provider, agent)
			if m1 != m2 || ok1 != ok2 {
				t.Errorf("reload changed resolution for %s/%s: %q vs %q", provider, agent, m1, m2)
			}
		}
	}
	if !reflect.DeepEqual(first.FallbackChain(), second.FallbackChain()) {
		t.Error("reload changed the fallback chain")
	}
}

func TestParseRejectsBadDocs(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown tier",
			doc: `
providers:
  ollama:
    models:
      turbo: llama3.2
`,
		},
		{
			name: "duplicate agent across tiers",
			doc: `
providers:
  ollama:
    models:
      default: llama3.2
agent_assignments:
  fast:
    agents: [worker]
  quality:
    agents: [worker]
`,
		},
		{
			name: "default provider unknown",
			doc: `
providers:
  ollama:
    models:
      default: llama3.2
defaults:
  provider: missing
`,
		},
		{
			name: "temperature out of range",
			doc: `
providers:
  ollama:
    models:
      default: llama3.2
parameters:
  default:
    temperature: 3.5
`,
		},
		{
			name: "not yaml",
			doc:  "providers: [:::",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc), Options{}); err == nil {
				t.Error("Parse() should fail")
			}
		})
	}
}

func TestSplitChain(t *testing.T) {
	got := SplitChain(" groq , anthropic ,, bedrock ")
	want := []string{"groq", "anthropic", "bedrock"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitChain = %v, want %v", got, want)
	}
	if SplitChain("") != nil {
		t.Error("SplitChain(\"\") should be nil")
	}
}
