package config

import (
	"os"
	"testing"
	"time"
)

var allVars = []string{
	"ADDR", "LOG_LEVEL", "ENVIRONMENT", "MODEL_REGISTRY_PATH",
	"PROVIDER", "PROVIDER_FALLBACK",
	"OLLAMA_BASE_URL", "OLLAMA_MODEL",
	"LIGHTLLM_BASE_URL", "LIGHTLLM_API_KEY", "LIGHTLLM_MODEL",
	"GROQ_API_KEY", "GROQ_BASE_URL", "GROQ_MODEL",
	"GEMINI_API_KEY", "GEMINI_BASE_URL", "GEMINI_MODEL",
	"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL",
	"BEDROCK_ENABLED", "BEDROCK_MODEL",
	"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_BASE_URL", "AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_API_VERSION",
	"RATE_LIMIT_ENABLED", "RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_PER_HOUR", "RATE_LIMIT_REDIS_URL",
	"SESSION_STORE", "SESSION_REDIS_URL", "SESSION_TTL", "SESSION_PREFIX",
	"SESSION_MAX_ENTRIES", "SESSION_ENCRYPTION_KEY",
	"AUTH_ENABLED", "JWT_SECRET", "JWT_ALGORITHM", "AUTH_EXCLUDE_PATHS",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "SNS_TOPIC_ARN", "USAGE_QUEUE_URL",
	"DATABASE_URL", "AWS_REGION", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"RegistryPath", cfg.RegistryPath, "config/model-registry.yaml"},
		{"OllamaBaseURL", cfg.Providers.OllamaBaseURL, "http://localhost:11434"},
		{"LightLLMBaseURL", cfg.Providers.LightLLMBaseURL, "http://localhost:8080"},
		{"GroqBaseURL", cfg.Providers.GroqBaseURL, "https://api.groq.com/openai/v1"},
		{"GeminiBaseURL", cfg.Providers.GeminiBaseURL, "https://generativelanguage.googleapis.com/v1beta"},
		{"AnthropicBaseURL", cfg.Providers.AnthropicBaseURL, "https://api.anthropic.com/v1"},
		{"AzureAPIVersion", cfg.Providers.AzureAPIVersion, "2024-02-15-preview"},
		{"SessionStore", cfg.Session.Store, "memory"},
		{"SessionPrefix", cfg.Session.Prefix, "valerie:session:"},
		{"JWTAlgorithm", cfg.Auth.JWTAlgorithm, "HS256"},
		{"AWSRegion", cfg.AWSRegion, "us-east-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled should default to true")
	}
	if cfg.RateLimit.PerMinute != 60 || cfg.RateLimit.PerHour != 1000 {
		t.Errorf("rate limit caps = %d/%d, want 60/1000", cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	}
	if cfg.Session.TTL != 3600*time.Second {
		t.Errorf("Session.TTL = %v, want 1h", cfg.Session.TTL)
	}
	if cfg.Session.MaxEntries != 10000 {
		t.Errorf("Session.MaxEntries = %d, want 10000", cfg.Session.MaxEntries)
	}
	if cfg.Auth.Enabled {
		t.Error("Auth.Enabled should default to false")
	}
	want := []string{"/health", "/ready", "/live", "/metrics"}
	if len(cfg.Auth.ExcludePaths) != len(want) {
		t.Fatalf("ExcludePaths = %v, want %v", cfg.Auth.ExcludePaths, want)
	}
	for i, p := range want {
		if cfg.Auth.ExcludePaths[i] != p {
			t.Errorf("ExcludePaths[%d] = %q, want %q", i, cfg.Auth.ExcludePaths[i], p)
		}
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	set := map[string]string{
		"ADDR":                  ":9090",
		"LOG_LEVEL":             "debug",
		"PROVIDER":              "groq",
		"PROVIDER_FALLBACK":     "anthropic,bedrock",
		"GROQ_API_KEY":          "gsk-test",
		"RATE_LIMIT_PER_MINUTE": "5",
		"RATE_LIMIT_REDIS_URL":  "redis://localhost:6379/0",
		"SESSION_STORE":         "redis",
		"SESSION_REDIS_URL":     "redis://localhost:6379/1",
		"SESSION_TTL":           "120",
		"AUTH_ENABLED":          "true",
		"JWT_SECRET":            "s3cret",
		"AUTH_EXCLUDE_PATHS":    "/health, /live",
	}
	for k, v := range set {
		os.Setenv(k, v)
	}
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Providers.Override != "groq" {
		t.Errorf("Providers.Override = %q", cfg.Providers.Override)
	}
	if cfg.Providers.Fallback != "anthropic,bedrock" {
		t.Errorf("Providers.Fallback = %q", cfg.Providers.Fallback)
	}
	if cfg.RateLimit.PerMinute != 5 {
		t.Errorf("PerMinute = %d, want 5", cfg.RateLimit.PerMinute)
	}
	if cfg.Session.Store != "redis" || cfg.Session.RedisURL == "" {
		t.Errorf("session store = %q url = %q", cfg.Session.Store, cfg.Session.RedisURL)
	}
	if cfg.Session.TTL != 2*time.Minute {
		t.Errorf("Session.TTL = %v, want 2m", cfg.Session.TTL)
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if len(cfg.Auth.ExcludePaths) != 2 || cfg.Auth.ExcludePaths[1] != "/live" {
		t.Errorf("ExcludePaths = %v", cfg.Auth.ExcludePaths)
	}
}

func TestLoad_AuthRequiresSecret(t *testing.T) {
	clearEnv(t)
	os.Setenv("AUTH_ENABLED", "true")
	defer os.Unsetenv("AUTH_ENABLED")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when AUTH_ENABLED is set without JWT_SECRET")
	}
}

func TestLoad_RedisSessionRequiresURL(t *testing.T) {
	clearEnv(t)
	os.Setenv("SESSION_STORE", "redis")
	defer os.Unsetenv("SESSION_STORE")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when SESSION_STORE=redis without SESSION_REDIS_URL")
	}
}

func TestLoad_RejectsUnknownAlgorithm(t *testing.T) {
	clearEnv(t)
	os.Setenv("JWT_ALGORITHM", "RS256")
	defer os.Unsetenv("JWT_ALGORITHM")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject non-HMAC JWT algorithms")
	}
}

func TestAPIKeySecrets(t *testing.T) {
	clearEnv(t)
	os.Setenv("GROQ_API_KEY_SECRET", "prod/groq/key")
	os.Setenv("AZURE_OPENAI_API_KEY_SECRET", "prod/azure/key")
	defer func() {
		os.Unsetenv("GROQ_API_KEY_SECRET")
		os.Unsetenv("AZURE_OPENAI_API_KEY_SECRET")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	secrets := cfg.Providers.APIKeySecrets
	if secrets["groq"] != "prod/groq/key" {
		t.Errorf("groq secret = %q", secrets["groq"])
	}
	if secrets["azure_openai"] != "prod/azure/key" {
		t.Errorf("azure_openai secret = %q", secrets["azure_openai"])
	}
	if _, ok := secrets["gemini"]; ok {
		t.Error("gemini secret should be absent")
	}
}
