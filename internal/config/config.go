package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr         string
	LogLevel     string
	Environment  string
	RegistryPath string

	Providers ProvidersConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	Auth      AuthConfig

	OTLPEndpoint  string
	SNSTopicARN   string
	UsageQueueURL string
	DatabaseURL   string
	AWSRegion     string

	ShutdownTimeout time.Duration
}

// ProvidersConfig collects per-provider credentials and endpoints.
// Override and Fallback, when set, replace the registry's default provider
// and fallback chain.
type ProvidersConfig struct {
	Override string
	Fallback string

	OllamaBaseURL string
	OllamaModel   string

	LightLLMBaseURL string
	LightLLMAPIKey  string
	LightLLMModel   string

	GroqAPIKey  string
	GroqBaseURL string
	GroqModel   string

	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string

	BedrockEnabled bool
	BedrockModel   string

	AzureAPIKey     string
	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string

	// APIKeySecrets maps provider name to an AWS Secrets Manager secret
	// holding its API key, from <PROVIDER>_API_KEY_SECRET.
	APIKeySecrets map[string]string
}

type RateLimitConfig struct {
	Enabled   bool
	PerMinute int
	PerHour   int
	RedisURL  string
}

type SessionConfig struct {
	Store         string
	RedisURL      string
	TTL           time.Duration
	Prefix        string
	MaxEntries    int
	EncryptionKey string
}

type AuthConfig struct {
	Enabled      bool
	JWTSecret    string
	JWTAlgorithm string
	ExcludePaths []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:         getEnv("ADDR", ":8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Environment:  getEnv("ENVIRONMENT", ""),
		RegistryPath: getEnv("MODEL_REGISTRY_PATH", "config/model-registry.yaml"),
		Providers: ProvidersConfig{
			Override: getEnv("PROVIDER", ""),
			Fallback: getEnv("PROVIDER_FALLBACK", ""),

			OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			OllamaModel:   getEnv("OLLAMA_MODEL", ""),

			LightLLMBaseURL: getEnv("LIGHTLLM_BASE_URL", "http://localhost:8080"),
			LightLLMAPIKey:  getEnv("LIGHTLLM_API_KEY", ""),
			LightLLMModel:   getEnv("LIGHTLLM_MODEL", ""),

			GroqAPIKey:  getEnv("GROQ_API_KEY", ""),
			GroqBaseURL: getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
			GroqModel:   getEnv("GROQ_MODEL", ""),

			GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
			GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			GeminiModel:   getEnv("GEMINI_MODEL", ""),

			AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			AnthropicModel:   getEnv("ANTHROPIC_MODEL", ""),

			BedrockEnabled: getBoolEnv("BEDROCK_ENABLED", false),
			BedrockModel:   getEnv("BEDROCK_MODEL", ""),

			AzureAPIKey:     getEnv("AZURE_OPENAI_API_KEY", ""),
			AzureEndpoint:   getEnv("AZURE_OPENAI_BASE_URL", ""),
			AzureDeployment: getEnv("AZURE_OPENAI_DEPLOYMENT", ""),
			AzureAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-02-15-preview"),

			APIKeySecrets: apiKeySecrets(),
		},
		RateLimit: RateLimitConfig{
			Enabled:   getBoolEnv("RATE_LIMIT_ENABLED", true),
			PerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 60),
			PerHour:   getIntEnv("RATE_LIMIT_PER_HOUR", 1000),
			RedisURL:  getEnv("RATE_LIMIT_REDIS_URL", ""),
		},
		Session: SessionConfig{
			Store:         getEnv("SESSION_STORE", "memory"),
			RedisURL:      getEnv("SESSION_REDIS_URL", ""),
			TTL:           getDurationEnv("SESSION_TTL", 3600*time.Second),
			Prefix:        getEnv("SESSION_PREFIX", "valerie:session:"),
			MaxEntries:    getIntEnv("SESSION_MAX_ENTRIES", 10000),
			EncryptionKey: getEnv("SESSION_ENCRYPTION_KEY", ""),
		},
		Auth: AuthConfig{
			Enabled:      getBoolEnv("AUTH_ENABLED", false),
			JWTSecret:    getEnv("JWT_SECRET", ""),
			JWTAlgorithm: getEnv("JWT_ALGORITHM", "HS256"),
			ExcludePaths: splitPaths(getEnv("AUTH_EXCLUDE_PATHS", "/health,/ready,/live,/metrics")),
		},
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SNSTopicARN:     getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL:   getEnv("USAGE_QUEUE_URL", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("AUTH_ENABLED is true but JWT_SECRET is not set")
	}
	switch alg := cfg.Auth.JWTAlgorithm; alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("unsupported JWT_ALGORITHM %q", alg)
	}
	switch cfg.Session.Store {
	case "memory":
	case "redis":
		if cfg.Session.RedisURL == "" {
			return nil, fmt.Errorf("SESSION_STORE is redis but SESSION_REDIS_URL is not set")
		}
	default:
		return nil, fmt.Errorf("unsupported SESSION_STORE %q", cfg.Session.Store)
	}
	if cfg.RateLimit.PerMinute <= 0 || cfg.RateLimit.PerHour <= 0 {
		return nil, fmt.Errorf("rate limit caps must be positive")
	}

	return cfg, nil
}

// secretProviders are the providers whose API key may come from AWS Secrets
// Manager instead of a plain environment variable.
var secretProviders = []string{"GROQ", "GEMINI", "ANTHROPIC", "LIGHTLLM", "AZURE_OPENAI"}

func apiKeySecrets() map[string]string {
	secrets := make(map[string]string)
	for _, p := range secretProviders {
		if name := os.Getenv(p + "_API_KEY_SECRET"); name != "" {
			secrets[strings.ToLower(p)] = name
		}
	}
	return secrets
}

func splitPaths(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
