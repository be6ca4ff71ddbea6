package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/api"
	"github.com/ismaeldosil/valerie-gateway/internal/auth"
	"github.com/ismaeldosil/valerie-gateway/internal/config"
	"github.com/ismaeldosil/valerie-gateway/internal/crypto"
	"github.com/ismaeldosil/valerie-gateway/internal/gateway"
	"github.com/ismaeldosil/valerie-gateway/internal/httputil"
	"github.com/ismaeldosil/valerie-gateway/internal/metrics"
	"github.com/ismaeldosil/valerie-gateway/internal/notifications"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/anthropic"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/azure"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/bedrock"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/gemini"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/groq"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/lightllm"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/ollama"
	"github.com/ismaeldosil/valerie-gateway/internal/ratelimit"
	"github.com/ismaeldosil/valerie-gateway/internal/registry"
	"github.com/ismaeldosil/valerie-gateway/internal/secrets"
	"github.com/ismaeldosil/valerie-gateway/internal/session"
	"github.com/ismaeldosil/valerie-gateway/internal/telemetry"
	"github.com/ismaeldosil/valerie-gateway/internal/usage"
)

const serviceName = "valerie-gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	logger := slog.Default()

	logger.Info("starting gateway", "addr", cfg.Addr, "environment", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	registryOpts := registryOptions(cfg)
	reg, err := registry.Load(registryOpts)
	if err != nil {
		logger.Error("failed to load model registry", "error", err)
		os.Exit(1)
	}

	providers, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		os.Exit(1)
	}
	if len(providers) == 0 {
		logger.Error("no providers configured")
		os.Exit(1)
	}

	notifier := buildNotifier(ctx, cfg, logger)

	gw := gateway.New(gateway.Config{
		Registry:  reg,
		Providers: providers,
		Observer:  metrics.GatewayObserver{},
		Notifier:  notifier,
		Logger:    logger,
	})

	reloadOnSIGHUP(gw, registryOpts, logger)

	sessions, err := buildSessionStore(cfg)
	if err != nil {
		logger.Error("failed to build session store", "error", err)
		os.Exit(1)
	}

	reader, recorder, closeUsage := buildUsage(ctx, cfg, logger)
	defer closeUsage()

	verifier, err := buildVerifier(cfg)
	if err != nil {
		logger.Error("failed to build token verifier", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Config{
		Gateway:      gw,
		Sessions:     sessions,
		SessionTTL:   cfg.Session.TTL,
		Usage:        reader,
		Recorder:     recorder,
		Limiter:      buildLimiter(cfg, logger),
		ExcludePaths: cfg.Auth.ExcludePaths,
		Auth: auth.MiddlewareConfig{
			Enabled:      cfg.Auth.Enabled,
			Verifier:     verifier,
			ExcludePaths: cfg.Auth.ExcludePaths,
		},
		Logger: logger,
	})

	// No WriteTimeout: it would cut long-lived SSE streams. Read-side
	// timeouts still bound slow clients.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func registryOptions(cfg *config.Config) registry.Options {
	models := map[string]string{}
	for provider, model := range map[string]string{
		"ollama":    cfg.Providers.OllamaModel,
		"lightllm":  cfg.Providers.LightLLMModel,
		"groq":      cfg.Providers.GroqModel,
		"gemini":    cfg.Providers.GeminiModel,
		"anthropic": cfg.Providers.AnthropicModel,
		"bedrock":   cfg.Providers.BedrockModel,
	} {
		if model != "" {
			models[provider] = model
		}
	}
	return registry.Options{
		Path:             cfg.RegistryPath,
		Environment:      cfg.Environment,
		ProviderOverride: cfg.Providers.Override,
		FallbackOverride: registry.SplitChain(cfg.Providers.Fallback),
		ModelOverrides:   models,
	}
}

// reloadOnSIGHUP swaps in a freshly parsed registry without interrupting
// in-flight requests. A broken document keeps the previous snapshot.
func reloadOnSIGHUP(gw *gateway.Gateway, opts registry.Options, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			reg, err := registry.Load(opts)
			if err != nil {
				logger.Error("registry reload failed, keeping current snapshot", "error", err)
				continue
			}
			gw.SetRegistry(reg)
			logger.Info("model registry reloaded", "path", opts.Path)
		}
	}()
}

// buildProviders constructs every adapter with a resolved credential. A
// provider is skipped, not fatal, when its credential is absent: the registry
// decides which of the survivors actually serve traffic.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]gateway.Provider, error) {
	var store secrets.SecretStore
	if len(cfg.Providers.APIKeySecrets) > 0 {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		store = sm
	}
	key := func(plain, provider string) (string, error) {
		return secrets.APIKey(ctx, store, plain, cfg.Providers.APIKeySecrets[provider])
	}

	client := httputil.DefaultClient()
	var providers []gateway.Provider
	register := func(p gateway.Provider) {
		providers = append(providers, p)
		logger.Info("registered provider", "provider", p.ID())
	}

	if cfg.Providers.OllamaBaseURL != "" {
		register(ollama.New(cfg.Providers.OllamaBaseURL, cfg.Providers.OllamaModel, client))
	}
	if cfg.Providers.LightLLMBaseURL != "" {
		apiKey, err := key(cfg.Providers.LightLLMAPIKey, "lightllm")
		if err != nil {
			return nil, err
		}
		register(lightllm.New(apiKey, cfg.Providers.LightLLMBaseURL, cfg.Providers.LightLLMModel, client))
	}
	if apiKey, err := key(cfg.Providers.GroqAPIKey, "groq"); err != nil {
		return nil, err
	} else if apiKey != "" {
		register(groq.New(apiKey, cfg.Providers.GroqBaseURL, cfg.Providers.GroqModel, client))
	}
	if apiKey, err := key(cfg.Providers.GeminiAPIKey, "gemini"); err != nil {
		return nil, err
	} else if apiKey != "" {
		register(gemini.New(apiKey, cfg.Providers.GeminiBaseURL, cfg.Providers.GeminiModel, client))
	}
	if apiKey, err := key(cfg.Providers.AnthropicAPIKey, "anthropic"); err != nil {
		return nil, err
	} else if apiKey != "" {
		register(anthropic.New(apiKey, cfg.Providers.AnthropicBaseURL, cfg.Providers.AnthropicModel, client))
	}
	if cfg.Providers.BedrockEnabled {
		p, err := bedrock.New(ctx, cfg.AWSRegion, cfg.Providers.BedrockModel)
		if err != nil {
			return nil, err
		}
		register(p)
	}
	if apiKey, err := key(cfg.Providers.AzureAPIKey, "azure_openai"); err != nil {
		return nil, err
	} else if apiKey != "" && cfg.Providers.AzureEndpoint != "" {
		register(azure.New(apiKey, cfg.Providers.AzureEndpoint, cfg.Providers.AzureDeployment, cfg.Providers.AzureAPIVersion, client))
	}

	return providers, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) *notifications.Health {
	var publisher notifications.Publisher
	if cfg.SNSTopicARN != "" {
		sns, err := notifications.NewSNSPublisher(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			logger.Warn("SNS publisher unavailable, health events stay local", "error", err)
			publisher = notifications.NewInMemoryPublisher()
		} else {
			publisher = sns
			logger.Info("publishing health events", "topic", cfg.SNSTopicARN)
		}
	} else {
		publisher = notifications.NewInMemoryPublisher()
	}
	return notifications.NewHealth(publisher, logger)
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	limits := ratelimit.Limits{
		PerMinute: cfg.RateLimit.PerMinute,
		PerHour:   cfg.RateLimit.PerHour,
	}
	memory := ratelimit.NewMemory(limits)
	if cfg.RateLimit.RedisURL == "" {
		logger.Info("using in-memory rate limiter")
		return memory
	}
	redis, err := ratelimit.NewRedis(cfg.RateLimit.RedisURL, limits)
	if err != nil {
		logger.Warn("redis rate limiter unavailable, using memory", "error", err)
		return memory
	}
	logger.Info("using redis rate limiter with memory failover")
	return ratelimit.NewFailover(redis, memory)
}

func buildSessionStore(cfg *config.Config) (session.Store, error) {
	if cfg.Session.Store != "redis" {
		return session.NewMemory(cfg.Session.MaxEntries), nil
	}
	var sealer *crypto.Sealer
	if cfg.Session.EncryptionKey != "" {
		var err error
		sealer, err = crypto.NewSealer(cfg.Session.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	return session.NewRedis(cfg.Session.RedisURL, cfg.Session.Prefix, sealer)
}

// buildUsage assembles the accounting pipeline: a queryable store (Postgres
// when configured, memory otherwise), an optional SQS feed, all behind an
// async fan-out so recording never blocks a request.
func buildUsage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (usage.Reader, usage.Recorder, func()) {
	var reader usage.Reader
	var sinks []usage.Recorder

	if cfg.DatabaseURL != "" {
		pg, err := usage.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres usage store unavailable, keeping records in memory", "error", err)
		} else {
			reader = pg
			sinks = append(sinks, pg)
			logger.Info("recording usage to postgres")
		}
	}
	if reader == nil {
		memory := usage.NewMemory(0)
		reader = memory
		sinks = append(sinks, memory)
	}
	if cfg.UsageQueueURL != "" {
		sqs, err := usage.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			logger.Warn("SQS usage publisher unavailable", "error", err)
		} else {
			sinks = append(sinks, sqs)
			logger.Info("publishing usage events", "queue", cfg.UsageQueueURL)
		}
	}

	async := usage.NewAsync(usage.NewFanout(logger, sinks...), 0, logger)
	return reader, async, async.Close
}

func buildVerifier(cfg *config.Config) (*auth.Verifier, error) {
	if !cfg.Auth.Enabled {
		return nil, nil
	}
	return auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTAlgorithm)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
