// Package lightllm adapts a self-hosted LightLLM runtime exposing the OpenAI
// chat-completions dialect. The API key is optional for local deployments.
package lightllm

import (
	"net/http"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/openaicompat"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultModel   = "llama-70b"
)

type Provider struct {
	*openaicompat.Client
}

func New(apiKey, baseURL, model string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		Client: openaicompat.NewClient(openaicompat.Config{
			Name:           "lightllm",
			CompletionsURL: baseURL + "/v1/chat/completions",
			ModelsURL:      baseURL + "/v1/models",
			APIKey:         apiKey,
			KeyOptional:    true,
			DefaultModel:   model,
			HTTPClient:     client,
		}),
	}
}

func (p *Provider) ID() string {
	return "lightllm"
}

func (p *Provider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:         "lightllm",
		DefaultModel: p.DefaultModel(),
		Models:       []string{p.DefaultModel()},
	}
}
