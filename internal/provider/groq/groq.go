// Package groq adapts the Groq cloud API, which speaks the OpenAI
// chat-completions dialect with bearer-token auth.
package groq

import (
	"net/http"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/openaicompat"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"
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
			Name:           "groq",
			CompletionsURL: baseURL + "/chat/completions",
			ModelsURL:      baseURL + "/models",
			APIKey:         apiKey,
			DefaultModel:   model,
			HTTPClient:     client,
		}),
	}
}

func (p *Provider) ID() string {
	return "groq"
}

func (p *Provider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:         "groq",
		DefaultModel: p.DefaultModel(),
		Models: []string{
			"llama-3.3-70b-versatile",
			"llama-3.1-8b-instant",
			"mixtral-8x7b-32768",
			"gemma2-9b-it",
		},
	}
}
