// Package azure adapts Azure OpenAI deployments. The dialect is OpenAI
// chat-completions, but the deployment name lives in the URL, the key goes
// in an api-key header, and the payload carries no model field.
package azure

import (
	"fmt"
	"net/http"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/provider/openaicompat"
)

const DefaultAPIVersion = "2024-02-15-preview"

type Provider struct {
	*openaicompat.Client
	deployment string
}

// New builds an adapter for one deployment. endpoint is the resource base
// URL (https://<resource>.openai.azure.com).
func New(apiKey, endpoint, deployment, apiVersion string, client *http.Client) *Provider {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	completions := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint, deployment, apiVersion)
	return &Provider{
		Client: openaicompat.NewClient(openaicompat.Config{
			Name:           "azure_openai",
			CompletionsURL: completions,
			APIKey:         apiKey,
			AuthHeader:     "api-key",
			OmitModel:      true,
			DefaultModel:   deployment,
			HTTPClient:     client,
		}),
		deployment: deployment,
	}
}

func (p *Provider) ID() string {
	return "azure_openai"
}

func (p *Provider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:         "azure_openai",
		DefaultModel: p.deployment,
		Models:       []string{p.deployment},
		Detail:       map[string]any{"deployment": p.deployment},
	}
}
