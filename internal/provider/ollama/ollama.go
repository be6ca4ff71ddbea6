// Package ollama adapts a local Ollama runtime. Chat uses the native
// /api/chat endpoint (NDJSON when streaming); /api/tags doubles as the
// availability probe and model listing.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/httputil"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2"
)

type Provider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

func New(baseURL, model string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{baseURL: baseURL, defaultModel: model, client: client}
}

func (p *Provider) ID() string {
	return "ollama"
}

func (p *Provider) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	wireReq, model := p.toWireRequest(req, false)

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, "ollama", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, "ollama", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, domain.FromContextErr("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, domain.WrapErr(domain.KindUnavailable, "ollama", err)
	}

	return &domain.GenerationResponse{
		Content:      wire.Message.Content,
		Model:        model,
		Provider:     "ollama",
		FinishReason: domain.FinishStop,
		Usage: domain.Usage{
			InputTokens:  wire.PromptEvalCount,
			OutputTokens: wire.EvalCount,
		},
	}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		wireReq, model := p.toWireRequest(req, true)

		body, err := json.Marshal(wireReq)
		if err != nil {
			errs <- domain.WrapErr(domain.KindInvalidRequest, "ollama", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errs <- domain.WrapErr(domain.KindInvalidRequest, "ollama", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- domain.FromContextErr("ollama", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- statusError(resp)
			return
		}

		// One JSON object per line; the done line carries the eval counts.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			var wire chatResponse
			if err := json.Unmarshal([]byte(line), &wire); err != nil {
				continue
			}

			if wire.Message.Content != "" {
				chunk := domain.StreamChunk{
					Delta:    wire.Message.Content,
					Model:    model,
					Provider: "ollama",
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- domain.FromContextErr("ollama", ctx.Err())
					return
				}
			}

			if wire.Done {
				terminal := domain.StreamChunk{
					Done:         true,
					FinishReason: domain.FinishStop,
					Model:        model,
					Provider:     "ollama",
				}
				if wire.PromptEvalCount > 0 || wire.EvalCount > 0 {
					terminal.Usage = &domain.Usage{
						InputTokens:  wire.PromptEvalCount,
						OutputTokens: wire.EvalCount,
					}
				}
				select {
				case chunks <- terminal:
				case <-ctx.Done():
					errs <- domain.FromContextErr("ollama", ctx.Err())
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- domain.FromContextErr("ollama", err)
			return
		}
		errs <- domain.Errf(domain.KindUnavailable, "ollama", "stream ended without a done line")
	}()

	return chunks, errs
}

func (p *Provider) IsAvailable(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return domain.WrapErr(domain.KindInvalidRequest, "ollama", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.FromContextErr("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *Provider) Describe() domain.ProviderInfo {
	info := domain.ProviderInfo{
		Name:         "ollama",
		DefaultModel: p.defaultModel,
	}

	// Best effort: list locally pulled models when the runtime is up.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if models, err := p.listModels(ctx); err == nil {
		info.Models = models
	}
	return info
}

func (p *Provider) listModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}

	models := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = m.Name
	}
	return models, nil
}

func statusError(resp *http.Response) *domain.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && strings.Contains(msg, "model"):
		return domain.Errf(domain.KindModelNotFound, "ollama", "model not pulled: %s", msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.Errf(domain.KindInvalidRequest, "ollama", "rejected request: %s", msg)
	default:
		return domain.Errf(domain.KindUnavailable, "ollama", "status %d: %s", resp.StatusCode, msg)
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *genOpts  `json:"options,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type genOpts struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (p *Provider) toWireRequest(req domain.GenerationRequest, stream bool) (chatRequest, string) {
	messages := make([]message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = message{Role: string(m.Role), Content: m.Content}
	}

	model := req.Config.Model
	if model == "" {
		model = p.defaultModel
	}

	out := chatRequest{Model: model, Messages: messages, Stream: stream}
	cfg := req.Config
	if cfg.Temperature != nil || cfg.MaxTokens != nil || cfg.TopP != nil || len(cfg.Stop) > 0 {
		out.Options = &genOpts{
			Temperature: cfg.Temperature,
			NumPredict:  cfg.MaxTokens,
			TopP:        cfg.TopP,
			Stop:        cfg.Stop,
		}
	}
	return out, model
}
