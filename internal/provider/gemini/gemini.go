// Package gemini adapts the Google Gemini generateContent API. Roles are
// translated to the user/model pair Gemini expects and system messages go
// into systemInstruction. Streaming uses alt=sse, one JSON response per
// data: frame.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/httputil"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash"
)

type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

func New(apiKey, baseURL, model string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{apiKey: apiKey, baseURL: baseURL, defaultModel: model, client: client}
}

func (p *Provider) ID() string {
	return "gemini"
}

func (p *Provider) missingKey() *domain.Error {
	if p.apiKey == "" {
		return domain.Errf(domain.KindAuth, "gemini", "GEMINI_API_KEY is not configured")
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	if err := p.missingKey(); err != nil {
		return nil, err
	}

	wireReq, model := p.toWireRequest(req)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, "gemini", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, "gemini", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, domain.FromContextErr("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var wire generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, domain.WrapErr(domain.KindUnavailable, "gemini", err)
	}

	if len(wire.Candidates) == 0 {
		if wire.PromptFeedback != nil && wire.PromptFeedback.BlockReason != "" {
			return nil, domain.Errf(domain.KindContentFilter, "gemini", "prompt blocked: %s", wire.PromptFeedback.BlockReason)
		}
		return nil, domain.Errf(domain.KindUnavailable, "gemini", "response carried no candidates")
	}

	candidate := wire.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return nil, domain.Errf(domain.KindContentFilter, "gemini", "candidate blocked by safety filter")
	}

	return &domain.GenerationResponse{
		Content:      candidate.text(),
		Model:        model,
		Provider:     "gemini",
		FinishReason: mapFinishReason(candidate.FinishReason),
		Usage:        wire.usage(),
	}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if err := p.missingKey(); err != nil {
			errs <- err
			return
		}

		wireReq, model := p.toWireRequest(req)
		body, err := json.Marshal(wireReq)
		if err != nil {
			errs <- domain.WrapErr(domain.KindInvalidRequest, "gemini", err)
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			errs <- domain.WrapErr(domain.KindInvalidRequest, "gemini", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", p.apiKey)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- domain.FromContextErr("gemini", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- statusError(resp)
			return
		}

		// Each frame is a full generateResponse; the last one carries
		// usageMetadata and a finishReason.
		var usage domain.Usage
		finish := domain.FinishStop

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var wire generateResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wire); err != nil {
				continue
			}
			if wire.UsageMetadata != nil {
				usage = wire.usage()
			}
			if len(wire.Candidates) == 0 {
				continue
			}

			candidate := wire.Candidates[0]
			if candidate.FinishReason == "SAFETY" {
				errs <- domain.Errf(domain.KindContentFilter, "gemini", "candidate blocked by safety filter")
				return
			}
			if candidate.FinishReason != "" {
				finish = mapFinishReason(candidate.FinishReason)
			}

			if text := candidate.text(); text != "" {
				chunk := domain.StreamChunk{
					Delta:    text,
					Model:    model,
					Provider: "gemini",
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- domain.FromContextErr("gemini", ctx.Err())
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- domain.FromContextErr("gemini", err)
			return
		}

		terminal := domain.StreamChunk{
			Done:         true,
			FinishReason: finish,
			Model:        model,
			Provider:     "gemini",
		}
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			terminal.Usage = &usage
		}
		select {
		case chunks <- terminal:
		case <-ctx.Done():
			errs <- domain.FromContextErr("gemini", ctx.Err())
		}
	}()

	return chunks, errs
}

// IsAvailable lists models, which is free and exercises the key.
func (p *Provider) IsAvailable(ctx context.Context) error {
	if err := p.missingKey(); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models?pageSize=1", http.NoBody)
	if err != nil {
		return domain.WrapErr(domain.KindInvalidRequest, "gemini", err)
	}
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.FromContextErr("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *Provider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:         "gemini",
		DefaultModel: p.defaultModel,
		Models: []string{
			"gemini-2.0-flash",
			"gemini-2.0-flash-lite",
			"gemini-1.5-pro",
		},
	}
}

func statusError(resp *http.Response) *domain.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Errf(domain.KindAuth, "gemini", "rejected credentials: %s", msg)
	case http.StatusBadRequest:
		// An invalid key surfaces as 400 API_KEY_INVALID, not 401.
		if strings.Contains(msg, "API_KEY_INVALID") || strings.Contains(msg, "API key") {
			return domain.Errf(domain.KindAuth, "gemini", "rejected credentials: %s", msg)
		}
		return domain.Errf(domain.KindInvalidRequest, "gemini", "rejected request: %s", msg)
	case http.StatusNotFound:
		return domain.Errf(domain.KindModelNotFound, "gemini", "unknown model: %s", msg)
	case http.StatusTooManyRequests:
		return domain.Errf(domain.KindRateLimited, "gemini", "throttled: %s", msg)
	default:
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return domain.Errf(domain.KindInvalidRequest, "gemini", "status %d: %s", resp.StatusCode, msg)
		}
		return domain.Errf(domain.KindUnavailable, "gemini", "status %d: %s", resp.StatusCode, msg)
	}
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return domain.FinishLength
	case "SAFETY":
		return domain.FinishFilter
	default:
		return domain.FinishStop
	}
}

type generateRequest struct {
	Contents          []content      `json:"contents"`
	SystemInstruction *content       `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationCfg `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationCfg struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

func (c candidate) text() string {
	var b strings.Builder
	for _, p := range c.Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

func (r generateResponse) usage() domain.Usage {
	if r.UsageMetadata == nil {
		return domain.Usage{}
	}
	return domain.Usage{
		InputTokens:  r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
	}
}

func (p *Provider) toWireRequest(req domain.GenerationRequest) (generateRequest, string) {
	var system *content
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = &content{Parts: []part{{Text: m.Content}}}
		case domain.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}

	model := req.Config.Model
	if model == "" {
		model = p.defaultModel
	}

	out := generateRequest{Contents: contents, SystemInstruction: system}
	cfg := req.Config
	if cfg.Temperature != nil || cfg.MaxTokens != nil || cfg.TopP != nil || len(cfg.Stop) > 0 {
		out.GenerationConfig = &generationCfg{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
			TopP:            cfg.TopP,
			StopSequences:   cfg.Stop,
		}
	}
	return out, model
}
