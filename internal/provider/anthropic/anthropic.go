// Package anthropic adapts the Anthropic Messages API. System messages are
// hoisted into the top-level system field and stream events are folded into
// delta chunks plus one terminal chunk carrying usage and the stop reason.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/httputil"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	DefaultModel   = "claude-sonnet-4-20250514"

	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
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
	return "anthropic"
}

func (p *Provider) missingKey() *domain.Error {
	if p.apiKey == "" {
		return domain.Errf(domain.KindAuth, "anthropic", "ANTHROPIC_API_KEY is not configured")
	}
	return nil
}

func (p *Provider) newRequest(ctx context.Context, body []byte, stream bool) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, "anthropic", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (p *Provider) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	if err := p.missingKey(); err != nil {
		return nil, err
	}

	wireReq, model := p.toWireRequest(req, false)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, "anthropic", err)
	}

	httpReq, err := p.newRequest(ctx, body, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, domain.FromContextErr("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var wire messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, domain.WrapErr(domain.KindUnavailable, "anthropic", err)
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.GenerationResponse{
		Content:      content.String(),
		Model:        model,
		Provider:     "anthropic",
		FinishReason: mapStopReason(wire.StopReason),
		Usage: domain.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
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

		wireReq, model := p.toWireRequest(req, true)
		body, err := json.Marshal(wireReq)
		if err != nil {
			errs <- domain.WrapErr(domain.KindInvalidRequest, "anthropic", err)
			return
		}

		httpReq, err := p.newRequest(ctx, body, true)
		if err != nil {
			errs <- err
			return
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- domain.FromContextErr("anthropic", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- statusError(resp)
			return
		}

		// Usage is split across events: message_start carries the input
		// count, message_delta the final output count and stop reason.
		var usage domain.Usage
		finish := domain.FinishStop

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				chunk := domain.StreamChunk{
					Delta:    event.Delta.Text,
					Model:    model,
					Provider: "anthropic",
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- domain.FromContextErr("anthropic", ctx.Err())
					return
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					finish = mapStopReason(event.Delta.StopReason)
				}
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				terminal := domain.StreamChunk{
					Done:         true,
					FinishReason: finish,
					Model:        model,
					Provider:     "anthropic",
				}
				if usage.InputTokens > 0 || usage.OutputTokens > 0 {
					terminal.Usage = &usage
				}
				select {
				case chunks <- terminal:
				case <-ctx.Done():
					errs <- domain.FromContextErr("anthropic", ctx.Err())
				}
				return

			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				errs <- domain.Errf(domain.KindUnavailable, "anthropic", "%s", msg)
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- domain.FromContextErr("anthropic", err)
			return
		}
		errs <- domain.Errf(domain.KindUnavailable, "anthropic", "stream ended without message_stop")
	}()

	return chunks, errs
}

// IsAvailable only checks that a key is present. The Messages API has no
// cheap unauthenticated probe, and burning tokens on health checks is not
// worth it.
func (p *Provider) IsAvailable(ctx context.Context) error {
	if err := p.missingKey(); err != nil {
		return err
	}
	return nil
}

func (p *Provider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:         "anthropic",
		DefaultModel: p.defaultModel,
		Models: []string{
			"claude-sonnet-4-20250514",
			"claude-opus-4-20250514",
			"claude-3-5-haiku-20241022",
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
		return domain.Errf(domain.KindAuth, "anthropic", "rejected credentials: %s", msg)
	case http.StatusNotFound:
		return domain.Errf(domain.KindModelNotFound, "anthropic", "unknown model: %s", msg)
	case http.StatusTooManyRequests:
		e := domain.Errf(domain.KindRateLimited, "anthropic", "throttled: %s", msg)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	case http.StatusBadRequest:
		return domain.Errf(domain.KindInvalidRequest, "anthropic", "rejected request: %s", msg)
	case 529: // overloaded_error
		return domain.Errf(domain.KindUnavailable, "anthropic", "overloaded: %s", msg)
	default:
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return domain.Errf(domain.KindInvalidRequest, "anthropic", "status %d: %s", resp.StatusCode, msg)
		}
		return domain.Errf(domain.KindUnavailable, "anthropic", "status %d: %s", resp.StatusCode, msg)
	}
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	default:
		return domain.FinishStop
	}
}

type messagesRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      wireUsage      `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string            `json:"type"`
	Message *wireMessageStart `json:"message,omitempty"`
	Delta   *streamDelta      `json:"delta,omitempty"`
	Usage   *wireUsage        `json:"usage,omitempty"`
	Error   *wireError        `json:"error,omitempty"`
}

type wireMessageStart struct {
	Usage wireUsage `json:"usage"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *Provider) toWireRequest(req domain.GenerationRequest, stream bool) (messagesRequest, string) {
	var system string
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = m.Content
			continue
		}
		messages = append(messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	model := req.Config.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := defaultMaxTokens
	if req.Config.MaxTokens != nil {
		maxTokens = *req.Config.MaxTokens
	}

	return messagesRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		System:        system,
		Temperature:   req.Config.Temperature,
		TopP:          req.Config.TopP,
		StopSequences: req.Config.Stop,
		Stream:        stream,
	}, model
}
