// Package openaicompat implements the OpenAI chat-completions dialect shared
// by the groq, lightllm and azure adapters. The adapters differ only in
// endpoint layout, auth header and whether the payload names a model.
package openaicompat

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

// Config fixes the wire-level differences between OpenAI-compatible back ends.
type Config struct {
	// Name is the canonical provider identifier used in errors and responses.
	Name string
	// CompletionsURL is the full chat-completions endpoint.
	CompletionsURL string
	// ModelsURL is the model-listing endpoint used as the availability probe.
	// Empty disables remote probing; the adapter is assumed reachable.
	ModelsURL string
	// APIKey may be empty only when KeyOptional is set (local runtimes).
	APIKey      string
	KeyOptional bool
	// AuthHeader overrides the default "Authorization: Bearer <key>" scheme;
	// Azure sends the key verbatim in an "api-key" header.
	AuthHeader string
	// OmitModel drops the model field from the payload; Azure routes by
	// deployment in the URL instead.
	OmitModel    bool
	DefaultModel string
	HTTPClient   *http.Client
}

// Client speaks the dialect for one configured back end.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Client{cfg: cfg, client: client}
}

func (c *Client) Name() string         { return c.cfg.Name }
func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

// missingKey reports a credential problem without a network round-trip.
func (c *Client) missingKey() error {
	if c.cfg.APIKey == "" && !c.cfg.KeyOptional {
		return domain.Errf(domain.KindAuth, c.cfg.Name, "missing API key")
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey == "" {
		return
	}
	if c.cfg.AuthHeader != "" {
		req.Header.Set(c.cfg.AuthHeader, c.cfg.APIKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	if err := c.missingKey(); err != nil {
		return nil, err
	}

	payload, model := c.toWireRequest(req, false)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, c.cfg.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CompletionsURL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, c.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, domain.FromContextErr(c.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, domain.WrapErr(domain.KindUnavailable, c.cfg.Name, err)
	}
	if len(wire.Choices) == 0 {
		return nil, domain.Errf(domain.KindUnavailable, c.cfg.Name, "response carried no choices")
	}

	choice := wire.Choices[0]
	out := &domain.GenerationResponse{
		Model:        model,
		Provider:     c.cfg.Name,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage: domain.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	if wire.Model != "" {
		out.Model = wire.Model
	}
	if choice.Message != nil {
		out.Content = choice.Message.Content
	}
	return out, nil
}

func (c *Client) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if err := c.missingKey(); err != nil {
			errs <- err
			return
		}

		payload, model := c.toWireRequest(req, true)
		body, err := json.Marshal(payload)
		if err != nil {
			errs <- domain.WrapErr(domain.KindInvalidRequest, c.cfg.Name, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CompletionsURL, bytes.NewReader(body))
		if err != nil {
			errs <- domain.WrapErr(domain.KindInvalidRequest, c.cfg.Name, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		c.authorize(httpReq)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			errs <- domain.FromContextErr(c.cfg.Name, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- c.statusError(resp)
			return
		}

		var usage *domain.Usage
		finish := domain.FinishStop

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var wire wireStreamChunk
			if err := json.Unmarshal([]byte(data), &wire); err != nil {
				continue
			}
			if wire.Usage != nil {
				usage = &domain.Usage{
					InputTokens:  wire.Usage.PromptTokens,
					OutputTokens: wire.Usage.CompletionTokens,
				}
			}
			if len(wire.Choices) == 0 {
				continue
			}
			choice := wire.Choices[0]
			if choice.Delta != nil && choice.Delta.Content != "" {
				chunk := domain.StreamChunk{
					Delta:    choice.Delta.Content,
					Model:    model,
					Provider: c.cfg.Name,
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- domain.FromContextErr(c.cfg.Name, ctx.Err())
					return
				}
			}
			if choice.FinishReason != "" {
				finish = mapFinishReason(choice.FinishReason)
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- domain.FromContextErr(c.cfg.Name, err)
			return
		}

		terminal := domain.StreamChunk{
			Done:         true,
			FinishReason: finish,
			Usage:        usage,
			Model:        model,
			Provider:     c.cfg.Name,
		}
		select {
		case chunks <- terminal:
		case <-ctx.Done():
			errs <- domain.FromContextErr(c.cfg.Name, ctx.Err())
		}
	}()

	return chunks, errs
}

// IsAvailable hits the models endpoint with a short budget. Back ends without
// one are assumed reachable so a missing key is still reported.
func (c *Client) IsAvailable(ctx context.Context) error {
	if err := c.missingKey(); err != nil {
		return err
	}
	if c.cfg.ModelsURL == "" {
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ModelsURL, http.NoBody)
	if err != nil {
		return domain.WrapErr(domain.KindInvalidRequest, c.cfg.Name, err)
	}
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.FromContextErr(c.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// statusError maps an HTTP failure to the canonical taxonomy. The body is
// read (bounded) so the message survives into logs.
func (c *Client) statusError(resp *http.Response) *domain.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Errf(domain.KindAuth, c.cfg.Name, "credential rejected: %s", msg)
	case resp.StatusCode == http.StatusNotFound:
		return domain.Errf(domain.KindModelNotFound, c.cfg.Name, "model not found: %s", msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := domain.Errf(domain.KindRateLimited, c.cfg.Name, "throttled: %s", msg)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return e
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(msg, "content_filter"):
		return domain.Errf(domain.KindContentFilter, c.cfg.Name, "content filtered: %s", msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.Errf(domain.KindInvalidRequest, c.cfg.Name, "rejected request: %s", msg)
	default:
		return domain.Errf(domain.KindUnavailable, c.cfg.Name, "status %d: %s", resp.StatusCode, msg)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return 0
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "stop", "":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "content_filter":
		return domain.FinishFilter
	default:
		return domain.FinishStop
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireDelta   `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

type wireStreamChunk struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

// toWireRequest builds the payload and returns the resolved model name,
// which Azure omits from the payload but still reports in responses.
func (c *Client) toWireRequest(req domain.GenerationRequest, stream bool) (wireRequest, string) {
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}

	model := req.Config.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	out := wireRequest{
		Messages:    messages,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		MaxTokens:   req.Config.MaxTokens,
		Stop:        req.Config.Stop,
		Stream:      stream,
	}
	if !c.cfg.OmitModel {
		out.Model = model
	}
	return out, model
}
