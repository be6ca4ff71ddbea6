// Package bedrock adapts AWS Bedrock via InvokeModel. Bedrock has no single
// request dialect: the payload family follows the model ID prefix
// (anthropic., meta., amazon.titan), so this adapter builds and parses a
// different body per family while exposing the same canonical surface.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

const (
	DefaultModel     = "anthropic.claude-sonnet-4-20250514-v1:0"
	defaultMaxTokens = 4096
)

type Provider struct {
	client       *bedrockruntime.Client
	region       string
	defaultModel string
}

func New(ctx context.Context, region, model string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, domain.WrapErr(domain.KindConfiguration, "bedrock", err)
	}
	return NewWithConfig(cfg, model), nil
}

func NewWithConfig(cfg aws.Config, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		client:       bedrockruntime.NewFromConfig(cfg),
		region:       cfg.Region,
		defaultModel: model,
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

func (p *Provider) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResponse, error) {
	model := p.resolveModel(req)
	body, err := buildPayload(model, req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, mapAWSError(err)
	}

	return parsePayload(model, output.Body)
}

func (p *Provider) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		model := p.resolveModel(req)
		body, err := buildPayload(model, req)
		if err != nil {
			errs <- err
			return
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			errs <- mapAWSError(err)
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		dec := newStreamDecoder(model)
		for event := range stream.Events() {
			frame, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			for _, chunk := range dec.decode(frame.Value.Bytes) {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- domain.FromContextErr("bedrock", ctx.Err())
					return
				}
			}
			if dec.done {
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- mapAWSError(err)
			return
		}
		if !dec.done {
			// Titan and Llama streams have no explicit stop event; close
			// of the event channel is their terminal signal.
			terminal := dec.terminal()
			select {
			case chunks <- terminal:
			case <-ctx.Done():
				errs <- domain.FromContextErr("bedrock", ctx.Err())
			}
		}
	}()

	return chunks, errs
}

// IsAvailable only verifies that credentials resolve; an InvokeModel probe
// would bill tokens.
func (p *Provider) IsAvailable(ctx context.Context) error {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return domain.WrapErr(domain.KindConfiguration, "bedrock", err)
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return domain.WrapErr(domain.KindAuth, "bedrock", err)
	}
	return nil
}

func (p *Provider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:         "bedrock",
		DefaultModel: p.defaultModel,
		Models: []string{
			"anthropic.claude-sonnet-4-20250514-v1:0",
			"anthropic.claude-3-5-haiku-20241022-v1:0",
			"meta.llama3-70b-instruct-v1:0",
			"meta.llama3-8b-instruct-v1:0",
			"amazon.titan-text-express-v1",
		},
		Detail: map[string]any{"region": p.region},
	}
}

func (p *Provider) resolveModel(req domain.GenerationRequest) string {
	if req.Config.Model != "" {
		return req.Config.Model
	}
	return p.defaultModel
}

func mapAWSError(err error) *domain.Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return domain.WrapErr(domain.KindAuth, "bedrock", err)
		case "ResourceNotFoundException":
			return domain.WrapErr(domain.KindModelNotFound, "bedrock", err)
		case "ThrottlingException", "TooManyRequestsException":
			return domain.WrapErr(domain.KindRateLimited, "bedrock", err)
		case "ModelTimeoutException":
			return domain.WrapErr(domain.KindTimeout, "bedrock", err)
		case "ValidationException":
			return domain.WrapErr(domain.KindInvalidRequest, "bedrock", err)
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return domain.WrapErr(domain.KindUnavailable, "bedrock", err)
		}
	}
	return domain.FromContextErr("bedrock", err)
}

// modelFamily buckets a Bedrock model ID by its vendor prefix.
type modelFamily int

const (
	familyAnthropic modelFamily = iota
	familyLlama
	familyTitan
)

func familyOf(model string) (modelFamily, error) {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		return familyAnthropic, nil
	case strings.HasPrefix(model, "meta."):
		return familyLlama, nil
	case strings.HasPrefix(model, "amazon.titan"):
		return familyTitan, nil
	}
	return 0, domain.Errf(domain.KindModelNotFound, "bedrock", "unsupported model family: %s", model)
}

func buildPayload(model string, req domain.GenerationRequest) ([]byte, error) {
	family, err := familyOf(model)
	if err != nil {
		return nil, err
	}

	var payload any
	switch family {
	case familyAnthropic:
		payload = buildAnthropicPayload(req)
	case familyLlama:
		payload = buildLlamaPayload(req)
	case familyTitan:
		payload = buildTitanPayload(req)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidRequest, "bedrock", err)
	}
	return body, nil
}

func parsePayload(model string, body []byte) (*domain.GenerationResponse, error) {
	family, err := familyOf(model)
	if err != nil {
		return nil, err
	}

	resp := &domain.GenerationResponse{Model: model, Provider: "bedrock", FinishReason: domain.FinishStop}

	switch family {
	case familyAnthropic:
		var wire anthropicResponse
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, domain.WrapErr(domain.KindUnavailable, "bedrock", err)
		}
		var content strings.Builder
		for _, block := range wire.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		resp.Content = content.String()
		resp.FinishReason = mapAnthropicStop(wire.StopReason)
		resp.Usage = domain.Usage{InputTokens: wire.Usage.InputTokens, OutputTokens: wire.Usage.OutputTokens}

	case familyLlama:
		var wire llamaResponse
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, domain.WrapErr(domain.KindUnavailable, "bedrock", err)
		}
		resp.Content = wire.Generation
		if wire.StopReason == "length" {
			resp.FinishReason = domain.FinishLength
		}
		resp.Usage = domain.Usage{InputTokens: wire.PromptTokenCount, OutputTokens: wire.GenerationTokenCount}

	case familyTitan:
		var wire titanResponse
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, domain.WrapErr(domain.KindUnavailable, "bedrock", err)
		}
		if len(wire.Results) == 0 {
			return nil, domain.Errf(domain.KindUnavailable, "bedrock", "titan response carried no results")
		}
		result := wire.Results[0]
		resp.Content = result.OutputText
		if result.CompletionReason == "LENGTH" {
			resp.FinishReason = domain.FinishLength
		}
		resp.Usage = domain.Usage{InputTokens: wire.InputTextTokenCount, OutputTokens: result.TokenCount}
	}

	return resp, nil
}

// Anthropic family: the native Messages dialect with the Bedrock version tag.

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	System           string             `json:"system,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func buildAnthropicPayload(req domain.GenerationRequest) anthropicRequest {
	var system string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.Config.MaxTokens != nil {
		maxTokens = *req.Config.MaxTokens
	}

	return anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           system,
		Temperature:      req.Config.Temperature,
		TopP:             req.Config.TopP,
		StopSequences:    req.Config.Stop,
	}
}

func mapAnthropicStop(reason string) domain.FinishReason {
	if reason == "max_tokens" {
		return domain.FinishLength
	}
	return domain.FinishStop
}

// Llama family: a single prompt string assembled with the Llama 3 special
// tokens, one header block per message.

type llamaRequest struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	StopReason           string `json:"stop_reason"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
}

func buildLlamaPayload(req domain.GenerationRequest) llamaRequest {
	var prompt strings.Builder
	prompt.WriteString("<|begin_of_text|>")
	for _, m := range req.Messages {
		fmt.Fprintf(&prompt, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
	}
	prompt.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	maxGenLen := defaultMaxTokens
	if req.Config.MaxTokens != nil {
		maxGenLen = *req.Config.MaxTokens
	}

	return llamaRequest{
		Prompt:      prompt.String(),
		MaxGenLen:   maxGenLen,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
	}
}

// Titan family: inputText plus a textGenerationConfig block.

type titanRequest struct {
	InputText            string      `json:"inputText"`
	TextGenerationConfig titanConfig `json:"textGenerationConfig"`
}

type titanConfig struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type titanResponse struct {
	InputTextTokenCount int           `json:"inputTextTokenCount"`
	Results             []titanResult `json:"results"`
}

type titanResult struct {
	TokenCount       int    `json:"tokenCount"`
	OutputText       string `json:"outputText"`
	CompletionReason string `json:"completionReason"`
}

func buildTitanPayload(req domain.GenerationRequest) titanRequest {
	var input strings.Builder
	for _, m := range req.Messages {
		fmt.Fprintf(&input, "%s: %s\n", m.Role, m.Content)
	}
	input.WriteString("assistant:")

	maxTokens := defaultMaxTokens
	if req.Config.MaxTokens != nil {
		maxTokens = *req.Config.MaxTokens
	}

	return titanRequest{
		InputText: input.String(),
		TextGenerationConfig: titanConfig{
			MaxTokenCount: maxTokens,
			Temperature:   req.Config.Temperature,
			TopP:          req.Config.TopP,
			StopSequences: req.Config.Stop,
		},
	}
}

// streamDecoder folds per-family stream frames into canonical chunks and
// tracks the usage and finish reason for the terminal chunk.
type streamDecoder struct {
	model  string
	family modelFamily
	usage  domain.Usage
	finish domain.FinishReason
	done   bool
}

func newStreamDecoder(model string) *streamDecoder {
	family, _ := familyOf(model)
	return &streamDecoder{model: model, family: family, finish: domain.FinishStop}
}

func (d *streamDecoder) delta(text string) domain.StreamChunk {
	return domain.StreamChunk{Delta: text, Model: d.model, Provider: "bedrock"}
}

func (d *streamDecoder) terminal() domain.StreamChunk {
	chunk := domain.StreamChunk{
		Done:         true,
		FinishReason: d.finish,
		Model:        d.model,
		Provider:     "bedrock",
	}
	if d.usage.InputTokens > 0 || d.usage.OutputTokens > 0 {
		usage := d.usage
		chunk.Usage = &usage
	}
	return chunk
}

func (d *streamDecoder) decode(frame []byte) []domain.StreamChunk {
	switch d.family {
	case familyAnthropic:
		return d.decodeAnthropic(frame)
	case familyLlama:
		return d.decodeLlama(frame)
	case familyTitan:
		return d.decodeTitan(frame)
	}
	return nil
}

func (d *streamDecoder) decodeAnthropic(frame []byte) []domain.StreamChunk {
	var event struct {
		Type    string `json:"type"`
		Message *struct {
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
		Delta *struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(frame, &event); err != nil {
		return nil
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			d.usage.InputTokens = event.Message.Usage.InputTokens
		}
	case "content_block_delta":
		if event.Delta != nil && event.Delta.Text != "" {
			return []domain.StreamChunk{d.delta(event.Delta.Text)}
		}
	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			d.finish = mapAnthropicStop(event.Delta.StopReason)
		}
		if event.Usage != nil {
			d.usage.OutputTokens = event.Usage.OutputTokens
		}
	case "message_stop":
		d.done = true
		return []domain.StreamChunk{d.terminal()}
	}
	return nil
}

func (d *streamDecoder) decodeLlama(frame []byte) []domain.StreamChunk {
	var event struct {
		Generation           string `json:"generation"`
		StopReason           string `json:"stop_reason"`
		PromptTokenCount     *int   `json:"prompt_token_count"`
		GenerationTokenCount int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(frame, &event); err != nil {
		return nil
	}

	if event.PromptTokenCount != nil {
		d.usage.InputTokens = *event.PromptTokenCount
	}
	if event.GenerationTokenCount > 0 {
		d.usage.OutputTokens = event.GenerationTokenCount
	}
	if event.StopReason == "length" {
		d.finish = domain.FinishLength
	}
	if event.Generation != "" {
		return []domain.StreamChunk{d.delta(event.Generation)}
	}
	return nil
}

func (d *streamDecoder) decodeTitan(frame []byte) []domain.StreamChunk {
	var event struct {
		OutputText                string `json:"outputText"`
		CompletionReason          string `json:"completionReason"`
		InputTextTokenCount       *int   `json:"inputTextTokenCount"`
		TotalOutputTextTokenCount int    `json:"totalOutputTextTokenCount"`
	}
	if err := json.Unmarshal(frame, &event); err != nil {
		return nil
	}

	if event.InputTextTokenCount != nil {
		d.usage.InputTokens = *event.InputTextTokenCount
	}
	if event.TotalOutputTextTokenCount > 0 {
		d.usage.OutputTokens = event.TotalOutputTextTokenCount
	}
	if event.CompletionReason == "LENGTH" {
		d.finish = domain.FinishLength
	}
	if event.OutputText != "" {
		return []domain.StreamChunk{d.delta(event.OutputText)}
	}
	return nil
}
