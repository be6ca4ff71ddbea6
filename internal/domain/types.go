package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenConfig carries per-call generation parameters. Pointer fields
// distinguish "unset" from an explicit zero so registry defaults can fill
// the gaps.
type GenConfig struct {
	Model       string        `json:"model,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Timeout     time.Duration `json:"-"`
}

const maxStopSequences = 8

func (c GenConfig) Validate() error {
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *c.Temperature)
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return fmt.Errorf("top_p %v out of range (0, 1]", *c.TopP)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *c.MaxTokens)
	}
	if len(c.Stop) > maxStopSequences {
		return fmt.Errorf("at most %d stop sequences, got %d", maxStopSequences, len(c.Stop))
	}
	return nil
}

type GenerationRequest struct {
	Messages []Message `json:"messages"`
	Config   GenConfig `json:"config"`
}

// Validate enforces the canonical message sequence: at most one leading
// system message, then user/assistant alternation that begins and ends with
// a user message.
func (r GenerationRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	msgs := r.Messages
	if msgs[0].Role == RoleSystem {
		msgs = msgs[1:]
		if len(msgs) == 0 {
			return fmt.Errorf("a user message must follow the system message")
		}
	}
	for i, m := range msgs {
		switch m.Role {
		case RoleUser, RoleAssistant:
		case RoleSystem:
			return fmt.Errorf("message %d: system role allowed only in first position", i)
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("message %d: empty content", i)
		}
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if m.Role != want {
			return fmt.Errorf("message %d: expected role %q, got %q", i, want, m.Role)
		}
	}
	if msgs[len(msgs)-1].Role != RoleUser {
		return fmt.Errorf("last message must have role %q", RoleUser)
	}
	return r.Config.Validate()
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishFilter FinishReason = "filter"
	FinishError  FinishReason = "error"
)

type GenerationResponse struct {
	Content      string       `json:"content"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
}

// StreamChunk is one frame of a generation stream: a content delta, a
// terminal done frame (optionally carrying usage and a finish reason), or a
// terminal error frame.
type StreamChunk struct {
	Delta        string       `json:"delta,omitempty"`
	Done         bool         `json:"done,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Err          *StreamError `json:"error,omitempty"`
	Model        string       `json:"model,omitempty"`
	Provider     string       `json:"provider,omitempty"`
}

type StreamError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (c StreamChunk) Terminal() bool {
	return c.Done || c.Err != nil
}

// Identity is the authenticated caller, as established by the auth
// middleware.
type Identity struct {
	Tenant    string
	Subject   string
	Roles     []string
	ExpiresAt time.Time
}

type Session struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []Message       `json:"messages"`
	State     json.RawMessage `json:"state,omitempty"`
}

type ProviderInfo struct {
	Name         string         `json:"name"`
	DefaultModel string         `json:"default_model"`
	Models       []string       `json:"models,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// ProviderHealth is one provider's entry in the health surface.
type ProviderHealth struct {
	Available    bool   `json:"available"`
	DefaultModel string `json:"default_model,omitempty"`
	Detail       string `json:"detail,omitempty"`
}
