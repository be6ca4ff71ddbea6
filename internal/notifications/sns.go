// Package notifications publishes provider health transitions so operators
// hear about an opened circuit without watching logs.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type EventType string

const (
	EventProviderDown EventType = "provider_down"
	EventProviderUp   EventType = "provider_up"
)

type Event struct {
	Type     EventType `json:"type"`
	Provider string    `json:"provider"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type SNSPublisher struct {
	client   *sns.Client
	topicArn string
}

func NewSNSPublisher(ctx context.Context, region, topicArn string) (*SNSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSPublisherWithConfig(cfg, topicArn), nil
}

func NewSNSPublisherWithConfig(cfg aws.Config, topicArn string) *SNSPublisher {
	return &SNSPublisher{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (p *SNSPublisher) Publish(ctx context.Context, event Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Provider),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// InMemoryPublisher retains events for tests and single-node deployments.
type InMemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *InMemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Health turns gateway health transitions into published events. Publishing
// is best-effort: failures are logged, never propagated into the request
// path.
type Health struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewHealth(publisher Publisher, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{publisher: publisher, logger: logger}
}

func (h *Health) ProviderDown(ctx context.Context, provider, reason string) {
	h.publish(ctx, Event{
		Type:     EventProviderDown,
		Provider: provider,
		Message:  reason,
		At:       time.Now().UTC(),
	})
}

func (h *Health) ProviderRecovered(ctx context.Context, provider string) {
	h.publish(ctx, Event{
		Type:     EventProviderUp,
		Provider: provider,
		At:       time.Now().UTC(),
	})
}

func (h *Health) publish(ctx context.Context, event Event) {
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Warn("health event publish failed",
			"type", string(event.Type),
			"provider", event.Provider,
			"error", err,
		)
	}
}
