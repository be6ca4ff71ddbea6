package notifications

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestHealth_PublishesTransitions(t *testing.T) {
	pub := NewInMemoryPublisher()
	h := NewHealth(pub, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	h.ProviderDown(ctx, "groq", "circuit opened")
	h.ProviderRecovered(ctx, "groq")

	events := pub.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventProviderDown || events[0].Provider != "groq" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[0].Message != "circuit opened" {
		t.Errorf("reason = %q", events[0].Message)
	}
	if events[1].Type != EventProviderUp {
		t.Errorf("second event = %+v", events[1])
	}
	if events[0].At.IsZero() || events[1].At.IsZero() {
		t.Error("events must be timestamped")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error {
	return errors.New("sns unreachable")
}

func TestHealth_PublishFailureIsSwallowed(t *testing.T) {
	h := NewHealth(failingPublisher{}, slog.New(slog.DiscardHandler))

	// Must not panic or propagate.
	h.ProviderDown(context.Background(), "bedrock", "throttled")
	h.ProviderRecovered(context.Background(), "bedrock")
}
