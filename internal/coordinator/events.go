package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/okabelanger/streambid/internal/domain"
)

// channel names on the signal bus. The hub subscribes to the matching
// patterns and routes payloads to connections.
func userChannel(userID string) string       { return "user:" + userID }
func sessionChannel(sessionID string) string { return "session:" + sessionID }

// BusSink publishes events as JSON onto the signal bus, one channel per user
// and per session. It is the process-spanning half of event delivery: any
// node's hub picks the payload up regardless of which node produced it.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink creates a BusSink over the given bus.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

// ToUser publishes the event to the user's channel.
func (s *BusSink) ToUser(ctx context.Context, userID string, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("coordinator: marshal event: %w", err)
	}
	return s.bus.Publish(ctx, userChannel(userID), payload)
}

// ToSession publishes the event to the session's broadcast channel.
func (s *BusSink) ToSession(ctx context.Context, sessionID string, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("coordinator: marshal event: %w", err)
	}
	return s.bus.Publish(ctx, sessionChannel(sessionID), payload)
}

var _ domain.EventSink = (*BusSink)(nil)
