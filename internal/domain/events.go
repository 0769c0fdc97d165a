package domain

import (
	"context"
	"time"
)

// EventType enumerates the outbound events pushed to affected connections.
type EventType string

const (
	EventSessionCreated          EventType = "SESSION_CREATED"
	EventStreamJoined            EventType = "STREAM_JOINED"
	EventSessionEnded            EventType = "SESSION_ENDED"
	EventBidPlaced               EventType = "BID_PLACED"
	EventBidAccepted             EventType = "BID_ACCEPTED"
	EventBidRejected             EventType = "BID_REJECTED"
	EventOutbid                  EventType = "OUTBID"
	EventError                   EventType = "ERROR"
	EventInfluencerStatusChanged EventType = "INFLUENCER_STATUS_CHANGED"
)

// Event is the JSON envelope broadcast over the signal bus and delivered to
// WebSocket clients.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// EventSink delivers outbound events. ToUser targets the connections of a
// single user; ToSession fans out to every connection subscribed to the
// session's channel.
type EventSink interface {
	ToUser(ctx context.Context, userID string, ev Event) error
	ToSession(ctx context.Context, sessionID string, ev Event) error
}
