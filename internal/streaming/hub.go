package streaming

import "context"

// DebugEvent is a state-change notification emitted by a debug session.
// The payload is typically a schema.DebugState snapshot; it is immutable
// once published.
type DebugEvent struct {
	SessionID string `json:"session_id"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for debug session events. The presentation
// layer observes sessions exclusively through a hub subscription; the core
// never calls into it directly.
type EventHub interface {
	Publish(ctx context.Context, event DebugEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan DebugEvent, func(), error)
}
