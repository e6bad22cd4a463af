package streaming

import "context"

// StreamEvent is a real-time event emitted while a run executes. It mirrors
// the persisted event log entry but travels in-process, ahead of any store
// round-trip.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter selects which events a subscriber receives. The zero value
// matches everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub is pub/sub for live run events. The engine publishes; CLI
// followers subscribe.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
