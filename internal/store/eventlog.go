package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

// EventLog provides replay and query operations over a run's event stream.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records an event for a run. Timestamp defaults to now.
func (el *EventLog) Append(ctx context.Context, runID, stepID, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return el.store.AppendEvent(ctx, &Event{
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepSnapshot is a step's state reconstructed from the event log.
type StepSnapshot struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	Iterations  int               `json:"iterations,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Replay reconstructs per-step snapshots from a run's event stream.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepSnapshot, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	snapshots := make(map[string]*StepSnapshot)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		ss, ok := snapshots[e.StepID]
		if !ok {
			ss = &StepSnapshot{
				RunID:  runID,
				StepID: e.StepID,
				Status: schema.StepStatusPending,
			}
			snapshots[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusSucceeded
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = e.Payload
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Error = e.Payload

		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRunning
			ss.RetryCount++

		case schema.EventStepSuspended:
			ss.Status = schema.StepStatusSuspended

		case schema.EventLoopIterCompleted:
			ss.Iterations++

		case schema.EventLoopCompleted, schema.EventLoopBroken:
			// Terminal loop state arrives with step_completed.
		}
	}

	return snapshots, nil
}
