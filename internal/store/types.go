package store

import (
	"encoding/json"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

// Run is the persisted representation of one workflow execution.
type Run struct {
	ID            string            `json:"id"`
	WorkflowName  string            `json:"workflow_name"`
	Definition    json.RawMessage   `json:"definition"`
	Status        schema.RunStatus  `json:"status"`
	Inputs        map[string]any    `json:"inputs,omitempty"`
	Error         json.RawMessage   `json:"error,omitempty"`
	SuspendedStep string            `json:"suspended_step,omitempty"`
	Prompt        string            `json:"prompt,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Checkpoint is one append-only snapshot of a run's execution state. Seq is
// assigned by the store, monotonically increasing per run. State holds the
// serialized run context, including the cursor of the next node to execute.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	NodeID    string          `json:"node_id,omitempty"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Finding is a structured result recorded by report/add.
type Finding struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	StepID      string          `json:"step_id,omitempty"`
	Title       string          `json:"title"`
	Severity    string          `json:"severity"`
	Description string          `json:"description,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ScheduledJob is a cron-triggered workflow execution.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowName   string          `json:"workflow_name"`
	Definition     json.RawMessage `json:"definition"`
	CronExpression string          `json:"cron_expression"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left untouched.
type RunUpdate struct {
	Status        *schema.RunStatus `json:"status,omitempty"`
	Error         json.RawMessage   `json:"error,omitempty"`
	SuspendedStep *string           `json:"suspended_step,omitempty"`
	Prompt        *string           `json:"prompt,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// FindingFilter specifies criteria for listing findings.
type FindingFilter struct {
	RunID    string `json:"run_id,omitempty"`
	Severity string `json:"severity,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
