package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s Store) *Run {
	t.Helper()
	r := &Run{
		ID:           uuid.New().String(),
		WorkflowName: "recon",
		Definition:   json.RawMessage(`{"name":"recon"}`),
		Status:       schema.RunStatusPending,
		Inputs:       map[string]any{"target": "example.com"},
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := seedRun(t, s)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "recon", got.WorkflowName)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Equal(t, "example.com", got.Inputs["target"])
	assert.JSONEq(t, `{"name":"recon"}`, string(got.Definition))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeNotFound, lerr.Code)
}

func TestUpdateRun_PartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	running := schema.RunStatusRunning
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{
		Status:    &running,
		StartedAt: &now,
	}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Empty(t, got.SuspendedStep, "untouched fields stay as they were")
}

func TestUpdateRun_SuspendAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	suspended := schema.RunStatusSuspended
	step := "confirm"
	prompt := "Proceed with exploit?"
	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{
		Status:        &suspended,
		SuspendedStep: &step,
		Prompt:        &prompt,
	}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "confirm", got.SuspendedStep)
	assert.Equal(t, prompt, got.Prompt)

	running := schema.RunStatusRunning
	empty := ""
	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{
		Status:        &running,
		SuspendedStep: &empty,
		Prompt:        &empty,
	}))

	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SuspendedStep)
	assert.Empty(t, got.Prompt)
}

func TestListRuns_FilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedRun(t, s)
	}
	other := &Run{
		ID:           uuid.New().String(),
		WorkflowName: "triage",
		Definition:   json.RawMessage(`{"name":"triage"}`),
		Status:       schema.RunStatusSucceeded,
	}
	require.NoError(t, s.CreateRun(ctx, other))

	byName, err := s.ListRuns(ctx, RunFilter{WorkflowName: "recon"})
	require.NoError(t, err)
	assert.Len(t, byName, 3)

	succeeded := schema.RunStatusSucceeded
	byStatus, err := s.ListRuns(ctx, RunFilter{Status: &succeeded})
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	require.NoError(t, s.DeleteRun(ctx, r.ID))
	_, err := s.GetRun(ctx, r.ID)
	require.Error(t, err)

	require.Error(t, s.DeleteRun(ctx, r.ID))
}

func TestAppendCheckpoint_SequencePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedRun(t, s)
	b := seedRun(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendCheckpoint(ctx, &Checkpoint{
			RunID: a.ID,
			State: json.RawMessage(`{"cursor":"n1"}`),
		}))
	}
	cp := &Checkpoint{RunID: b.ID, State: json.RawMessage(`{"cursor":"n1"}`)}
	require.NoError(t, s.AppendCheckpoint(ctx, cp))
	assert.Equal(t, int64(1), cp.Seq, "sequences are per run")

	latest, err := s.LatestCheckpoint(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Seq)

	all, err := s.ListCheckpoints(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, c := range all {
		assert.Equal(t, int64(i+1), c.Seq)
	}
}

func TestLatestCheckpoint_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LatestCheckpoint(context.Background(), "no-such-run")
	require.Error(t, err)
}

func TestAppendEvent_Sequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	for _, typ := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			RunID:  r.ID,
			StepID: "ports",
			Type:   typ,
		}))
	}

	events, err := s.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	tail, err := s.GetEvents(ctx, r.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: schema.EventRunStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, StepID: "a", Type: schema.EventStepFailed}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, StepID: "b", Type: schema.EventStepFailed}))

	failed, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{RunID: r.ID})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	one, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{RunID: r.ID, StepID: "a"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "a", one[0].StepID)
}

func TestFindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s)

	require.NoError(t, s.CreateFinding(ctx, &Finding{
		ID:       uuid.New().String(),
		RunID:    r.ID,
		StepID:   "scan",
		Title:    "Open redis port",
		Severity: "high",
		Data:     json.RawMessage(`{"port":6379}`),
	}))
	require.NoError(t, s.CreateFinding(ctx, &Finding{
		ID:       uuid.New().String(),
		RunID:    r.ID,
		Title:    "Outdated banner",
		Severity: "low",
	}))

	all, err := s.ListFindings(ctx, FindingFilter{RunID: r.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	high, err := s.ListFindings(ctx, FindingFilter{RunID: r.ID, Severity: "high"})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "Open redis port", high[0].Title)
	assert.JSONEq(t, `{"port":6379}`, string(high[0].Data))
}

func TestSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "API_KEY", []byte("ciphertext-1")))
	require.NoError(t, s.StoreSecret(ctx, "DB_PASS", []byte("ciphertext-2")))

	v, err := s.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-1"), v)

	// Upsert rotates in place.
	require.NoError(t, s.StoreSecret(ctx, "API_KEY", []byte("ciphertext-3")))
	v, err = s.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-3"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "DB_PASS"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "DB_PASS"))
	_, err = s.GetSecret(ctx, "DB_PASS")
	require.Error(t, err)
}

func TestScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowName:   "nightly-scan",
		Definition:     json.RawMessage(`{"name":"nightly-scan"}`),
		CronExpression: "0 2 * * *",
		Inputs:         map[string]any{"target": "internal.example.com"},
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	assert.Equal(t, "internal.example.com", got.Inputs["target"])

	disabled := false
	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		LastRunStatus: "succeeded",
	}))

	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "succeeded", got.LastRunStatus)

	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	require.Error(t, err)
}
