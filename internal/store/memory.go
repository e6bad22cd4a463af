package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and by dry-run executions
// that must not touch disk. Checkpoint and event sequences follow the same
// per-run monotonic contract as LibSQLStore.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	checkpoints map[string][]*Checkpoint
	events      map[string][]*Event
	findings    []*Finding
	secrets     map[string][]byte
	jobs        map[string]*ScheduledJob
	nextEventID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		checkpoints: make(map[string][]*Checkpoint),
		events:      make(map[string][]*Event),
		secrets:     make(map[string][]byte),
		jobs:        make(map[string]*ScheduledJob),
	}
}

// --- Runs ---

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return storeConflict("run", run.ID)
	}
	r := *run
	r.CreatedAt = timeOrNow(run.CreatedAt)
	r.UpdatedAt = timeOrNow(run.UpdatedAt)
	s.runs[run.ID] = &r
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.Error != nil {
		r.Error = update.Error
	}
	if update.SuspendedStep != nil {
		r.SuspendedStep = *update.SuspendedStep
	}
	if update.Prompt != nil {
		r.Prompt = *update.Prompt
	}
	if update.StartedAt != nil {
		r.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		r.CompletedAt = update.CompletedAt
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*Run
	for _, r := range s.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *r
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return paginate(runs, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return storeNotFound("run", id)
	}
	delete(s.runs, id)
	delete(s.checkpoints, id)
	return nil
}

// --- Checkpoints ---

func (s *MemoryStore) AppendCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.Seq = int64(len(s.checkpoints[cp.RunID])) + 1
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	stored := *cp
	s.checkpoints[cp.RunID] = append(s.checkpoints[cp.RunID], &stored)
	return nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[runID]
	if len(cps) == 0 {
		return nil, storeNotFound("checkpoint", runID)
	}
	cp := *cps[len(cps)-1]
	return &cp, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[runID]
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		c := *cp
		out[i] = &c
	}
	return out, nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	event.Sequence = int64(len(s.events[event.RunID])) + 1
	event.Timestamp = timeOrNow(event.Timestamp)
	stored := *event
	s.events[event.RunID] = append(s.events[event.RunID], &stored)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for runID, events := range s.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.StepID != "" && e.StepID != filter.StepID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Findings ---

func (s *MemoryStore) CreateFinding(_ context.Context, f *Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *f
	stored.CreatedAt = timeOrNow(f.CreatedAt)
	s.findings = append(s.findings, &stored)
	return nil
}

func (s *MemoryStore) ListFindings(_ context.Context, filter FindingFilter) ([]*Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Finding
	for _, f := range s.findings {
		if filter.RunID != "" && f.RunID != filter.RunID {
			continue
		}
		if filter.Severity != "" && f.Severity != filter.Severity {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.secrets[key] = cp
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Scheduled Jobs ---

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return storeConflict("scheduled_job", job.ID)
	}
	stored := *job
	stored.CreatedAt = timeOrNow(job.CreatedAt)
	s.jobs[job.ID] = &stored
	return nil
}

func (s *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled_job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled_job", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScheduledJob
	for _, j := range s.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled_job", id)
	}
	delete(s.jobs, id)
	return nil
}

// --- Maintenance ---

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Vacuum(context.Context) error  { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func paginate(runs []*Run, limit, offset int) []*Run {
	if offset > 0 {
		if offset >= len(runs) {
			return nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
