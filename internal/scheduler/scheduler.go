package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/schema"
)

// RunSubmitter is the interface the scheduler uses to launch workflow runs.
// Satisfied by engine.Runner (avoids an import cycle with the engine).
type RunSubmitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (<-chan *store.Run, error)
}

// Scheduler polls the store for due scheduled jobs and launches their
// workflow definitions through the runner. One instance per process; the
// in-flight set prevents a slow run from being launched again by the next
// tick.
type Scheduler struct {
	store  store.Store
	runner RunSubmitter
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler using the standard 5-field cron grammar.
func New(s store.Store, runner RunSubmitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every enabled job whose next_run_at is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // previous launch still running
			}
			if err := s.launch(ctx, job, now); err != nil {
				s.logger.Error("launch scheduled job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(job.ID)
		}
	}
}

// launch decodes the stored definition, submits it, and updates the job's
// run bookkeeping. The run itself settles asynchronously on the runner's
// pool; last_run_status records whether the launch was accepted.
func (s *Scheduler) launch(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("launching scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow", job.WorkflowName),
	)

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(job.Definition, &def); err != nil {
		s.logger.Error("scheduled job definition corrupt",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return s.updateJob(ctx, job, now, "error")
	}

	_, err := s.runner.Submit(ctx, &def, job.Inputs)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job submit failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateJob(ctx, job, now, status)
}

func (s *Scheduler) updateJob(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.NextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the job in-flight, returning false if it already is.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduling loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches jobs whose next_run_at passed while the process
// was down. Each missed job runs once; the regular tick takes over after.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.launch(ctx, job, now); err != nil {
				s.logger.Error("recover missed job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				s.release(job.ID)
				continue
			}
			s.release(job.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
