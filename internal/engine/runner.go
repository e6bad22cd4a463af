package engine

import (
	"context"

	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/schema"
)

// Runner executes runs asynchronously on a bounded pool. The scheduler and
// any API surface submit through it so concurrent workflows share one
// concurrency budget.
type Runner struct {
	engine *Engine
	pool   *runPool
}

// NewRunner creates a runner executing at most workers runs concurrently.
func NewRunner(engine *Engine, workers int) *Runner {
	return &Runner{engine: engine, pool: newRunPool(workers, engine.logger)}
}

// Engine exposes the underlying engine for synchronous calls.
func (r *Runner) Engine() *Engine { return r.engine }

// Submit starts a workflow on the pool. The returned channel yields the
// run's first settled state (terminal or suspended) and is closed after.
func (r *Runner) Submit(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (<-chan *store.Run, error) {
	return r.pool.launch(ctx, "start "+def.Name, func(ctx context.Context) (*store.Run, error) {
		return r.engine.Start(ctx, def, inputs)
	})
}

// Resume continues a suspended run on the pool.
func (r *Runner) Resume(ctx context.Context, runID string, answers map[string]any) (<-chan *store.Run, error) {
	return r.pool.launch(ctx, "resume "+runID, func(ctx context.Context) (*store.Run, error) {
		return r.engine.Resume(ctx, runID, answers)
	})
}

// Wait blocks until all submitted runs settle.
func (r *Runner) Wait() { r.pool.wait() }

// Shutdown stops accepting runs and waits for active ones.
func (r *Runner) Shutdown() { r.pool.shutdown() }

// Metrics returns the pool counters.
func (r *Runner) Metrics() RunnerMetrics { return r.pool.snapshot() }
