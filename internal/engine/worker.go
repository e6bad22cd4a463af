package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loomctl/loom/internal/store"
)

// ErrPoolShutdown is returned when work is submitted after Shutdown.
var ErrPoolShutdown = errors.New("runner is shut down")

// RunnerMetrics is a snapshot of the runner's counters.
type RunnerMetrics struct {
	Active  int64 `json:"active"`
	Settled int64 `json:"settled"`
	Errored int64 `json:"errored"`
	Panics  int64 `json:"panics"`
}

// runPool executes run tasks with bounded concurrency. A task drives one
// run to its first settled state (terminal or suspended); the pool owns the
// goroutine, the result delivery, and the panic barrier around the walk.
type runPool struct {
	slots  chan struct{}
	logger *slog.Logger

	active  atomic.Int64
	settled atomic.Int64
	errored atomic.Int64
	panics  atomic.Int64

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	done   chan struct{}
}

func newRunPool(size int, logger *slog.Logger) *runPool {
	if size <= 0 {
		size = 1
	}
	return &runPool{
		slots:  make(chan struct{}, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// launch acquires a slot and executes the task on its own goroutine. The
// returned channel yields the settled run and is closed after; a task error
// is logged and closes the channel empty. launch blocks while the pool is
// at capacity.
func (p *runPool) launch(ctx context.Context, op string, task func(ctx context.Context) (*store.Run, error)) (<-chan *store.Run, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolShutdown
	}

	// wg.Add must not race shutdown's wg.Wait, so the closed flag is
	// checked again after the slot is held.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	results := make(chan *store.Run, 1)
	p.active.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.errored.Add(1)
				p.logger.Error("run task panicked", "op", op, "panic", r)
			}
			p.active.Add(-1)
			close(results)
			<-p.slots
			p.wg.Done()
		}()

		run, err := task(ctx)
		if err != nil {
			p.errored.Add(1)
			p.logger.Error("run task failed", "op", op, "error", err)
			return
		}
		p.settled.Add(1)
		results <- run
	}()
	return results, nil
}

// wait blocks until all launched tasks finish.
func (p *runPool) wait() { p.wg.Wait() }

// shutdown rejects new tasks and waits for active ones. Idempotent.
func (p *runPool) shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *runPool) snapshot() RunnerMetrics {
	return RunnerMetrics{
		Active:  p.active.Load(),
		Settled: p.settled.Load(),
		Errored: p.errored.Load(),
		Panics:  p.panics.Load(),
	}
}
