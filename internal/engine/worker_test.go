package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/schema"
)

func newTestPool(size int) *runPool {
	return newRunPool(size, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func okTask(done *atomic.Int64) func(context.Context) (*store.Run, error) {
	return func(context.Context) (*store.Run, error) {
		if done != nil {
			done.Add(1)
		}
		return &store.Run{ID: "r"}, nil
	}
}

func TestRunPool_DeliversSettledRuns(t *testing.T) {
	p := newTestPool(4)
	var done atomic.Int64

	for i := 0; i < 10; i++ {
		results, err := p.launch(context.Background(), "start test", okTask(&done))
		require.NoError(t, err)
		run := <-results
		require.NotNil(t, run)
		assert.Equal(t, "r", run.ID)
	}
	p.wait()

	assert.Equal(t, int64(10), done.Load())
	m := p.snapshot()
	assert.Equal(t, int64(10), m.Settled)
	assert.Equal(t, int64(0), m.Errored)
	assert.Equal(t, int64(0), m.Active)
}

func TestRunPool_TaskErrorClosesChannelEmpty(t *testing.T) {
	p := newTestPool(2)

	results, err := p.launch(context.Background(), "start bad", func(context.Context) (*store.Run, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	run, open := <-results
	assert.Nil(t, run)
	assert.False(t, open)
	p.wait()

	m := p.snapshot()
	assert.Equal(t, int64(0), m.Settled)
	assert.Equal(t, int64(1), m.Errored)
}

func TestRunPool_RecoversPanics(t *testing.T) {
	p := newTestPool(1)

	results, err := p.launch(context.Background(), "start hot", func(context.Context) (*store.Run, error) {
		panic("walker exploded")
	})
	require.NoError(t, err)
	_, open := <-results
	assert.False(t, open)
	p.wait()

	m := p.snapshot()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Errored)
	assert.Equal(t, int64(0), m.Active)

	// The pool stays usable after a panic.
	results, err = p.launch(context.Background(), "start ok", okTask(nil))
	require.NoError(t, err)
	<-results
	p.wait()
	assert.Equal(t, int64(1), p.snapshot().Settled)
}

func TestRunPool_BackpressureRespectsContext(t *testing.T) {
	p := newTestPool(1)
	block := make(chan struct{})

	_, err := p.launch(context.Background(), "start slow", func(context.Context) (*store.Run, error) {
		<-block
		return &store.Run{}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.launch(ctx, "start blocked", okTask(nil))
	require.ErrorIs(t, err, context.Canceled)

	close(block)
	p.wait()
}

func TestRunPool_Shutdown(t *testing.T) {
	p := newTestPool(2)
	var done atomic.Int64

	_, err := p.launch(context.Background(), "start last", okTask(&done))
	require.NoError(t, err)
	p.shutdown()

	assert.Equal(t, int64(1), done.Load(), "shutdown waits for active work")

	_, err = p.launch(context.Background(), "start late", okTask(nil))
	require.ErrorIs(t, err, ErrPoolShutdown)

	// Shutdown is idempotent.
	p.shutdown()
}

func TestRunner_SubmitAndResume(t *testing.T) {
	e, _, _ := newTestEngine(t)
	r := NewRunner(e, 2)
	defer r.Shutdown()

	def := testWorkflow(
		&schema.Step{ID: "ask", Uses: "human/input", With: map[string]any{"prompt": "?"}},
	)

	results, err := r.Submit(context.Background(), def, nil)
	require.NoError(t, err)
	run := <-results
	require.NotNil(t, run)
	require.Equal(t, schema.RunStatusSuspended, run.Status)

	results, err = r.Resume(context.Background(), run.ID, map[string]any{"ask": "ok"})
	require.NoError(t, err)
	resumed := <-results
	require.NotNil(t, resumed)
	assert.Equal(t, schema.RunStatusSucceeded, resumed.Status)
	assert.Equal(t, int64(2), r.Metrics().Settled)
}
