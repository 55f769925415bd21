package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"deskagent/pkg/types"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrCloseTimeout is returned when the worker does not finish in time.
	ErrCloseTimeout = errors.New("dispatcher close timed out")
)

type job struct {
	ctx   context.Context
	cmds  []types.Command
	reply chan []types.CommandResult
}

// Dispatcher owns an Executor on a single worker goroutine. Batches are
// submitted over a queue and results come back on a per-job reply channel.
type Dispatcher struct {
	exec   *Executor
	jobs   chan job
	done   chan struct{}
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewDispatcher starts the worker. queue bounds pending submissions.
func NewDispatcher(exec *Executor, queue int, logger *zap.Logger) *Dispatcher {
	if queue <= 0 {
		queue = 1
	}
	d := &Dispatcher{
		exec:   exec,
		jobs:   make(chan job, queue),
		done:   make(chan struct{}),
		logger: logger.Named("dispatcher"),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for j := range d.jobs {
		j.reply <- d.exec.Execute(j.ctx, j.cmds)
	}
}

// Submit queues cmds and waits for their results.
func (d *Dispatcher) Submit(ctx context.Context, cmds []types.Command) ([]types.CommandResult, error) {
	reply := make(chan []types.CommandResult, 1)

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case d.jobs <- job{ctx: ctx, cmds: cmds, reply: reply}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return nil, ctx.Err()
	}

	// The executor observes ctx itself, so the reply always arrives.
	return <-reply, nil
}

// Close stops accepting work and waits up to timeout for queued jobs to drain.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
	})

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-d.done:
		return nil
	case <-t.C:
		d.logger.Warn("Dispatcher did not drain in time", zap.Duration("timeout", timeout))
		return ErrCloseTimeout
	}
}
