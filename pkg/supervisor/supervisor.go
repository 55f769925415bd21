package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStopTimeout is returned when tasks are still running after the Stop deadline.
var ErrStopTimeout = errors.New("supervised tasks did not stop in time")

// Task is a long-running background job. It must return once ctx is done.
type Task func(ctx context.Context) error

// Supervisor runs named background tasks under one cancellable context.
// A task panic is recovered and reported as that task's error.
type Supervisor struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	done     chan struct{}
	waitOnce sync.Once
	err      error
}

func New(parent context.Context, logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		group:  group,
		ctx:    gctx,
		cancel: cancel,
		logger: logger.Named("supervisor"),
		done:   make(chan struct{}),
	}
}

// Context is cancelled when Stop is called or any task fails.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts a named task.
func (s *Supervisor) Go(name string, task Task) {
	s.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Task panicked", zap.String("task", name),
					zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
		}()
		s.logger.Debug("Task started", zap.String("task", name))
		err = task(s.ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			s.logger.Warn("Task failed", zap.String("task", name), zap.Error(err))
		} else {
			s.logger.Debug("Task finished", zap.String("task", name))
		}
		return err
	})
}

func (s *Supervisor) wait() {
	s.waitOnce.Do(func() {
		go func() {
			s.err = s.group.Wait()
			close(s.done)
		}()
	})
}

// Stop cancels every task and waits up to timeout for them to return.
// It may be called more than once.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.cancel()
	s.wait()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return s.err
	case <-t.C:
		s.logger.Warn("Supervised tasks still running", zap.Duration("timeout", timeout))
		return ErrStopTimeout
	}
}
