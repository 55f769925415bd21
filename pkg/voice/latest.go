package voice

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Latest is a single-slot register for the current transcription task.
// Replacing the slot cancels the previous task.
type Latest struct {
	mu     sync.Mutex
	id     string
	cancel context.CancelFunc
}

// Replace installs a new task derived from parent and cancels the previous one.
func (l *Latest) Replace(parent context.Context) (context.Context, string) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	l.mu.Lock()
	prev := l.cancel
	l.id, l.cancel = id, cancel
	l.mu.Unlock()

	if prev != nil {
		prev()
	}
	return ctx, id
}

// Finish clears the slot if id is still current. It reports whether the task
// was current, i.e. whether its result should be kept.
func (l *Latest) Finish(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.id != id {
		return false
	}
	l.cancel()
	l.id, l.cancel = "", nil
	return true
}

// Pending reports whether a task occupies the slot.
func (l *Latest) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Cancel cancels and clears the current task, if any.
func (l *Latest) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	l.id, l.cancel = "", nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
