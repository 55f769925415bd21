package goalengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	// ErrNoPrompt is returned once the queue is closed and empty.
	ErrNoPrompt = errors.New("prompt queue closed")
	// ErrPromptQueueFull is returned by Push when nobody is consuming prompts.
	ErrPromptQueueFull = errors.New("prompt queue full")
)

// PromptQueue collects manual prompts from any number of producers (stdin,
// the control server) for the loop to consume.
type PromptQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewPromptQueue(size int) *PromptQueue {
	if size <= 0 {
		size = 8
	}
	return &PromptQueue{ch: make(chan string, size)}
}

// Push enqueues text without blocking.
func (q *PromptQueue) Push(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty prompt")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrNoPrompt
	}
	select {
	case q.ch <- text:
		return nil
	default:
		return ErrPromptQueueFull
	}
}

// Prompt waits for the next queued prompt.
func (q *PromptQueue) Prompt(ctx context.Context) (string, error) {
	select {
	case text, ok := <-q.ch:
		if !ok {
			return "", ErrNoPrompt
		}
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *PromptQueue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}

// ReadLines pushes every non-empty line of r into q until r ends or ctx is
// done. A prompt marker is written to w before each read when w is non-nil.
func ReadLines(ctx context.Context, r io.Reader, w io.Writer, q *PromptQueue) error {
	scanner := bufio.NewScanner(r)
	for {
		if w != nil {
			fmt.Fprint(w, ">> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			if err := q.Push(line); err != nil && !errors.Is(err, ErrPromptQueueFull) {
				return err
			}
		}
	}
}
