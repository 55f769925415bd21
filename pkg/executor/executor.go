package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"deskagent/pkg/types"
)

var (
	// ErrUnknownCommand marks a command name outside the vocabulary.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrRejected marks input refused by the text guard.
	ErrRejected = errors.New("rejected by text guard")
)

// Injector performs the OS-level input primitives.
type Injector interface {
	ScreenSize() (int, int)
	Location() types.Point
	Move(x, y int) error
	Click(button string, double bool) error
	Toggle(button string, down bool) error
	Drag(ctx context.Context, x, y int, button string, d time.Duration) error
	KeyTap(key string, modifiers ...string) error
	Paste(ctx context.Context, text string) error
	Scroll(clicks int) error
}

// ElementResolver finds an on-screen element from a description.
type ElementResolver interface {
	Locate(ctx context.Context, description string) (types.Point, error)
}

// CellResolver maps a grid cell index to its center.
type CellResolver interface {
	ResolveCell(index int) (types.Point, error)
}

// Gate is the pause gate the listen command sets.
type Gate interface {
	SetListening(listening bool)
}

// Observer receives every command result. Optional.
type Observer interface {
	ObserveCommand(result types.CommandResult)
}

// Config tunes batching and timing.
type Config struct {
	BatchSize    int
	SettleDelay  time.Duration
	DragDuration time.Duration
	// TextGuard rejects enter_text payloads when it returns true. Nil allows all.
	TextGuard func(text string) bool
}

// Executor runs parsed commands against an Injector.
type Executor struct {
	injector Injector
	elements ElementResolver
	cells    CellResolver
	gate     Gate
	observer Observer
	cfg      Config
	logger   *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithElementResolver enables move_cursor_to_element.
func WithElementResolver(r ElementResolver) Option { return func(e *Executor) { e.elements = r } }

// WithCellResolver enables move_cursor_to_cell.
func WithCellResolver(r CellResolver) Option { return func(e *Executor) { e.cells = r } }

// WithObserver reports every result.
func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

// New creates an executor.
func New(injector Injector, gate Gate, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.DragDuration <= 0 {
		cfg.DragDuration = 500 * time.Millisecond
	}
	e := &Executor{injector: injector, gate: gate, cfg: cfg, logger: logger.Named("executor")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs cmds in order and returns one result per attempted command.
//
// Non-wait commands are grouped into batches of cfg.BatchSize; a batch also
// flushes at the last command. A wait flushes the pending batch before it
// blocks. Processing stops for good after a listen, an unknown command or a
// failed command, so the result slice may be shorter than cmds.
func (e *Executor) Execute(ctx context.Context, cmds []types.Command) []types.CommandResult {
	results := make([]types.CommandResult, 0, len(cmds))
	batch := make([]types.Command, 0, e.cfg.BatchSize)

	flush := func() bool {
		defer func() { batch = batch[:0] }()
		for _, cmd := range batch {
			result, stop := e.run(ctx, cmd)
			results = append(results, result)
			if stop {
				return false
			}
			// A cancelled sleep surfaces on the next run.
			_ = sleep(ctx, e.cfg.SettleDelay)
		}
		return true
	}

	for i, cmd := range cmds {
		if cmd.Name == types.Wait {
			if !flush() {
				return results
			}
			result, stop := e.run(ctx, cmd)
			results = append(results, result)
			if stop {
				return results
			}
			continue
		}

		batch = append(batch, cmd)
		if len(batch) >= e.cfg.BatchSize || i == len(cmds)-1 {
			if !flush() {
				return results
			}
		}
	}
	return results
}

// run executes one command. stop reports whether processing must end.
func (e *Executor) run(ctx context.Context, cmd types.Command) (result types.CommandResult, stop bool) {
	result.Command = cmd
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Command panicked", zap.String("command", cmd.Name), zap.Any("panic", r))
			result.Success = false
			result.Message = fmt.Sprintf("Error executing command: %v", r)
			e.gate.SetListening(false)
			stop = true
		}
		if e.observer != nil {
			e.observer.ObserveCommand(result)
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Message = fmt.Sprintf("Cancelled before %s: %v", cmd.Name, err)
		e.gate.SetListening(false)
		return result, true
	}

	if cmd.Name == types.Listen {
		e.gate.SetListening(true)
		result.Success = true
		result.Message = "Waiting for user instructions..."
		return result, true
	}

	msg, err := e.dispatch(ctx, cmd)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		result.Message = fmt.Sprintf("Unknown command: %s", cmd.Name)
		e.gate.SetListening(false)
		return result, true
	case errors.Is(err, types.ErrMissingParam):
		result.Message = fmt.Sprintf("Missing required parameter: %v", err)
		e.gate.SetListening(false)
		return result, true
	case err != nil:
		result.Message = fmt.Sprintf("Error executing command: %v", err)
		e.gate.SetListening(false)
		return result, true
	}

	e.logger.Debug("Command executed", zap.String("command", cmd.Name), zap.String("message", msg))
	result.Success = true
	result.Message = msg
	return result, false
}

func (e *Executor) dispatch(ctx context.Context, cmd types.Command) (string, error) {
	switch cmd.Name {
	case types.MoveCursorAbsolute:
		x, err := cmd.Int("x")
		if err != nil {
			return "", err
		}
		y, err := cmd.Int("y")
		if err != nil {
			return "", err
		}
		x, y = e.clamp(x, y)
		if err := e.injector.Move(x, y); err != nil {
			return "", err
		}
		return fmt.Sprintf("Moved cursor to absolute position: %d, %d", x, y), nil

	case types.MoveCursorRelative:
		dx, err := cmd.Int("dx")
		if err != nil {
			return "", err
		}
		dy, err := cmd.Int("dy")
		if err != nil {
			return "", err
		}
		cur := e.injector.Location()
		x, y := e.clamp(cur.X+dx, cur.Y+dy)
		if err := e.injector.Move(x, y); err != nil {
			return "", err
		}
		return fmt.Sprintf("Moved cursor by offset: %d, %d. New position: %d, %d", dx, dy, x, y), nil

	case types.MouseButton:
		button := cmd.StrOr("button", "left")
		if err := e.injector.Click(button, false); err != nil {
			return "", err
		}
		return fmt.Sprintf("Clicked %s mouse button", button), nil

	case types.DoubleClick:
		button := cmd.StrOr("button", "left")
		if err := e.injector.Click(button, true); err != nil {
			return "", err
		}
		return fmt.Sprintf("Double-clicked %s mouse button", button), nil

	case types.DragTo:
		x, err := cmd.Int("x")
		if err != nil {
			return "", err
		}
		y, err := cmd.Int("y")
		if err != nil {
			return "", err
		}
		button := cmd.StrOr("button", "left")
		d := time.Duration(cmd.FloatOr("duration", e.cfg.DragDuration.Seconds()) * float64(time.Second))
		x, y = e.clamp(x, y)
		if err := e.injector.Drag(ctx, x, y, button, d); err != nil {
			return "", err
		}
		return fmt.Sprintf("Dragged to position: %d, %d", x, y), nil

	case types.MouseDown:
		button := cmd.StrOr("button", "left")
		if err := e.injector.Toggle(button, true); err != nil {
			return "", err
		}
		return fmt.Sprintf("Pressed and held %s mouse button", button), nil

	case types.MouseUp:
		button := cmd.StrOr("button", "left")
		if err := e.injector.Toggle(button, false); err != nil {
			return "", err
		}
		return fmt.Sprintf("Released %s mouse button", button), nil

	case types.PressKey:
		key, err := cmd.Str("key")
		if err != nil {
			return "", err
		}
		if err := e.injector.KeyTap(key); err != nil {
			return "", err
		}
		return fmt.Sprintf("Pressed key: %s", key), nil

	case types.PressHotkey:
		keys, err := cmd.Strings("keys")
		if err != nil {
			return "", err
		}
		if len(keys) == 0 {
			return "", fmt.Errorf("%s: %w %q", cmd.Name, types.ErrMissingParam, "keys")
		}
		if err := e.injector.KeyTap(keys[len(keys)-1], keys[:len(keys)-1]...); err != nil {
			return "", err
		}
		return fmt.Sprintf("Pressed hotkey combination: %s", strings.Join(keys, "+")), nil

	case types.EnterText:
		text, err := cmd.Str("text")
		if err != nil {
			return "", err
		}
		if e.cfg.TextGuard != nil && e.cfg.TextGuard(text) {
			return "", fmt.Errorf("%q: %w", text, ErrRejected)
		}
		if err := e.injector.Paste(ctx, text); err != nil {
			return "", err
		}
		return fmt.Sprintf("Typed text: %s", text), nil

	case types.Scroll:
		clicks, err := cmd.Int("clicks")
		if err != nil {
			return "", err
		}
		if err := e.injector.Scroll(clicks); err != nil {
			return "", err
		}
		return fmt.Sprintf("Scrolled by %d clicks", clicks), nil

	case types.Wait:
		seconds, err := cmd.Float("seconds")
		if err != nil {
			return "", err
		}
		if seconds < 0 {
			return "", fmt.Errorf("negative wait: %v", seconds)
		}
		if err := sleep(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
			return "", err
		}
		return fmt.Sprintf("Waited for %v seconds", seconds), nil

	case types.MoveCursorToElement:
		name, err := cmd.Str("name")
		if err != nil {
			return "", err
		}
		if e.elements == nil {
			return "", errors.New("element targeting is not available")
		}
		p, err := e.elements.Locate(ctx, name)
		if err != nil {
			return "", err
		}
		x, y := e.clamp(p.X, p.Y)
		if err := e.injector.Move(x, y); err != nil {
			return "", err
		}
		return fmt.Sprintf("Moved cursor to element %s", name), nil

	case types.MoveCursorToCell:
		cell, err := cmd.Int("cell")
		if err != nil {
			return "", err
		}
		if e.cells == nil {
			return "", errors.New("grid targeting is not available")
		}
		p, err := e.cells.ResolveCell(cell)
		if err != nil {
			return "", err
		}
		if err := e.injector.Move(p.X, p.Y); err != nil {
			return "", err
		}
		return fmt.Sprintf("Moved cursor to cell %d: %d, %d", cell, p.X, p.Y), nil
	}
	return "", fmt.Errorf("%s: %w", cmd.Name, ErrUnknownCommand)
}

// clamp keeps a target inside the screen.
func (e *Executor) clamp(x, y int) (int, int) {
	w, h := e.injector.ScreenSize()
	if w <= 0 || h <= 0 {
		return x, y
	}
	return min(max(x, 0), w-1), min(max(y, 0), h-1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
