// File: pkg/desktop/robot.go

package desktop

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-vgo/robotgo"
	"go.uber.org/zap"

	"deskagent/pkg/types"
)

// Robot injects mouse and keyboard input through robotgo.
type Robot struct {
	logger       *zap.Logger
	restoreDelay time.Duration
}

// NewRobot creates the input injector. restoreDelay is how long to wait after
// a paste before the previous clipboard contents are put back.
func NewRobot(logger *zap.Logger, restoreDelay time.Duration) *Robot {
	return &Robot{logger: logger.Named("robot"), restoreDelay: restoreDelay}
}

// ScreenSize returns the main display size.
func (r *Robot) ScreenSize() (int, int) {
	return robotgo.GetScreenSize()
}

// Location returns the cursor position.
func (r *Robot) Location() types.Point {
	x, y := robotgo.Location()
	return types.Point{X: x, Y: y}
}

// Move moves the mouse cursor to the specified (x, y) coordinates.
func (r *Robot) Move(x, y int) error {
	r.logger.Debug("Moving mouse", zap.Int("x", x), zap.Int("y", y))
	robotgo.Move(x, y)
	return nil
}

// Click clicks the button once, or twice when double is set.
func (r *Robot) Click(button string, double bool) error {
	robotgo.Click(NormalizeButton(button), double)
	return nil
}

// Toggle presses or releases the button.
func (r *Robot) Toggle(button string, down bool) error {
	b := NormalizeButton(button)
	var err error
	if down {
		err = robotgo.Toggle(b)
	} else {
		err = robotgo.Toggle(b, "up")
	}
	if err != nil {
		return fmt.Errorf("failed to toggle %s button: %w", button, err)
	}
	return nil
}

// Drag holds button while moving to (x, y) over d.
func (r *Robot) Drag(ctx context.Context, x, y int, button string, d time.Duration) error {
	if err := r.Toggle(button, true); err != nil {
		return err
	}
	// The button is always released, even when the move is cut short.
	defer r.Toggle(button, false)

	const step = 10 * time.Millisecond
	start := r.Location()
	steps := int(d / step)
	if steps < 1 {
		steps = 1
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		robotgo.Move(start.X+(x-start.X)*i/steps, start.Y+(y-start.Y)*i/steps)
	}
	return nil
}

// KeyTap taps key with the given modifiers held.
func (r *Robot) KeyTap(key string, modifiers ...string) error {
	key = NormalizeKey(key)
	mods := make([]string, 0, len(modifiers))
	for _, m := range modifiers {
		mods = append(mods, NormalizeKey(m))
	}
	var err error
	if len(mods) == 0 {
		err = robotgo.KeyTap(key)
	} else {
		err = robotgo.KeyTap(key, mods)
	}
	if err != nil {
		return fmt.Errorf("failed to press %s: %w", strings.Join(append(mods, key), "+"), err)
	}
	return nil
}

// Paste types text by pasting it from the clipboard, then restores the
// previous clipboard contents.
func (r *Robot) Paste(ctx context.Context, text string) error {
	previous, readErr := robotgo.ReadAll()
	if err := robotgo.WriteAll(text); err != nil {
		r.logger.Debug("Clipboard unavailable; typing instead", zap.Error(err))
		robotgo.TypeStr(text)
		return nil
	}
	if err := r.KeyTap("v", PasteModifier()); err != nil {
		return err
	}

	select {
	case <-time.After(r.restoreDelay):
	case <-ctx.Done():
	}
	if readErr == nil {
		if err := robotgo.WriteAll(previous); err != nil {
			r.logger.Warn("Failed to restore clipboard", zap.Error(err))
		}
	}
	return nil
}

// Scroll scrolls vertically; positive clicks scroll up.
func (r *Robot) Scroll(clicks int) error {
	robotgo.Scroll(0, clicks)
	return nil
}

// NormalizeButton maps model button names onto robotgo's.
func NormalizeButton(button string) string {
	switch strings.ToLower(strings.TrimSpace(button)) {
	case "", "left", "primary":
		return "left"
	case "right", "secondary":
		return "right"
	case "middle", "center", "wheel":
		return "center"
	default:
		return strings.ToLower(strings.TrimSpace(button))
	}
}

// NormalizeKey maps common key spellings onto robotgo's key names.
func NormalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	switch k {
	case "win", "windows", "super", "meta", "command":
		return "cmd"
	case "option":
		return "alt"
	case "control":
		return "ctrl"
	case "return":
		return "enter"
	case "esc":
		return "escape"
	case "del":
		return "delete"
	case "arrowup":
		return "up"
	case "arrowdown":
		return "down"
	case "arrowleft":
		return "left"
	case "arrowright":
		return "right"
	case "pgup":
		return "pageup"
	case "pgdn":
		return "pagedown"
	}
	return k
}

// PasteModifier is the platform's paste shortcut modifier.
func PasteModifier() string {
	if runtime.GOOS == "darwin" {
		return "cmd"
	}
	return "ctrl"
}
