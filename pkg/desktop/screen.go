package desktop

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// ErrNoDisplay is returned when no active display can be captured.
var ErrNoDisplay = errors.New("no active display")

// Screen captures one display with kbinani/screenshot.
type Screen struct {
	Display int
}

// NewScreen captures the given display index; 0 is the primary display.
func NewScreen(display int) *Screen {
	return &Screen{Display: display}
}

// Capture grabs the whole display.
func (s *Screen) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if screenshot.NumActiveDisplays() <= s.Display {
		return nil, ErrNoDisplay
	}
	bounds := screenshot.GetDisplayBounds(s.Display)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screen: %w", err)
	}
	return img, nil
}
