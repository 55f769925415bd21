package assistant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"deskagent/pkg/types"
	"deskagent/pkg/vision"
)

// ErrElementNotFound is returned when the model could not place the element.
var ErrElementNotFound = errors.New("UI element not found")

var (
	cellPattern       = regexp.MustCompile(`#(\d+)`)
	numberPattern     = regexp.MustCompile(`\d+`)
	coordinatePattern = regexp.MustCompile(`(?i)x:\s*(\d+(?:\.\d+)?),\s*y:\s*(\d+(?:\.\d+)?)`)
	decimalPattern    = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Sensor is the part of the screen cache the locator needs.
type Sensor interface {
	Sense(ctx context.Context) *vision.Entry
}

// Locator resolves a natural-language element description to screen
// coordinates by asking the model to pick a grid cell.
type Locator struct {
	sensor   Sensor
	encoder  *vision.Encoder
	llm      Generator
	promptID string
	logger   *zap.Logger
}

// NewLocator creates a locator.
func NewLocator(sensor Sensor, encoder *vision.Encoder, llm Generator, promptID string, logger *zap.Logger) *Locator {
	return &Locator{sensor: sensor, encoder: encoder, llm: llm, promptID: promptID, logger: logger.Named("locator")}
}

// Locate finds the element described by description. The cell answer is resolved
// against the grid of the capture the model was shown, even if newer captures
// have been published since. If that fails the model is asked for raw pixel
// coordinates instead.
func (l *Locator) Locate(ctx context.Context, description string) (types.Point, error) {
	e := l.sensor.Sense(ctx)
	if e.Empty {
		return types.Point{}, fmt.Errorf("%q: no screen capture: %w", description, ErrElementNotFound)
	}

	gridJPEG, err := l.encoder.GridJPEG(e)
	if err != nil {
		return types.Point{}, err
	}
	reply, err := l.llm.Generate(ctx, []types.Message{{
		Role: types.RoleUser,
		Parts: []types.Part{
			{Text: fmt.Sprintf("Find grid cell with element %q", description)},
			{ImageURL: vision.DataURL(gridJPEG)},
		},
	}}, l.promptID)
	if err != nil {
		return types.Point{}, fmt.Errorf("locate %q: %w", description, err)
	}
	l.logger.Debug("Locator reply", zap.String("element", description), zap.String("reply", reply))

	if cell, ok := ParseCellNumber(reply); ok {
		p, err := e.Grid.Resolve(cell)
		if err == nil {
			return p, nil
		}
		l.logger.Info("Cell answer did not resolve", zap.Int("cell", cell), zap.Error(err))
	}

	return l.fallback(ctx, e, description)
}

func (l *Locator) fallback(ctx context.Context, e *vision.Entry, description string) (types.Point, error) {
	plain, err := l.encoder.ModelJPEG(e, e.Grid.Height)
	if err != nil {
		return types.Point{}, err
	}
	prompt := fmt.Sprintf("Look at this screenshot and find the exact pixel coordinates (x, y) of the center of "+
		"this UI element: '%s'. The screen resolution is %dx%d. "+
		"Respond with ONLY the x and y coordinates in this format: 'x: X, y: Y'",
		description, e.Grid.Width, e.Grid.Height)
	reply, err := l.llm.Generate(ctx, []types.Message{{
		Role:  types.RoleUser,
		Parts: []types.Part{{Text: prompt}, {ImageURL: vision.DataURL(plain)}},
	}}, l.promptID)
	if err != nil {
		return types.Point{}, fmt.Errorf("locate %q: %w", description, err)
	}

	p, ok := ParseCoordinates(reply)
	if !ok || p.X >= e.Grid.Width || p.Y >= e.Grid.Height {
		return types.Point{}, fmt.Errorf("%q: %w", description, ErrElementNotFound)
	}
	return p, nil
}

// ParseCellNumber reads a cell index from a reply: "#N" first, else the first number.
func ParseCellNumber(reply string) (int, bool) {
	if m := cellPattern.FindStringSubmatch(reply); m != nil {
		n, err := strconv.Atoi(m[1])
		return n, err == nil && n > 0
	}
	if m := numberPattern.FindString(reply); m != "" {
		n, err := strconv.Atoi(m)
		return n, err == nil && n > 0
	}
	return 0, false
}

// ParseCoordinates reads "x: X, y: Y" from a reply, else the last two numbers.
func ParseCoordinates(reply string) (types.Point, bool) {
	var xs, ys string
	if m := coordinatePattern.FindStringSubmatch(reply); m != nil {
		xs, ys = m[1], m[2]
	} else {
		nums := decimalPattern.FindAllString(reply, -1)
		if len(nums) < 2 {
			return types.Point{}, false
		}
		xs, ys = nums[len(nums)-2], nums[len(nums)-1]
	}
	x, errX := strconv.ParseFloat(xs, 64)
	y, errY := strconv.ParseFloat(ys, 64)
	if errX != nil || errY != nil {
		return types.Point{}, false
	}
	return types.Point{X: int(math.Floor(x)), Y: int(math.Floor(y))}, true
}
