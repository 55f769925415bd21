package assistant

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deskagent/pkg/types"
	"deskagent/pkg/vision"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, messages []types.Message, systemPromptID string) (string, error) {
	args := m.Called(ctx, messages, systemPromptID)
	return args.String(0), args.Error(1)
}

type stubSensor struct {
	entry *vision.Entry
}

func (s *stubSensor) Sense(context.Context) *vision.Entry { return s.entry }

type blankScreen struct{ w, h int }

func (b blankScreen) Capture(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, b.w, b.h)), nil
}

func newStubSensor() *stubSensor {
	e := &vision.Entry{
		CapturedAt: time.Unix(1000, 0),
		TTL:        time.Second,
		Image:      image.NewRGBA(image.Rect(0, 0, 1000, 500)),
		Grid:       vision.Partition(1000, 500, 50, 50),
		Generation: 3,
	}
	return &stubSensor{entry: e}
}

func firstText(msgs []types.Message) string {
	if len(msgs) == 0 || len(msgs[0].Parts) == 0 {
		return ""
	}
	return msgs[0].Parts[0].Text
}

func TestLocator_ResolvesCell(t *testing.T) {
	sensor := newStubSensor()
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(msgs []types.Message) bool {
		return firstText(msgs) == `Find grid cell with element "Start button"` && msgs[0].Parts[1].IsImage()
	}), "locate_ui_element").Return("The element is in cell #12.", nil)

	loc := NewLocator(sensor, vision.NewEncoder(70), gen, "locate_ui_element", zap.NewNop())
	p, err := loc.Locate(context.Background(), "Start button")
	require.NoError(t, err)

	want, _ := sensor.entry.Grid.Resolve(12)
	assert.Equal(t, want, p)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestLocator_CellSurvivesNewerCapture(t *testing.T) {
	ctx := context.Background()
	cache := vision.NewCache(blankScreen{w: 1000, h: 500}, nil, vision.CacheConfig{
		TTL:            time.Millisecond,
		StaleTolerance: time.Second,
		TargetCells:    50,
		MinCells:       50,
	}, zap.NewNop())

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, "locate_ui_element").
		Run(func(mock.Arguments) {
			// The poller publishes while the model is thinking.
			cache.Capture(ctx)
			cache.Capture(ctx)
		}).
		Return("#12", nil)

	loc := NewLocator(cache, vision.NewEncoder(70), gen, "locate_ui_element", zap.NewNop())
	p, err := loc.Locate(ctx, "OK button")
	require.NoError(t, err)

	want, err := vision.Partition(1000, 500, 50, 50).Resolve(12)
	require.NoError(t, err)
	assert.Equal(t, want, p)
	assert.Equal(t, uint64(3), cache.Current().Generation)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestLocator_FallsBackToCoordinates(t *testing.T) {
	sensor := newStubSensor()
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(msgs []types.Message) bool {
		return strings.HasPrefix(firstText(msgs), "Find grid cell")
	}), "locate_ui_element").Return("cell #9999", nil).Once()
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(msgs []types.Message) bool {
		return strings.Contains(firstText(msgs), "The screen resolution is 1000x500")
	}), "locate_ui_element").Return("x: 640.7, y: 120", nil).Once()

	loc := NewLocator(sensor, vision.NewEncoder(70), gen, "locate_ui_element", zap.NewNop())
	p, err := loc.Locate(context.Background(), "Search box")
	require.NoError(t, err)
	assert.Equal(t, types.Point{X: 640, Y: 120}, p)
	gen.AssertExpectations(t)
}

func TestLocator_NotFound(t *testing.T) {
	sensor := newStubSensor()
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("I cannot see it", nil)

	loc := NewLocator(sensor, vision.NewEncoder(70), gen, "locate_ui_element", zap.NewNop())
	_, err := loc.Locate(context.Background(), "Ghost")
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestLocator_EmptyCapture(t *testing.T) {
	sensor := &stubSensor{entry: &vision.Entry{Empty: true}}
	loc := NewLocator(sensor, vision.NewEncoder(70), &mockGenerator{}, "locate_ui_element", zap.NewNop())
	_, err := loc.Locate(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestLocator_ModelError(t *testing.T) {
	sensor := newStubSensor()
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("timeout"))

	loc := NewLocator(sensor, vision.NewEncoder(70), gen, "locate_ui_element", zap.NewNop())
	_, err := loc.Locate(context.Background(), "Start button")
	assert.Error(t, err)
}

func TestParseCellNumber(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"#42", 42, true},
		{"Cell 7 contains it, not #8", 8, true},
		{"answer: 15", 15, true},
		{"no numbers", 0, false},
		{"#0", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseCellNumber(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.want, got, c.in)
		}
	}
}

func TestParseCoordinates(t *testing.T) {
	p, ok := ParseCoordinates("X: 10, y: 20")
	require.True(t, ok)
	assert.Equal(t, types.Point{X: 10, Y: 20}, p)

	p, ok = ParseCoordinates("somewhere near 300 and 400")
	require.True(t, ok)
	assert.Equal(t, types.Point{X: 300, Y: 400}, p)

	_, ok = ParseCoordinates("only 1")
	assert.False(t, ok)
}
