package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"deskagent/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeInjector struct {
	mu       sync.Mutex
	calls    []string
	pos      types.Point
	clickErr error
	panicOn  string
	entered  chan struct{}
}

func (f *fakeInjector) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := fmt.Sprintf(format, args...)
	if f.panicOn != "" && strings.HasPrefix(call, f.panicOn) {
		panic("injector exploded")
	}
	f.calls = append(f.calls, call)
}

func (f *fakeInjector) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeInjector) ScreenSize() (int, int) { return 1920, 1080 }
func (f *fakeInjector) Location() types.Point  { return f.pos }

func (f *fakeInjector) Move(x, y int) error {
	f.record("move %d,%d", x, y)
	f.pos = types.Point{X: x, Y: y}
	return nil
}

func (f *fakeInjector) Click(button string, double bool) error {
	f.record("click %s double=%v", button, double)
	return f.clickErr
}

func (f *fakeInjector) Toggle(button string, down bool) error {
	f.record("toggle %s down=%v", button, down)
	return nil
}

func (f *fakeInjector) Drag(_ context.Context, x, y int, button string, d time.Duration) error {
	f.record("drag %d,%d %s %s", x, y, button, d)
	return nil
}

func (f *fakeInjector) KeyTap(key string, modifiers ...string) error {
	f.record("tap %s %v", key, modifiers)
	return nil
}

func (f *fakeInjector) Paste(ctx context.Context, text string) error {
	f.record("paste %s", text)
	if f.entered != nil {
		close(f.entered)
		<-ctx.Done()
	}
	return nil
}

func (f *fakeInjector) Scroll(clicks int) error {
	f.record("scroll %d", clicks)
	return nil
}

type fakeGate struct {
	mu     sync.Mutex
	values []bool
}

func (g *fakeGate) SetListening(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = append(g.values, v)
}

func (g *fakeGate) Values() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.values...)
}

type fakeCells map[int]types.Point

func (c fakeCells) ResolveCell(index int) (types.Point, error) {
	p, ok := c[index]
	if !ok {
		return types.Point{}, errors.New("cell not found")
	}
	return p, nil
}

type fakeElements struct{ p types.Point }

func (f fakeElements) Locate(context.Context, string) (types.Point, error) { return f.p, nil }

func cmd(name string, kv ...any) types.Command {
	params := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i].(string)] = kv[i+1]
	}
	return types.Command{Name: name, Params: params}
}

func newTestExecutor(inj *fakeInjector, gate *fakeGate, opts ...Option) *Executor {
	return New(inj, gate, Config{BatchSize: 3}, zap.NewNop(), opts...)
}

func TestExecute_UnknownCommandStopsProcessing(t *testing.T) {
	inj, gate := &fakeInjector{}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	results := e.Execute(context.Background(), []types.Command{
		cmd(types.MouseButton, "button", "left"),
		cmd("fly"),
		cmd(types.MouseButton, "button", "left"),
	})

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, "Clicked left mouse button", results[0].Message)
	assert.False(t, results[1].Success)
	assert.Equal(t, "Unknown command: fly", results[1].Message)
	assert.Len(t, inj.Calls(), 1)
	assert.Equal(t, []bool{false}, gate.Values())
}

func TestExecute_WaitFlushesPendingBatch(t *testing.T) {
	inj, gate := &fakeInjector{}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	start := time.Now()
	results := e.Execute(context.Background(), []types.Command{
		cmd(types.MoveCursorAbsolute, "x", 10, "y", 20),
		cmd(types.MouseButton, "button", "right"),
		cmd(types.Wait, "seconds", 0.05),
		cmd(types.Scroll, "clicks", -3),
	})

	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Success, r.Message)
	}
	assert.Equal(t, "Waited for 0.05 seconds", results[2].Message)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, []string{"move 10,20", "click right double=false", "scroll -3"}, inj.Calls())
}

func TestExecute_ListenSetsGateAndStops(t *testing.T) {
	inj, gate := &fakeInjector{}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	results := e.Execute(context.Background(), []types.Command{
		cmd(types.PressKey, "key", "enter"),
		cmd(types.Listen),
		cmd(types.PressKey, "key", "tab"),
	})

	require.Len(t, results, 2)
	assert.True(t, results[1].Success)
	assert.Equal(t, "Waiting for user instructions...", results[1].Message)
	assert.Equal(t, []bool{true}, gate.Values())
	assert.Equal(t, []string{"tap enter []"}, inj.Calls())
}

func TestExecute_MissingParameter(t *testing.T) {
	inj, gate := &fakeInjector{}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	results := e.Execute(context.Background(), []types.Command{cmd(types.MoveCursorAbsolute, "x", 5)})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, strings.HasPrefix(results[0].Message, "Missing required parameter:"), results[0].Message)
	assert.Contains(t, results[0].Message, `"y"`)
	assert.Empty(t, inj.Calls())
}

func TestExecute_InjectorErrorClearsGate(t *testing.T) {
	inj, gate := &fakeInjector{clickErr: errors.New("no display")}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	results := e.Execute(context.Background(), []types.Command{
		cmd(types.DoubleClick),
		cmd(types.PressKey, "key", "a"),
	})
	require.Len(t, results, 1)
	assert.Equal(t, "Error executing command: no display", results[0].Message)
	assert.Equal(t, []bool{false}, gate.Values())
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	inj, gate := &fakeInjector{panicOn: "scroll"}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	results := e.Execute(context.Background(), []types.Command{
		cmd(types.Scroll, "clicks", 2),
		cmd(types.Scroll, "clicks", 2),
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, "injector exploded")
}

func TestExecute_CancelledContext(t *testing.T) {
	inj, gate := &fakeInjector{}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := e.Execute(ctx, []types.Command{cmd(types.PressKey, "key", "a"), cmd(types.PressKey, "key", "b")})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Empty(t, inj.Calls())
}

func TestExecute_CancelInterruptsWait(t *testing.T) {
	inj, gate := &fakeInjector{}, &fakeGate{}
	e := newTestExecutor(inj, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	results := e.Execute(ctx, []types.Command{cmd(types.Wait, "seconds", 10), cmd(types.PressKey, "key", "a")})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_CommandSemantics(t *testing.T) {
	inj, gate := &fakeInjector{pos: types.Point{X: 1900, Y: 100}}, &fakeGate{}
	e := New(inj, gate, Config{BatchSize: 10, TextGuard: func(s string) bool { return strings.Contains(s, "rm -rf") }}, zap.NewNop(),
		WithCellResolver(fakeCells{7: {X: 300, Y: 400}}),
		WithElementResolver(fakeElements{p: types.Point{X: 5000, Y: 50}}),
	)

	results := e.Execute(context.Background(), []types.Command{
		cmd(types.MoveCursorRelative, "dx", 100, "dy", -20),
		cmd(types.PressHotkey, "keys", []any{"ctrl", "shift", "t"}),
		cmd(types.EnterText, "text", "hello"),
		cmd(types.DragTo, "x", -5, "y", 2000),
		cmd(types.MouseDown),
		cmd(types.MouseUp, "button", "right"),
		cmd(types.MoveCursorToCell, "cell", 7),
		cmd(types.MoveCursorToElement, "name", "OK button"),
	})
	require.Len(t, results, 8)
	for _, r := range results {
		require.True(t, r.Success, r.Message)
	}
	assert.Equal(t, "Moved cursor by offset: 100, -20. New position: 1919, 80", results[0].Message)
	assert.Equal(t, "Pressed hotkey combination: ctrl+shift+t", results[1].Message)
	assert.Equal(t, "Typed text: hello", results[2].Message)
	assert.Equal(t, "Dragged to position: 0, 1079", results[3].Message)
	assert.Equal(t, "Moved cursor to element OK button", results[7].Message)
	assert.Equal(t, []string{
		"move 1919,80",
		"tap t [ctrl shift]",
		"paste hello",
		"drag 0,1079 left 500ms",
		"toggle left down=true",
		"toggle right down=false",
		"move 300,400",
		"move 1919,50",
	}, inj.Calls())

	results = e.Execute(context.Background(), []types.Command{cmd(types.EnterText, "text", "sudo rm -rf /")})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, "rejected")
}

func TestExecute_ObserverSeesEveryResult(t *testing.T) {
	var got []types.CommandResult
	obs := observerFunc(func(r types.CommandResult) { got = append(got, r) })
	e := newTestExecutor(&fakeInjector{}, &fakeGate{}, WithObserver(obs))

	e.Execute(context.Background(), []types.Command{cmd(types.PressKey, "key", "a"), cmd("nope")})
	require.Len(t, got, 2)
	assert.False(t, got[1].Success)
}

type observerFunc func(types.CommandResult)

func (f observerFunc) ObserveCommand(r types.CommandResult) { f(r) }

func TestDispatcher_SubmitAndClose(t *testing.T) {
	inj := &fakeInjector{}
	d := NewDispatcher(newTestExecutor(inj, &fakeGate{}), 4, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := d.Submit(context.Background(), []types.Command{cmd(types.Scroll, "clicks", i)})
			assert.NoError(t, err)
			assert.Len(t, results, 1)
		}(i)
	}
	wg.Wait()
	assert.Len(t, inj.Calls(), 5)

	require.NoError(t, d.Close(time.Second))
	require.NoError(t, d.Close(time.Second), "idempotent")

	_, err := d.Submit(context.Background(), []types.Command{cmd(types.Scroll, "clicks", 1)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcher_CloseTimesOut(t *testing.T) {
	inj := &fakeInjector{entered: make(chan struct{})}
	d := NewDispatcher(newTestExecutor(inj, &fakeGate{}), 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = d.Submit(ctx, []types.Command{cmd(types.EnterText, "text", "slow")})
	}()
	<-inj.entered

	assert.ErrorIs(t, d.Close(10*time.Millisecond), ErrCloseTimeout)
	cancel()
	assert.NoError(t, d.Close(time.Second))
}
