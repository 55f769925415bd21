package statemonitor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"deskagent/pkg/types"
)

// Renderer is notified of AgentState changes. Render must not assume it sees
// every transition; only the latest state is guaranteed to be delivered.
type Renderer interface {
	Render(state types.AgentState)
}

// Monitor is the shared run context: agent state, pause gate and stop signal.
// The loop is the only writer of state; any goroutine may read it, set the
// gate or request a stop.
type Monitor struct {
	state     atomic.Int32
	listening atomic.Bool
	iteration atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	notify   chan struct{}
	logger   *zap.Logger
}

func NewMonitor(logger *zap.Logger) *Monitor {
	m := &Monitor{
		stop:   make(chan struct{}),
		notify: make(chan struct{}, 1),
		logger: logger.Named("monitor"),
	}
	m.state.Store(int32(types.Initializing))
	return m
}

func (m *Monitor) State() types.AgentState { return types.AgentState(m.state.Load()) }

// Publish records state and wakes the renderer without blocking.
func (m *Monitor) Publish(state types.AgentState) {
	if types.AgentState(m.state.Swap(int32(state))) == state {
		return
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// SetIteration records the loop's current iteration for status reports.
func (m *Monitor) SetIteration(n int) { m.iteration.Store(int64(n)) }

func (m *Monitor) Iteration() int { return int(m.iteration.Load()) }

// SetListening sets or clears the pause gate.
func (m *Monitor) SetListening(listening bool) {
	if m.listening.Swap(listening) != listening {
		m.logger.Debug("Pause gate changed", zap.Bool("listening", listening))
	}
}

func (m *Monitor) Listening() bool { return m.listening.Load() }

// Stop sets the stop signal. Safe to call from any goroutine, any number of times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stop requested")
		close(m.stop)
	})
}

// Done is closed once Stop has been called.
func (m *Monitor) Done() <-chan struct{} { return m.stop }

func (m *Monitor) Stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// RunRenderer delivers the latest state to r until ctx ends. The final state
// is rendered before returning.
func (m *Monitor) RunRenderer(ctx context.Context, r Renderer) error {
	r.Render(m.State())
	for {
		select {
		case <-ctx.Done():
			r.Render(m.State())
			return nil
		case <-m.notify:
			r.Render(m.State())
		}
	}
}

// MultiRenderer fans one state out to several renderers.
type MultiRenderer []Renderer

func (rs MultiRenderer) Render(state types.AgentState) {
	for _, r := range rs {
		r.Render(state)
	}
}

// LogRenderer writes state transitions to the log.
type LogRenderer struct {
	logger *zap.Logger
	mu     sync.Mutex
	last   types.AgentState
	seen   bool
}

func NewLogRenderer(logger *zap.Logger) *LogRenderer {
	return &LogRenderer{logger: logger.Named("status")}
}

func (r *LogRenderer) Render(state types.AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen && r.last == state {
		return
	}
	r.seen, r.last = true, state
	r.logger.Info("Agent status", zap.String("state", state.String()))
}

// SystemState is the host load sampled for status reports.
type SystemState struct {
	ProcessCount int     `json:"process_count"`
	CPUUsage     float64 `json:"cpu_usage"`
	MemoryUsage  float64 `json:"memory_usage"`
}

// Status is the point-in-time view served on /status.
type Status struct {
	State     string       `json:"state"`
	Listening bool         `json:"listening"`
	Stopped   bool         `json:"stopped"`
	Iteration int          `json:"iteration"`
	System    *SystemState `json:"system,omitempty"`
}

// Snapshot reports the run state. Host metrics are best effort.
func (m *Monitor) Snapshot(ctx context.Context) Status {
	st := Status{
		State:     m.State().String(),
		Listening: m.Listening(),
		Stopped:   m.Stopped(),
		Iteration: m.Iteration(),
	}
	sys, err := GetCurrentState(ctx)
	if err != nil {
		m.logger.Debug("Failed to sample system state", zap.Error(err))
	} else {
		st.System = sys
	}
	return st
}

func GetCurrentState(ctx context.Context) (*SystemState, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}

	cpuUsages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	var cpuUsage float64
	if len(cpuUsages) > 0 {
		cpuUsage = cpuUsages[0]
	}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	return &SystemState{
		ProcessCount: len(pids),
		CPUUsage:     cpuUsage,
		MemoryUsage:  vmStat.UsedPercent,
	}, nil
}
