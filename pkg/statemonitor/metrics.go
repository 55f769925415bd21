package statemonitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"deskagent/pkg/types"
)

// Metrics exposes Prometheus collectors for agent activity. It satisfies the
// observer interfaces of the cache, executor and voice pipeline.
type Metrics struct {
	iterations     prometheus.Counter
	commands       *prometheus.CounterVec
	llmLatency     *prometheus.HistogramVec
	transcriptions *prometheus.CounterVec
	transcribeTime prometheus.Histogram
	captures       *prometheus.CounterVec
	captureTime    prometheus.Histogram
	state          prometheus.Gauge
}

// MustNewMetrics registers the collectors on reg and panics on a conflict.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deskagent",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Completed agent loop iterations.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskagent",
			Subsystem: "executor",
			Name:      "commands_total",
			Help:      "Executed commands by name and outcome.",
		}, []string{"command", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deskagent",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Language model request latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"status"}),
		transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskagent",
			Subsystem: "voice",
			Name:      "transcriptions_total",
			Help:      "Transcription tasks by outcome.",
		}, []string{"outcome"}),
		transcribeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deskagent",
			Subsystem: "voice",
			Name:      "transcription_duration_seconds",
			Help:      "Time spent in the transcriber.",
			Buckets:   prometheus.DefBuckets,
		}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskagent",
			Subsystem: "sensing",
			Name:      "captures_total",
			Help:      "Screen captures by outcome.",
		}, []string{"status"}),
		captureTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deskagent",
			Subsystem: "sensing",
			Name:      "capture_duration_seconds",
			Help:      "Screen capture latency.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskagent",
			Name:      "agent_state",
			Help:      "Current AgentState as its numeric value.",
		}),
	}
	reg.MustRegister(m.iterations, m.commands, m.llmLatency, m.transcriptions,
		m.transcribeTime, m.captures, m.captureTime, m.state)
	return m
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) IncIteration() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

func (m *Metrics) ObserveCommand(result types.CommandResult) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result.Command.Name, status(result.Success)).Inc()
}

func (m *Metrics) ObserveLLM(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmLatency.WithLabelValues(status(err == nil)).Observe(d.Seconds())
}

func (m *Metrics) ObserveTranscription(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transcriptions.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.transcribeTime.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveCapture(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(status(err == nil)).Inc()
	m.captureTime.Observe(d.Seconds())
}

// Render records the state gauge, so Metrics can also act as a Renderer.
func (m *Metrics) Render(state types.AgentState) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}
