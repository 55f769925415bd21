package goalengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"deskagent/pkg/assistant"
	"deskagent/pkg/statemonitor"
	"deskagent/pkg/types"
	"deskagent/pkg/vision"
)

// GenerationErrorText stands in for the reply when the model call fails.
const GenerationErrorText = "Error generating response. Please try again."

// Stop reasons reported in Outcome.
const (
	ReasonStopped       = "stopped"
	ReasonMaxIterations = "max_iterations"
	ReasonVoiceStop     = "voice_stop"
	ReasonError         = "error"
)

type Generator interface {
	Generate(ctx context.Context, messages []types.Message, systemPromptID string) (string, error)
}

type Sensor interface {
	Sense(ctx context.Context) *vision.Entry
}

type ImageEncoder interface {
	ModelJPEG(e *vision.Entry, height int) ([]byte, error)
}

// Runner executes a command batch and hands the results back.
type Runner interface {
	Submit(ctx context.Context, cmds []types.Command) ([]types.CommandResult, error)
	Close(timeout time.Duration) error
}

// Voice is the transcription side of the voice pipeline.
type Voice interface {
	IsProcessing() bool
	Poll(ctx context.Context, window, step time.Duration) []types.TranscriptionEvent
	Stop() error
}

// Prompter supplies manual text input while paused without voice.
type Prompter interface {
	Prompt(ctx context.Context) (string, error)
}

// Journal records the run. Writes are best effort.
type Journal interface {
	StartRun(ctx context.Context, task string) string
	LogIteration(ctx context.Context, runID string, n int, reply, feedback string)
	LogCommandResults(ctx context.Context, runID string, iteration int, results []types.CommandResult)
	FinishRun(ctx context.Context, runID string, iterations int, reason string)
}

type Metrics interface {
	IncIteration()
	ObserveLLM(d time.Duration, err error)
}

// KeyTapper presses the startup hotkey.
type KeyTapper interface {
	KeyTap(key string, modifiers ...string) error
}

type Config struct {
	MaxIterations    int
	HistoryLimit     int
	SystemPrompt     string
	ModelImageHeight int
	IterationDelay   time.Duration
	VoicePollWindow  time.Duration
	VoicePollStep    time.Duration
	ListenDelay      time.Duration
	RecognitionDelay time.Duration
	CleanupTimeout   time.Duration
	StartupHotkey    []string
	StopPhrases      []string
	PausePhrases     []string
	ResumePhrases    []string
}

// Deps are the engine's collaborators. Voice, Prompter, Journal, Metrics and
// Keys are optional.
type Deps struct {
	Monitor  *statemonitor.Monitor
	Sensor   Sensor
	Encoder  ImageEncoder
	LLM      Generator
	Runner   Runner
	Voice    Voice
	Prompter Prompter
	Journal  Journal
	Metrics  Metrics
	Keys     KeyTapper
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID      string
	Iterations int
	Reason     string
}

// Engine drives the sense, ask, act loop for one task.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 15
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = time.Second
	}
	return &Engine{cfg: cfg, deps: deps, logger: logger.Named("engine")}
}

// Run executes task until the iteration budget is spent or a stop is
// requested. Cleanup always runs before Run returns.
func (e *Engine) Run(ctx context.Context, task string) (out Outcome, err error) {
	m := e.deps.Monitor
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if e.deps.Journal != nil {
		out.RunID = e.deps.Journal.StartRun(ctx, task)
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Agent loop panicked", zap.Any("panic", r))
			out.Reason = ReasonError
			err = fmt.Errorf("agent loop panicked: %v", r)
		}
		e.cleanup(out)
	}()

	e.logger.Info("Starting task", zap.String("task", task), zap.Int("max_iterations", e.cfg.MaxIterations))
	e.pressStartupHotkey(ctx)
	m.Publish(types.Running)

	hist := NewHistory(task, e.cfg.HistoryLimit)
	for out.Iterations < e.cfg.MaxIterations {
		if m.Stopped() || ctx.Err() != nil {
			out.Reason = ReasonStopped
			return out, nil
		}

		if e.deps.Voice != nil && e.deps.Voice.IsProcessing() {
			m.Publish(types.RecognizingSpeech)
			_ = sleep(ctx, e.cfg.RecognitionDelay)
			continue
		}

		feedback, stop := e.pollVoice(ctx)
		if stop {
			e.logger.Info("Stop phrase received")
			out.Reason = ReasonVoiceStop
			m.Stop()
			return out, nil
		}

		if m.Listening() && feedback != "" {
			m.SetListening(false)
		}
		if m.Listening() {
			m.Publish(types.AwaitingUser)
			_ = sleep(ctx, e.cfg.ListenDelay)
			if e.deps.Voice != nil || e.deps.Prompter == nil {
				continue
			}
			text, perr := e.deps.Prompter.Prompt(ctx)
			if perr != nil {
				if ctx.Err() == nil {
					e.logger.Warn("Failed to read user prompt", zap.Error(perr))
				}
				continue
			}
			if feedback = strings.TrimSpace(text); feedback == "" {
				continue
			}
			m.SetListening(false)
		}

		e.iterate(ctx, hist, out.RunID, out.Iterations+1, feedback)

		out.Iterations++
		m.SetIteration(out.Iterations)
		if e.deps.Metrics != nil {
			e.deps.Metrics.IncIteration()
		}
		_ = sleep(ctx, e.cfg.IterationDelay)
		if m.Listening() {
			m.Publish(types.AwaitingUser)
		} else {
			m.Publish(types.Running)
		}
	}

	out.Reason = ReasonMaxIterations
	return out, nil
}

// iterate performs one sense, ask and act step.
func (e *Engine) iterate(ctx context.Context, hist *History, runID string, n int, feedback string) {
	log := e.logger.With(zap.Int("iteration", n))
	e.deps.Monitor.Publish(types.Running)

	request := []types.Part{{Text: "Fullscreen screenshot:"}}
	entry := e.deps.Sensor.Sense(ctx)
	if entry == nil || entry.Empty {
		log.Warn("No screenshot available")
	} else if data, err := e.deps.Encoder.ModelJPEG(entry, e.cfg.ModelImageHeight); err != nil {
		log.Warn("Failed to encode screenshot", zap.Error(err))
	} else {
		request = append(request, types.Part{ImageURL: vision.DataURL(data)})
	}

	stored := []types.Part{{Text: ScreenshotPlaceholder}}
	if feedback != "" {
		fb := types.Part{Text: "Voice feedback: " + feedback}
		request = append(request, fb)
		stored = append(stored, fb)
	}

	msgs := hist.Request(request...)
	hist.AppendUser(stored...)

	reply := e.generate(ctx, msgs)
	hist.AppendAssistant(reply)

	cmds, text := assistant.ParseCommands(reply)
	log.Info("Assistant reply", zap.String("text", text), zap.Int("commands", len(cmds)))

	if len(cmds) > 0 {
		e.deps.Monitor.Publish(types.ExecutingCommands)
		results, err := e.deps.Runner.Submit(ctx, cmds)
		if err != nil {
			log.Warn("Command batch not executed", zap.Error(err))
		}
		if len(results) > 0 {
			summary := FormatResults(results)
			log.Info("Command results", zap.String("summary", summary))
			hist.AppendUser(types.Part{Text: summary})
			if e.deps.Journal != nil {
				e.deps.Journal.LogCommandResults(ctx, runID, n, results)
			}
		}
	}

	if e.deps.Journal != nil {
		e.deps.Journal.LogIteration(ctx, runID, n, reply, feedback)
	}
}

func (e *Engine) generate(ctx context.Context, msgs []types.Message) string {
	start := time.Now()
	reply, err := e.deps.LLM.Generate(ctx, msgs, e.cfg.SystemPrompt)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveLLM(time.Since(start), err)
	}
	if err != nil {
		e.logger.Warn("Model call failed", zap.Error(err))
		return GenerationErrorText
	}
	if strings.TrimSpace(reply) == "" {
		return GenerationErrorText
	}
	return reply
}

// pollVoice collects transcriptions for one poll window and applies control
// phrases. stop wins over everything else in the same window.
func (e *Engine) pollVoice(ctx context.Context) (string, bool) {
	if e.deps.Voice == nil {
		return "", false
	}
	events := e.deps.Voice.Poll(ctx, e.cfg.VoicePollWindow, e.cfg.VoicePollStep)
	if len(events) == 0 {
		return "", false
	}

	c := Classify(events, e.cfg.StopPhrases, e.cfg.PausePhrases, e.cfg.ResumePhrases)
	if c.Stop {
		return "", true
	}
	for _, listen := range c.Gate {
		e.deps.Monitor.SetListening(listen)
		if listen {
			e.deps.Monitor.Publish(types.Paused)
		} else {
			e.deps.Monitor.Publish(types.Running)
		}
	}
	if c.Feedback != "" {
		e.logger.Info("Voice feedback", zap.String("text", c.Feedback))
	}
	return c.Feedback, false
}

func (e *Engine) pressStartupHotkey(ctx context.Context) {
	keys := e.cfg.StartupHotkey
	if e.deps.Keys == nil || len(keys) == 0 {
		return
	}
	if err := e.deps.Keys.KeyTap(keys[len(keys)-1], keys[:len(keys)-1]...); err != nil {
		e.logger.Warn("Startup hotkey failed", zap.Strings("keys", keys), zap.Error(err))
		return
	}
	_ = sleep(ctx, e.cfg.IterationDelay)
}

func (e *Engine) cleanup(out Outcome) {
	m := e.deps.Monitor
	m.Publish(types.Stopped)
	m.Stop()

	if e.deps.Voice != nil {
		if err := e.deps.Voice.Stop(); err != nil {
			e.logger.Warn("Voice pipeline did not stop cleanly", zap.Error(err))
		}
	}
	if e.deps.Runner != nil {
		if err := e.deps.Runner.Close(e.cfg.CleanupTimeout); err != nil {
			e.logger.Warn("Command runner did not drain", zap.Error(err))
		}
	}
	if e.deps.Journal != nil {
		e.deps.Journal.FinishRun(context.Background(), out.RunID, out.Iterations, out.Reason)
	}
	e.logger.Info("Agent stopped", zap.Int("iterations", out.Iterations), zap.String("reason", out.Reason))
}

// Classification is the interpretation of one poll window of transcriptions.
type Classification struct {
	Stop bool
	// Gate lists pause (true) and resume (false) actions in arrival order.
	Gate     []bool
	Feedback string
}

// Classify matches transcriptions against the control phrases. Matching is
// case-insensitive on the whole utterance with surrounding punctuation trimmed.
func Classify(events []types.TranscriptionEvent, stop, pause, resume []string) Classification {
	var c Classification
	var feedback []string
	for _, ev := range events {
		text := strings.TrimSpace(ev.Text)
		phrase := normalizePhrase(text)
		switch {
		case phrase == "":
		case matches(phrase, stop):
			c.Stop = true
		case matches(phrase, pause):
			c.Gate = append(c.Gate, true)
		case matches(phrase, resume):
			c.Gate = append(c.Gate, false)
		default:
			feedback = append(feedback, text)
		}
	}
	c.Feedback = strings.Join(feedback, "\n")
	return c
}

func normalizePhrase(s string) string {
	return strings.ToLower(strings.Trim(s, " \t\n.,!?;:…\"'«»"))
}

func matches(phrase string, list []string) bool {
	for _, p := range list {
		if phrase == strings.ToLower(p) {
			return true
		}
	}
	return false
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
