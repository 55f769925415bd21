package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"deskagent/pkg/types"
)

var (
	// ErrUnavailable means audio capture could not be started.
	ErrUnavailable = errors.New("voice input unavailable")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("voice pipeline stopped")
)

// AudioSource delivers mono float32 frames to sink until stopped.
type AudioSource interface {
	Start(sink func(frame []float32)) error
	Stop() error
}

// Transcriber turns a speech segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, seg Segment) (string, error)
}

// Observer receives transcription outcomes. Optional.
type Observer interface {
	ObserveTranscription(outcome string, d time.Duration)
}

// Transcription outcomes reported to the Observer.
const (
	OutcomeDelivered  = "delivered"
	OutcomeEmpty      = "empty"
	OutcomeIgnored    = "ignored"
	OutcomeSuperseded = "superseded"
	OutcomeError      = "error"
)

type Config struct {
	Detector         DetectorConfig
	Workers          int
	Queue            int
	ShutdownTimeout  time.Duration
	IgnoreSubstrings []string
}

// Pipeline runs VAD over an audio source and transcribes finished segments
// on a bounded pool. Only the most recent segment's transcription is kept.
type Pipeline struct {
	cfg         Config
	source      AudioSource
	transcriber Transcriber
	logger      *zap.Logger
	observer    Observer
	callback    func(types.TranscriptionEvent)
	clock       func() time.Time

	detector *Detector
	latest   Latest
	sem      *semaphore.Weighted
	frames   chan []float32
	out      chan types.TranscriptionEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	stopErr  error
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithCallback registers fn to receive every delivered transcription.
func WithCallback(fn func(types.TranscriptionEvent)) Option {
	return func(p *Pipeline) { p.callback = fn }
}

// WithObserver reports transcription outcomes to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithClock overrides the frame timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.clock = now }
}

func NewPipeline(source AudioSource, transcriber Transcriber, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 32
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:         cfg,
		source:      source,
		transcriber: transcriber,
		logger:      logger.Named("voice"),
		clock:       time.Now,
		detector:    NewDetector(cfg.Detector),
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		frames:      make(chan []float32, 64),
		out:         make(chan types.TranscriptionEvent, cfg.Queue),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins audio ingestion. A source failure is reported as ErrUnavailable.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}

	p.wg.Add(1)
	go p.process()

	if err := p.source.Start(p.sink); err != nil {
		p.cancel()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.started = true
	p.logger.Info("Voice input started")
	return nil
}

func (p *Pipeline) sink(frame []float32) {
	buf := append([]float32(nil), frame...)
	select {
	case p.frames <- buf:
	case <-p.ctx.Done():
	default:
		p.logger.Debug("Dropping audio frame, processor is behind")
	}
}

func (p *Pipeline) process() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.frames:
			seg, ok := p.detector.Feed(frame, p.clock())
			if !ok {
				continue
			}
			p.logger.Debug("Speech segment queued", zap.Duration("duration", seg.Duration))
			Normalize(seg.Samples)
			p.submit(seg)
		}
	}
}

// Submit schedules seg for transcription, superseding any unfinished task.
func (p *Pipeline) Submit(seg Segment) {
	Normalize(seg.Samples)
	p.submit(seg)
}

func (p *Pipeline) submit(seg Segment) {
	p.mu.Lock()
	if p.stopped || p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	// Stop clears the slot under p.mu, so a task is never installed after it.
	taskCtx, id := p.latest.Replace(p.ctx)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(taskCtx, 1); err != nil {
			p.latest.Finish(id)
			p.observe(OutcomeSuperseded, 0)
			return
		}
		defer p.sem.Release(1)

		start := time.Now()
		text, err := p.transcriber.Transcribe(taskCtx, seg)
		elapsed := time.Since(start)

		if !p.latest.Finish(id) {
			p.logger.Debug("Discarding superseded transcription")
			p.observe(OutcomeSuperseded, elapsed)
			return
		}
		if err != nil {
			p.logger.Warn("Transcription failed", zap.Error(err))
			p.observe(OutcomeError, elapsed)
			return
		}

		text = strings.TrimSpace(text)
		switch {
		case text == "":
			p.observe(OutcomeEmpty, elapsed)
			return
		case p.ignored(text):
			p.logger.Debug("Ignoring transcription", zap.String("text", text))
			p.observe(OutcomeIgnored, elapsed)
			return
		}

		p.logger.Info("Recognized speech", zap.String("text", text), zap.Duration("took", elapsed))
		p.deliver(types.TranscriptionEvent{Text: text, ProducedAt: p.clock()})
		p.observe(OutcomeDelivered, elapsed)
	}()
}

func (p *Pipeline) ignored(text string) bool {
	for _, s := range p.cfg.IgnoreSubstrings {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func (p *Pipeline) deliver(ev types.TranscriptionEvent) {
	select {
	case p.out <- ev:
	default:
		p.logger.Warn("Transcription queue full, dropping", zap.String("text", ev.Text))
	}
	if p.callback != nil {
		p.callback(ev)
	}
}

func (p *Pipeline) observe(outcome string, d time.Duration) {
	if p.observer != nil {
		p.observer.ObserveTranscription(outcome, d)
	}
}

// Transcriptions is the delivery queue. It is closed after a clean Stop.
func (p *Pipeline) Transcriptions() <-chan types.TranscriptionEvent { return p.out }

// IsProcessing reports whether a transcription is pending or running.
func (p *Pipeline) IsProcessing() bool { return p.latest.Pending() }

// Drain returns every transcription currently queued without blocking.
func (p *Pipeline) Drain() []types.TranscriptionEvent {
	var events []types.TranscriptionEvent
	for {
		select {
		case ev, ok := <-p.out:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

// Poll waits up to window for transcriptions, checking every step. It returns
// as soon as at least one is available.
func (p *Pipeline) Poll(ctx context.Context, window, step time.Duration) []types.TranscriptionEvent {
	if step <= 0 {
		step = 50 * time.Millisecond
	}
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for {
		if events := p.Drain(); len(events) > 0 {
			return events
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return p.Drain()
		case <-ticker.C:
		}
	}
}

// Stop halts ingestion, cancels pending work and waits up to ShutdownTimeout.
// It is safe to call more than once.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		started := p.started
		p.cancel()
		p.latest.Cancel()
		p.mu.Unlock()

		if started {
			if err := p.source.Stop(); err != nil {
				p.logger.Warn("Failed to stop audio source", zap.Error(err))
			}
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		t := time.NewTimer(p.cfg.ShutdownTimeout)
		defer t.Stop()
		select {
		case <-done:
			close(p.out)
			p.logger.Info("Voice input stopped")
		case <-t.C:
			p.stopErr = fmt.Errorf("voice pipeline did not stop within %s", p.cfg.ShutdownTimeout)
			p.logger.Warn("Voice input stop timed out", zap.Duration("timeout", p.cfg.ShutdownTimeout))
		}
	})
	return p.stopErr
}
