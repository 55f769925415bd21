package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures mono float32 frames from the default input device.
type PortAudioSource struct {
	sampleRate int
	block      int

	mu     sync.Mutex
	stream *portaudio.Stream
}

func NewPortAudioSource(sampleRate int, block time.Duration) *PortAudioSource {
	frames := int(float64(sampleRate) * block.Seconds())
	if frames <= 0 {
		frames = sampleRate / 5
	}
	return &PortAudioSource{sampleRate: sampleRate, block: frames}
}

func (s *PortAudioSource) Start(sink func(frame []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(s.sampleRate), s.block, func(in []float32) {
		sink(in)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	stream := s.stream
	s.stream = nil

	var firstErr error
	if err := stream.Stop(); err != nil {
		firstErr = err
	}
	if err := stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
