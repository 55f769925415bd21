package voice

import (
	"math"
	"time"
)

// DetectorConfig holds the voice activity thresholds.
type DetectorConfig struct {
	SampleRate int
	Threshold  float64
	Silence    time.Duration
	MaxRecord  time.Duration
	MinSpeech  time.Duration
}

// Segment is one finished span of speech.
type Segment struct {
	Samples    []float32
	SampleRate int
	StartedAt  time.Time
	Duration   time.Duration
}

// Detector is the per-stream Silent/Recording state machine. It is not safe
// for concurrent use; the pipeline feeds it from a single goroutine.
type Detector struct {
	cfg DetectorConfig

	recording  bool
	started    time.Time
	lastSpeech time.Time
	buf        []float32
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Energy is the mean absolute amplitude of frame.
func Energy(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(frame))
}

// Recording reports whether the detector is inside a speech span.
func (d *Detector) Recording() bool { return d.recording }

// Feed processes one frame received at now. It returns a segment when a
// recording ends and lasted at least MinSpeech.
func (d *Detector) Feed(frame []float32, now time.Time) (Segment, bool) {
	if Energy(frame) > d.cfg.Threshold {
		if !d.recording {
			d.recording = true
			d.started = now
			d.buf = d.buf[:0]
		}
		d.lastSpeech = now
	}
	if !d.recording {
		return Segment{}, false
	}

	d.buf = append(d.buf, frame...)

	silence := now.Sub(d.lastSpeech)
	elapsed := now.Sub(d.started)
	if silence < d.cfg.Silence && elapsed < d.cfg.MaxRecord {
		return Segment{}, false
	}

	d.recording = false
	if elapsed < d.cfg.MinSpeech {
		d.buf = d.buf[:0]
		return Segment{}, false
	}
	seg := Segment{
		Samples:    append([]float32(nil), d.buf...),
		SampleRate: d.cfg.SampleRate,
		StartedAt:  d.started,
		Duration:   elapsed,
	}
	d.buf = d.buf[:0]
	return seg, true
}

// Normalize scales samples in place so the peak amplitude is 1.0.
// A silent buffer is left untouched.
func Normalize(samples []float32) {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return
	}
	for i := range samples {
		samples[i] /= peak
	}
}
