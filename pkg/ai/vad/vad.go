// Package vad implements windowed voice activity detection. A Detector
// consumes PCM frames for one participant, scores fixed-size windows with
// a pluggable classifier, and emits SpeechStart/SpeechEnd events with
// hysteresis so short noise bursts and micro-pauses do not flip state.
package vad

import (
	"time"

	"github.com/trinityvoice/agent-go/pkg/rtc"
)

// EventType discriminates VAD events.
type EventType int

const (
	SpeechStart EventType = iota
	SpeechEnd
)

func (t EventType) String() string {
	if t == SpeechStart {
		return "speech_start"
	}
	return "speech_end"
}

// Event marks a speech boundary. Timestamp is the capture time of the
// window that triggered the transition.
type Event struct {
	Type      EventType
	Timestamp time.Duration
	Score     float64
}

// Scorer classifies one window of 16 kHz mono PCM, returning a speech
// probability in [0, 1].
type Scorer interface {
	Score(window []int16) float64
}

// Config holds detector thresholds.
type Config struct {
	SampleRate          int
	WindowDuration      time.Duration
	ActivationThreshold float64
	// MinSpeechDuration of consecutive speech-scored audio before the
	// silence→speech transition fires.
	MinSpeechDuration time.Duration
	// MinSilenceDuration of consecutive silence before speech→silence.
	MinSilenceDuration time.Duration
}

// DefaultConfig returns the tuned defaults: 30 ms windows at 16 kHz,
// activation 0.45, 100 ms speech onset, 300 ms silence offset.
func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		WindowDuration:      30 * time.Millisecond,
		ActivationThreshold: 0.45,
		MinSpeechDuration:   100 * time.Millisecond,
		MinSilenceDuration:  300 * time.Millisecond,
	}
}

// Detector holds per-participant VAD state. It is push-driven and not
// safe for concurrent use; each participant's ingress loop owns one.
type Detector struct {
	cfg    Config
	scorer Scorer

	windowLen int
	window    []int16
	windowTS  time.Duration
	tsValid   bool

	inSpeech     bool
	speechRun    time.Duration
	silenceRun   time.Duration
	speechStart  time.Duration
	lastWindowTS time.Duration
}

// NewDetector creates a detector. A nil scorer gets the energy scorer.
func NewDetector(cfg Config, scorer Scorer) *Detector {
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	if scorer == nil {
		scorer = NewEnergyScorer()
	}
	windowLen := int(time.Duration(cfg.SampleRate) * cfg.WindowDuration / time.Second)
	return &Detector{
		cfg:       cfg,
		scorer:    scorer,
		windowLen: windowLen,
		window:    make([]int16, 0, windowLen),
	}
}

// InSpeech reports whether the detector currently considers the
// participant to be speaking.
func (d *Detector) InSpeech() bool { return d.inSpeech }

// SpeechStartTime returns the capture timestamp of the current speech
// run's first window. Only meaningful while InSpeech.
func (d *Detector) SpeechStartTime() time.Duration { return d.speechStart }

// Push feeds a frame and returns any boundary events it produced. The
// frame must be mono PCM at the configured sample rate.
func (d *Detector) Push(frame rtc.AudioFrame) []Event {
	var events []Event
	samples := frame.Samples
	ts := frame.Timestamp
	perSample := time.Second / time.Duration(d.cfg.SampleRate)

	for len(samples) > 0 {
		if len(d.window) == 0 {
			d.windowTS = ts
			d.tsValid = true
		}
		n := d.windowLen - len(d.window)
		if n > len(samples) {
			n = len(samples)
		}
		d.window = append(d.window, samples[:n]...)
		samples = samples[n:]
		ts += time.Duration(n) * perSample

		if len(d.window) == d.windowLen {
			if ev, ok := d.classify(d.window, d.windowTS); ok {
				events = append(events, ev)
			}
			d.window = d.window[:0]
		}
	}
	return events
}

// classify scores one full window and advances the hysteresis state.
func (d *Detector) classify(window []int16, ts time.Duration) (Event, bool) {
	score := d.scorer.Score(window)
	d.lastWindowTS = ts
	if score >= d.cfg.ActivationThreshold {
		d.speechRun += d.cfg.WindowDuration
		d.silenceRun = 0
		if !d.inSpeech && d.speechRun >= d.cfg.MinSpeechDuration {
			d.inSpeech = true
			// Backdate the start to the first window of the run.
			d.speechStart = ts - d.speechRun + d.cfg.WindowDuration
			return Event{Type: SpeechStart, Timestamp: d.speechStart, Score: score}, true
		}
	} else {
		d.silenceRun += d.cfg.WindowDuration
		d.speechRun = 0
		if d.inSpeech && d.silenceRun >= d.cfg.MinSilenceDuration {
			d.inSpeech = false
			return Event{Type: SpeechEnd, Timestamp: ts + d.cfg.WindowDuration, Score: score}, true
		}
	}
	return Event{}, false
}
