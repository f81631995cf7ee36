// Package rtc holds the PCM audio primitives shared by the voice pipeline:
// audio frames, sample-rate conversion, and fixed-duration packetization.
package rtc

import (
	"fmt"
	"time"
)

// AudioFrame is a span of mono 16-bit PCM audio. Frames entering the
// pipeline carry at most 40 ms of audio; frames produced by the ingress
// stage carry at most 20 ms so the VAD stays responsive.
//
// Timestamp is the monotonic capture time of the first sample.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Timestamp  time.Duration
}

// NewAudioFrame validates and builds a frame. It rejects empty frames,
// non-positive rates, and frames longer than 40 ms.
func NewAudioFrame(samples []int16, sampleRate int, ts time.Duration) (AudioFrame, error) {
	if len(samples) == 0 {
		return AudioFrame{}, fmt.Errorf("audio frame has no samples")
	}
	if sampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	f := AudioFrame{Samples: samples, SampleRate: sampleRate, Timestamp: ts}
	if d := f.Duration(); d > 40*time.Millisecond {
		return AudioFrame{}, fmt.Errorf("audio frame too long: %v (max 40ms)", d)
	}
	return f, nil
}

// Duration returns the wall-clock span covered by the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// End returns the capture timestamp just past the last sample.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Clone returns a deep copy; the pipeline hands frames across goroutines
// and stages may reuse sample buffers.
func (f AudioFrame) Clone() AudioFrame {
	samples := make([]int16, len(f.Samples))
	copy(samples, f.Samples)
	return AudioFrame{Samples: samples, SampleRate: f.SampleRate, Timestamp: f.Timestamp}
}

// Bytes encodes the samples as little-endian 16-bit PCM, the wire format
// of every engine the pipeline talks to.
func (f AudioFrame) Bytes() []byte {
	out := make([]byte, 2*len(f.Samples))
	for i, s := range f.Samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// SamplesFromBytes decodes little-endian 16-bit PCM. A trailing odd byte
// is ignored.
func SamplesFromBytes(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// DownmixInterleaved folds interleaved multi-channel PCM to mono by
// averaging channels. channels == 1 returns the input unchanged.
func DownmixInterleaved(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var acc int
		for c := 0; c < channels; c++ {
			acc += int(samples[i*channels+c])
		}
		out[i] = int16(acc / channels)
	}
	return out
}
