package rtc

import "time"

// Packetizer slices an incoming PCM stream into fixed-duration frames,
// buffering remainders between pushes. The egress stage uses it to turn
// synthesis chunks into the 20 ms frames the media transport expects.
type Packetizer struct {
	sampleRate int
	frameLen   int
	buf        []int16
	ts         time.Duration
}

// NewPacketizer creates a packetizer emitting frames of frameDur at
// sampleRate Hz.
func NewPacketizer(sampleRate int, frameDur time.Duration) *Packetizer {
	frameLen := int(time.Duration(sampleRate) * frameDur / time.Second)
	return &Packetizer{sampleRate: sampleRate, frameLen: frameLen}
}

// Push appends samples and returns all complete frames now available.
func (p *Packetizer) Push(samples []int16) []AudioFrame {
	p.buf = append(p.buf, samples...)
	var out []AudioFrame
	for len(p.buf) >= p.frameLen {
		frame := make([]int16, p.frameLen)
		copy(frame, p.buf[:p.frameLen])
		p.buf = p.buf[p.frameLen:]
		out = append(out, AudioFrame{Samples: frame, SampleRate: p.sampleRate, Timestamp: p.ts})
		p.ts += time.Duration(p.frameLen) * time.Second / time.Duration(p.sampleRate)
	}
	return out
}

// Flush returns the remaining partial frame, zero-padded to full length,
// or false when nothing is buffered.
func (p *Packetizer) Flush() (AudioFrame, bool) {
	if len(p.buf) == 0 {
		return AudioFrame{}, false
	}
	frame := make([]int16, p.frameLen)
	copy(frame, p.buf)
	p.buf = p.buf[:0]
	f := AudioFrame{Samples: frame, SampleRate: p.sampleRate, Timestamp: p.ts}
	p.ts += time.Duration(p.frameLen) * time.Second / time.Duration(p.sampleRate)
	return f, true
}

// Pending returns the number of buffered samples not yet emitted.
func (p *Packetizer) Pending() int { return len(p.buf) }

// ApplyFadeOut applies a linear fade over the trailing fade duration of
// the frame, used when a turn is cancelled mid-playback to avoid clicks.
func ApplyFadeOut(f AudioFrame, fade time.Duration) AudioFrame {
	n := int(time.Duration(f.SampleRate) * fade / time.Second)
	if n > len(f.Samples) {
		n = len(f.Samples)
	}
	if n == 0 {
		return f
	}
	start := len(f.Samples) - n
	for i := 0; i < n; i++ {
		gain := float64(n-1-i) / float64(n)
		f.Samples[start+i] = int16(float64(f.Samples[start+i]) * gain)
	}
	return f
}
