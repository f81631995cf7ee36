package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/trinityvoice/agent-go/pkg/rtc"
)

const (
	// speechSampleRate is the rate the VAD and recognizer consume.
	speechSampleRate = 16000
	// ingressFrameDur keeps VAD windows responsive.
	ingressFrameDur = 20 * time.Millisecond
	// ingressQueueDepth bounds each participant's queue at about one
	// second of audio.
	ingressQueueDepth = 50
)

// ingress normalizes one participant's inbound audio: downmix to mono,
// resample to the speech rate, slice into 20 ms frames, and buffer them
// in a bounded queue. On overflow the oldest frames are dropped so the
// pipeline always sees the freshest audio.
type ingress struct {
	mu      sync.Mutex
	srcRate int
	rs      *rtc.LinearResampler
	pk      *rtc.Packetizer
	queue   chan rtc.AudioFrame
	closed  bool
	dropped atomic.Int64
}

func newIngress() *ingress {
	return &ingress{
		pk:    rtc.NewPacketizer(speechSampleRate, ingressFrameDur),
		queue: make(chan rtc.AudioFrame, ingressQueueDepth),
	}
}

// Push normalizes and enqueues one transport frame. Safe to call from the
// transport callback goroutine.
func (in *ingress) Push(samples []int16, sampleRate, channels int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	mono := rtc.DownmixInterleaved(samples, channels)
	if in.rs == nil || in.srcRate != sampleRate {
		in.srcRate = sampleRate
		in.rs = rtc.NewLinearResampler(sampleRate, speechSampleRate)
	}
	for _, frame := range in.pk.Push(in.rs.Resample(mono)) {
		in.enqueue(frame)
	}
}

// enqueue adds a frame, dropping the oldest on overflow. Caller holds
// in.mu.
func (in *ingress) enqueue(frame rtc.AudioFrame) {
	for {
		select {
		case in.queue <- frame:
			return
		default:
		}
		select {
		case <-in.queue:
			in.dropped.Add(1)
		default:
		}
	}
}

// Frames is the consumer side, read by the participant's VAD loop.
func (in *ingress) Frames() <-chan rtc.AudioFrame { return in.queue }

// Dropped reports how many frames overflow discarded.
func (in *ingress) Dropped() int64 { return in.dropped.Load() }

// Close stops accepting audio and closes the frame channel.
func (in *ingress) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.queue)
}
