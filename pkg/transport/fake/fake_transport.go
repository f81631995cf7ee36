// Package fake provides an in-memory MediaTransport for tests.
package fake

import (
	"sync"
	"time"

	"github.com/trinityvoice/agent-go/pkg/transport"
)

// DataMessage records one PublishData call.
type DataMessage struct {
	Topic   string
	Payload []byte
}

// PublishedFrame records one PublishAudioFrame call.
type PublishedFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	At         time.Time
}

// Transport is a scriptable MediaTransport. Tests drive the handler
// directly via Join/Leave/Feed and inspect published output.
type Transport struct {
	mu           sync.Mutex
	handler      transport.Handler
	frames       []PublishedFrame
	data         []DataMessage
	closed       bool
	blockPublish chan struct{}
}

// New creates an idle fake transport.
func New() *Transport {
	return &Transport{}
}

// SetHandler implements MediaTransport.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// SetBlockPublish installs a channel that PublishAudioFrame receives from
// before accepting a frame, to simulate a stalled outbound track. A nil
// channel restores normal publishing.
func (t *Transport) SetBlockPublish(ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockPublish = ch
}

// PublishAudioFrame implements MediaTransport.
func (t *Transport) PublishAudioFrame(samples []int16, sampleRate, channels int) error {
	t.mu.Lock()
	block := t.blockPublish
	t.mu.Unlock()
	if block != nil {
		<-block
	}
	cp := make([]int16, len(samples))
	copy(cp, samples)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, PublishedFrame{
		Samples: cp, SampleRate: sampleRate, Channels: channels, At: time.Now(),
	})
	return nil
}

// PublishData implements MediaTransport.
func (t *Transport) PublishData(topic string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, DataMessage{Topic: topic, Payload: cp})
	return nil
}

// Close implements MediaTransport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Join simulates a participant joining.
func (t *Transport) Join(info transport.ParticipantInfo) {
	t.handlerSnapshot().OnParticipantJoined(info)
}

// Leave simulates a participant leaving.
func (t *Transport) Leave(identity string) {
	t.handlerSnapshot().OnParticipantLeft(identity)
}

// Feed simulates inbound audio for a participant.
func (t *Transport) Feed(identity string, samples []int16, sampleRate, channels int, ts time.Duration) {
	t.handlerSnapshot().OnAudioFrame(identity, samples, sampleRate, channels, ts)
}

// Frames returns a copy of all published audio frames.
func (t *Transport) Frames() []PublishedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PublishedFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

// Data returns a copy of all published data messages.
func (t *Transport) Data() []DataMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DataMessage, len(t.data))
	copy(out, t.data)
	return out
}

// DataOn returns published messages for a single topic.
func (t *Transport) DataOn(topic string) []DataMessage {
	var out []DataMessage
	for _, m := range t.Data() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (t *Transport) handlerSnapshot() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}
