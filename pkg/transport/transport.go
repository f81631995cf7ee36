// Package transport defines the media transport contract the session
// consumes. The real implementation joins a WebRTC room; tests inject a
// fake. The session never owns room membership, it only reacts to it.
package transport

import "time"

// ParticipantInfo identifies a remote participant.
type ParticipantInfo struct {
	Identity string
	Name     string
	SID      string
	// SIP marks participants bridged from telephony.
	SIP bool
}

// Handler receives transport callbacks. Implementations must not block:
// OnAudioFrame is called from the media read loop.
type Handler interface {
	OnParticipantJoined(info ParticipantInfo)
	OnParticipantLeft(identity string)
	// OnAudioFrame delivers decoded PCM for one participant. samples is
	// interleaved when channels > 1; ts is the monotonic capture time.
	OnAudioFrame(identity string, samples []int16, sampleRate, channels int, ts time.Duration)
}

// MediaTransport is the session's interface to the media server.
type MediaTransport interface {
	// SetHandler registers the callback sink. Must be called before any
	// media flows.
	SetHandler(h Handler)

	// PublishAudioFrame enqueues one PCM frame on the outbound track.
	// It may block briefly when the transport's buffer is full; callers
	// treat sustained blocking as backpressure.
	PublishAudioFrame(samples []int16, sampleRate, channels int) error

	// PublishData sends a payload on a named data-channel topic.
	PublishData(topic string, payload []byte) error

	// Close tears down the connection.
	Close() error
}
