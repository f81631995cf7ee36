package agent

import "time"

// TurnState is the turn controller's current phase. Exactly one state is
// active per session.
type TurnState int

const (
	StateIdle TurnState = iota
	StateListening
	StateEndpointing
	StateThinking
	StateSpeaking
	StateInterrupted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateEndpointing:
		return "endpointing"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// SpeakChunk is one synthesis unit of an assistant turn. Indices are
// strictly increasing within a turn; IsFinal marks the last chunk.
type SpeakChunk struct {
	Index   int
	Text    string
	IsFinal bool
}

// event is the controller's inbound message type. Each variant sets Kind
// and the fields that apply; the controller goroutine is the only reader.
type event struct {
	Kind eventKind

	// Participant identity, for VAD and STT events.
	Participant string
	// At is the media timestamp of VAD events.
	At time.Duration

	// Utterance and text, for STT events.
	UtteranceID int64
	Text        string

	// TurnID and result, for pipeline events.
	TurnID int64
	Result *turnResult
}

type eventKind int

const (
	evSpeechStart eventKind = iota
	evSpeechEnd
	evInterim
	evFinal
	evSTTFailed
	evEndpointTimeout
	evBargeInTimeout
	evTurnSpeaking
	evTurnDone
	evParticipantLeft
	evDrain
)

func (k eventKind) String() string {
	switch k {
	case evSpeechStart:
		return "speech_start"
	case evSpeechEnd:
		return "speech_end"
	case evInterim:
		return "interim"
	case evFinal:
		return "final"
	case evSTTFailed:
		return "stt_failed"
	case evEndpointTimeout:
		return "endpoint_timeout"
	case evBargeInTimeout:
		return "barge_in_timeout"
	case evTurnSpeaking:
		return "turn_speaking"
	case evTurnDone:
		return "turn_done"
	case evParticipantLeft:
		return "participant_left"
	case evDrain:
		return "drain"
	default:
		return "unknown"
	}
}
