package agent

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/trinityvoice/agent-go/pkg/transport"
)

// Data-channel topics for UI consumption.
const (
	TopicTranscripts = "transcripts"
	TopicAgentStatus = "agent_status"
)

// TurnLatencies is the per-turn latency breakdown in milliseconds.
type TurnLatencies struct {
	STTMs      int64 `json:"stt_ms"`
	LLMTTFTMs  int64 `json:"llm_ttft_ms"`
	LLMTotalMs int64 `json:"llm_total_ms"`
	TTSTTFBMs  int64 `json:"tts_ttfb_ms"`
	E2EMs      int64 `json:"e2e_ms"`
}

// TelemetryKind discriminates telemetry events.
type TelemetryKind string

const (
	TelemetryState      TelemetryKind = "state"
	TelemetryTranscript TelemetryKind = "transcript"
	TelemetryLatency    TelemetryKind = "latency"
	TelemetryError      TelemetryKind = "error"
)

// TelemetryEvent is one out-of-band observation from the session.
type TelemetryEvent struct {
	Kind TelemetryKind
	At   time.Time

	// State transition fields.
	State  TurnState
	TurnID int64

	// Transcript fields.
	Speaker     string // "user" or "assistant"
	Participant string
	SID         string
	Text        string
	Interim     bool

	// Latency fields.
	Latencies TurnLatencies

	// Error fields.
	Err string
}

// Bus fans telemetry out to subscribers. Slow subscribers lose events
// rather than stall the pipeline.
type Bus struct {
	mu   sync.Mutex
	subs []chan TelemetryEvent
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber channel.
func (b *Bus) Subscribe() <-chan TelemetryEvent {
	ch := make(chan TelemetryEvent, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to all subscribers, dropping on full buffers.
func (b *Bus) Publish(ev TelemetryEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// transcriptMessage is the wire payload on the transcripts topic.
type transcriptMessage struct {
	Type                string `json:"type"`
	Speaker             string `json:"speaker"`
	ParticipantIdentity string `json:"participantIdentity"`
	ParticipantSid      string `json:"participantSid,omitempty"`
	Text                string `json:"text"`
	Timestamp           int64  `json:"timestamp"`
	Interim             bool   `json:"interim,omitempty"`
}

// statusMessage is the wire payload on the agent_status topic.
type statusMessage struct {
	State     string         `json:"state"`
	TurnID    int64          `json:"turn_id,omitempty"`
	Latencies *TurnLatencies `json:"latencies,omitempty"`
}

// telemetry couples the in-session bus with data-channel publication.
type telemetry struct {
	bus    *Bus
	mt     transport.MediaTransport
	logger *slog.Logger
}

func newTelemetry(bus *Bus, mt transport.MediaTransport, logger *slog.Logger) *telemetry {
	return &telemetry{bus: bus, mt: mt, logger: logger}
}

// Transcript publishes a transcript both on the bus and the data channel.
func (t *telemetry) Transcript(speaker, identity, sid, text string, interim bool) {
	t.bus.Publish(TelemetryEvent{
		Kind:        TelemetryTranscript,
		Speaker:     speaker,
		Participant: identity,
		SID:         sid,
		Text:        text,
		Interim:     interim,
	})
	payload, err := json.Marshal(transcriptMessage{
		Type:                "transcript",
		Speaker:             speaker,
		ParticipantIdentity: identity,
		ParticipantSid:      sid,
		Text:                text,
		Timestamp:           time.Now().UnixMilli(),
		Interim:             interim,
	})
	if err != nil {
		return
	}
	if err := t.mt.PublishData(TopicTranscripts, payload); err != nil {
		t.logger.Warn("transcript publish failed", slog.String("error", err.Error()))
	}
}

// State publishes a state transition, with latencies when the turn has a
// completed breakdown.
func (t *telemetry) State(state TurnState, turnID int64, lat *TurnLatencies) {
	t.bus.Publish(TelemetryEvent{Kind: TelemetryState, State: state, TurnID: turnID})
	if lat != nil {
		t.bus.Publish(TelemetryEvent{Kind: TelemetryLatency, TurnID: turnID, Latencies: *lat})
	}

	payload, err := json.Marshal(statusMessage{
		State:     state.String(),
		TurnID:    turnID,
		Latencies: lat,
	})
	if err != nil {
		return
	}
	if err := t.mt.PublishData(TopicAgentStatus, payload); err != nil {
		t.logger.Warn("status publish failed", slog.String("error", err.Error()))
	}
}

// Error publishes a non-fatal pipeline error.
func (t *telemetry) Error(turnID int64, err error) {
	t.bus.Publish(TelemetryEvent{Kind: TelemetryError, TurnID: turnID, Err: err.Error()})
}
