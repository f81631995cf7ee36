package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/trinityvoice/agent-go/pkg/ai"
	fakellm "github.com/trinityvoice/agent-go/pkg/ai/llm/fake"
	fakestt "github.com/trinityvoice/agent-go/pkg/ai/stt/fake"
	faketts "github.com/trinityvoice/agent-go/pkg/ai/tts/fake"
	"github.com/trinityvoice/agent-go/pkg/transport"
	faketransport "github.com/trinityvoice/agent-go/pkg/transport/fake"
)

// levelScorer is a deterministic VAD classifier: any sample over the
// threshold makes the window speech.
type levelScorer struct{}

func (levelScorer) Score(window []int16) float64 {
	for _, s := range window {
		if s > 2000 || s < -2000 {
			return 1
		}
	}
	return 0
}

// busCollector accumulates telemetry events from a bus subscription.
type busCollector struct {
	mu     sync.Mutex
	events []TelemetryEvent
}

func collectBus(ch <-chan TelemetryEvent) *busCollector {
	c := &busCollector{}
	go func() {
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *busCollector) errorsContaining(sub string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == TelemetryError && strings.Contains(ev.Err, sub) {
			n++
		}
	}
	return n
}

type sessionFixture struct {
	sess *Session
	tr   *faketransport.Transport
	sttc *fakestt.Client
	llmc *fakellm.Client
	ttsc *faketts.Client
	bus  *busCollector
}

func startTestSession(t *testing.T, mutate func(*Config)) *sessionFixture {
	t.Helper()
	is := is.New(t)

	cfg := Config{
		STTURL:           "ws://stt:9090",
		LLMURL:           "http://llm:11434",
		TTSURL:           "http://tts:5000",
		EndpointingDelay: 300 * time.Millisecond,
		STTHangover:      40 * time.Millisecond,
		DrainTimeout:     200 * time.Millisecond,
		STTRetry:         testRetry,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &sessionFixture{
		tr:   faketransport.New(),
		sttc: fakestt.NewClient(),
		llmc: fakellm.NewClient(),
		ttsc: faketts.NewClient(),
	}
	sess, err := NewSession(cfg, Deps{
		STT:       f.sttc,
		LLM:       f.llmc,
		TTS:       f.ttsc,
		Transport: f.tr,
		VADScorer: levelScorer{},
	})
	is.NoErr(err)
	f.sess = sess
	f.bus = collectBus(sess.Bus().Subscribe())

	is.NoErr(sess.Start(context.Background()))
	t.Cleanup(func() { sess.Close() })
	return f
}

// feed pushes ms of 20 ms frames for a participant; amp 0 is silence.
func (f *sessionFixture) feed(identity string, ms int, amp int16) {
	frame := make([]int16, speechSampleRate/50)
	for i := range frame {
		if amp == 0 {
			break
		}
		if i%2 == 0 {
			frame[i] = amp
		} else {
			frame[i] = -amp
		}
	}
	for i := 0; i < ms/20; i++ {
		f.tr.Feed(identity, frame, speechSampleRate, 1, 0)
	}
}

// speakBurst feeds one full utterance worth of audio: enough speech to
// trip the VAD onset and enough silence to trip the offset.
func (f *sessionFixture) speakBurst(identity string) {
	f.feed(identity, 200, 8000)
	f.feed(identity, 400, 0)
}

func (f *sessionFixture) transcripts() []transcriptMessage {
	var out []transcriptMessage
	for _, m := range f.tr.DataOn(TopicTranscripts) {
		var tm transcriptMessage
		if json.Unmarshal(m.Payload, &tm) == nil {
			out = append(out, tm)
		}
	}
	return out
}

func (f *sessionFixture) statuses() []statusMessage {
	var out []statusMessage
	for _, m := range f.tr.DataOn(TopicAgentStatus) {
		var sm statusMessage
		if json.Unmarshal(m.Payload, &sm) == nil {
			out = append(out, sm)
		}
	}
	return out
}

func (f *sessionFixture) hasState(name string) bool {
	for _, s := range f.statuses() {
		if s.State == name {
			return true
		}
	}
	return false
}

// awaitListening waits for the turn to reach listening with the active
// speaker's recognizer stream dialed, since the dial runs in the
// background.
func (f *sessionFixture) awaitListening(t *testing.T) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool {
		return f.hasState("listening") && f.sttc.Last() != nil
	})
}

func (f *sessionFixture) userFinals() []string {
	var out []string
	for _, tm := range f.transcripts() {
		if tm.Speaker == "user" && !tm.Interim {
			out = append(out, tm.Text)
		}
	}
	return out
}

func (f *sessionFixture) assistantTexts() []string {
	var out []string
	for _, tm := range f.transcripts() {
		if tm.Speaker == "assistant" {
			out = append(out, tm.Text)
		}
	}
	return out
}

func join(f *sessionFixture, identity string) {
	f.tr.Join(transport.ParticipantInfo{Identity: identity, SID: "PA_" + identity})
}

func TestSessionGreetsFirstParticipant(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, func(c *Config) {
		c.Greeting = "Hi, how can I help?"
	})

	join(f, "alice")

	waitUntil(t, 2*time.Second, func() bool {
		return len(f.tr.Frames()) > 0 && len(f.assistantTexts()) == 1
	})
	is.Equal(f.assistantTexts()[0], "Hi, how can I help?")

	// Only the first join is greeted.
	join(f, "bob")
	time.Sleep(100 * time.Millisecond)
	is.Equal(len(f.assistantTexts()), 1)
}

func TestSessionConversationRoundTrip(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	join(f, "alice")
	f.speakBurst("alice")

	f.awaitListening(t)
	f.sttc.Last().EmitFinal("What time is it?")

	waitUntil(t, 3*time.Second, func() bool { return len(f.assistantTexts()) == 1 })

	// User final published with participant attribution.
	finals := f.userFinals()
	is.Equal(len(finals), 1)
	is.Equal(finals[0], "What time is it?")
	var userMsg transcriptMessage
	for _, tm := range f.transcripts() {
		if tm.Speaker == "user" && !tm.Interim {
			userMsg = tm
		}
	}
	is.Equal(userMsg.ParticipantIdentity, "alice")
	is.Equal(userMsg.ParticipantSid, "PA_alice")

	// The model saw the preamble and the committed utterance.
	req := f.llmc.LastRequest()
	is.Equal(len(req.Messages), 2)
	is.Equal(string(req.Messages[0].Role), "system")
	is.Equal(req.Messages[1].Content, "What time is it?")

	// Audio went out and the turn walked the full state cycle.
	is.True(len(f.tr.Frames()) > 0)
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("idle") })
	is.True(f.hasState("thinking"))
	is.True(f.hasState("speaking"))

	// The closing idle status carries the latency breakdown.
	waitUntil(t, 2*time.Second, func() bool {
		for _, s := range f.statuses() {
			if s.Latencies != nil {
				return true
			}
		}
		return false
	})
}

func TestSessionInterimTranscriptsPublished(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	join(f, "alice")
	f.feed("alice", 200, 8000)
	f.awaitListening(t)

	f.sttc.Last().EmitInterim("what ti")
	waitUntil(t, 2*time.Second, func() bool {
		for _, tm := range f.transcripts() {
			if tm.Interim && tm.Text == "what ti" {
				return true
			}
		}
		return false
	})
	is.True(len(f.assistantTexts()) == 0) // interims never commit a turn
}

func TestSessionThinkingPauseMergesUtterances(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, func(c *Config) {
		c.EndpointingDelay = 600 * time.Millisecond
	})

	join(f, "alice")
	f.speakBurst("alice")
	f.awaitListening(t)

	// An incomplete final keeps the turn open.
	f.sttc.Last().EmitFinal("I want")
	waitUntil(t, 2*time.Second, func() bool {
		for _, text := range f.userFinals() {
			if text == "I want" {
				return true
			}
		}
		return false
	})

	// The speaker resumes before the endpointing delay expires.
	f.feed("alice", 200, 8000)
	f.sttc.Last().EmitFinal("to book a table.")
	f.feed("alice", 400, 0)

	waitUntil(t, 3*time.Second, func() bool { return len(f.assistantTexts()) == 1 })

	// Both fragments commit as one turn.
	is.Equal(len(f.llmc.Requests()), 1)
	req := f.llmc.LastRequest()
	is.Equal(req.Messages[len(req.Messages)-1].Content, "I want to book a table.")
}

func TestSessionBargeInStopsPlayback(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)
	f.llmc.Reply = strings.Repeat("word ", 100)
	f.llmc.TokenDelay = 20 * time.Millisecond

	join(f, "alice")
	f.speakBurst("alice")
	f.awaitListening(t)
	f.sttc.Last().EmitFinal("Tell me everything.")

	waitUntil(t, 3*time.Second, func() bool { return f.hasState("speaking") })

	// The user talks over the agent.
	f.feed("alice", 200, 8000)
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("interrupted") })
	f.feed("alice", 400, 0)

	// Playback stops: once the cancelled pipeline settles, no more frames.
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("endpointing") })
	time.Sleep(100 * time.Millisecond)
	n := len(f.tr.Frames())
	time.Sleep(300 * time.Millisecond)
	is.Equal(len(f.tr.Frames()), n)

	// Nothing was recognized after the interruption, so no second turn.
	is.Equal(len(f.llmc.Requests()), 1)
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("idle") })
}

func TestSessionRecognitionDropoutRecovers(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	join(f, "alice")
	f.feed("alice", 200, 8000)
	f.awaitListening(t)

	// The recognizer connection drops mid-utterance; continued audio
	// reconnects transparently.
	f.sttc.Last().Fail(ai.Recoverable(errors.New("connection reset")))
	f.feed("alice", 200, 8000)
	waitUntil(t, 2*time.Second, func() bool { return len(f.sttc.Streams()) == 2 })

	f.sttc.Last().EmitFinal("Hello there.")
	f.feed("alice", 400, 0)

	waitUntil(t, 3*time.Second, func() bool { return len(f.assistantTexts()) == 1 })
	is.Equal(len(f.llmc.Requests()), 1)
}

func TestSessionBargeInUnaffectedByColdRecognizer(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)
	f.llmc.Reply = strings.Repeat("word ", 100)
	f.llmc.TokenDelay = 20 * time.Millisecond

	join(f, "alice")
	join(f, "bob")
	f.speakBurst("alice")
	f.awaitListening(t)
	f.sttc.Last().EmitFinal("Tell me everything.")
	waitUntil(t, 3*time.Second, func() bool { return f.hasState("speaking") })

	// Bob interrupts with a cold, slow-to-dial recognizer stream. The
	// interruption must not wait on the dial.
	f.sttc.OpenDelay = time.Second
	f.feed("bob", 200, 8000)
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("interrupted") })
	is.Equal(len(f.sttc.Streams()), 1) // bob's stream is still dialing
}

func TestSessionLateFinalAfterCommitIsDropped(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	join(f, "alice")
	f.speakBurst("alice")
	f.awaitListening(t)
	f.sttc.Last().EmitFinal("What time is it?")
	waitUntil(t, 3*time.Second, func() bool { return len(f.assistantTexts()) == 1 })
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("idle") })

	// A delayed recognizer final for the committed utterance is dropped,
	// not republished as a fresh user transcript.
	f.sttc.Last().EmitFinal("What time is it again?")
	time.Sleep(100 * time.Millisecond)
	is.Equal(len(f.userFinals()), 1)
	is.Equal(len(f.llmc.Requests()), 1)
}

func TestSessionBargeInStallAbandonsTurn(t *testing.T) {
	f := startTestSession(t, func(c *Config) {
		c.BargeInDeadline = 100 * time.Millisecond
	})
	f.llmc.Reply = strings.Repeat("word ", 100)
	f.llmc.TokenDelay = 20 * time.Millisecond

	join(f, "alice")
	f.speakBurst("alice")
	f.awaitListening(t)
	f.sttc.Last().EmitFinal("Tell me everything.")
	waitUntil(t, 3*time.Second, func() bool { return f.hasState("speaking") })

	// The outbound track jams, so the cancelled pipeline cannot confirm
	// the stop. The controller gives up at the deadline and keeps
	// serving the interrupter.
	block := make(chan struct{})
	f.tr.SetBlockPublish(block)
	defer close(block)

	f.feed("alice", 200, 8000)
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("interrupted") })
	f.feed("alice", 400, 0)

	waitUntil(t, 2*time.Second, func() bool {
		return f.bus.errorsContaining("barge-in") > 0
	})
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("endpointing") })
}

func TestSessionBargeInInterruptsApology(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, func(c *Config) {
		c.LLMFirstTokenTimeout = 80 * time.Millisecond
	})
	f.llmc.StallForever = true
	f.ttsc.TTFBDelay = 500 * time.Millisecond

	join(f, "alice")
	f.speakBurst("alice")
	f.awaitListening(t)
	f.sttc.Last().EmitFinal("What's the weather?")

	// The model stalls and the canned apology starts playing.
	waitUntil(t, 3*time.Second, func() bool { return f.hasState("speaking") })

	// Talking over the apology cuts it off like any other playback.
	f.feed("alice", 200, 8000)
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("interrupted") })
	f.feed("alice", 400, 0)

	waitUntil(t, 2*time.Second, func() bool { return f.hasState("endpointing") })
	is.Equal(len(f.tr.Frames()), 0) // synthesis was cancelled before first audio
}

func TestSessionRecognitionFailureAbandonsUtterance(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)
	f.sttc.OpenErr = ai.Recoverable(errors.New("refused"))

	join(f, "alice")
	f.speakBurst("alice")

	waitUntil(t, 2*time.Second, func() bool {
		return f.bus.errorsContaining("stt unavailable") > 0
	})
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("idle") })

	// No model call, no reply.
	is.Equal(len(f.llmc.Requests()), 0)
	is.Equal(len(f.assistantTexts()), 0)
}

func TestSessionModelFailureSpeaksApology(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, func(c *Config) {
		c.LLMFirstTokenTimeout = 80 * time.Millisecond
	})
	f.llmc.StallForever = true

	join(f, "alice")
	f.speakBurst("alice")
	f.awaitListening(t)
	f.sttc.Last().EmitFinal("What's the weather?")

	waitUntil(t, 3*time.Second, func() bool { return len(f.assistantTexts()) == 1 })
	is.Equal(f.assistantTexts()[0], DefaultConfig().FailureReply)

	waitUntil(t, 2*time.Second, func() bool { return len(f.tr.Frames()) > 0 })
	waitUntil(t, 2*time.Second, func() bool { return f.hasState("idle") })
	is.True(f.bus.errorsContaining("llm timeout") > 0)
}

func TestSessionBystanderDoesNotDriveTurn(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	join(f, "alice")
	join(f, "bob")

	// Alice takes the floor first.
	f.feed("alice", 200, 8000)
	f.awaitListening(t)
	aliceStream := f.sttc.Last()

	// Bob talks too; his transcript publishes but the turn stays Alice's.
	f.feed("bob", 200, 8000)
	waitUntil(t, 2*time.Second, func() bool { return len(f.sttc.Streams()) == 2 })
	f.sttc.Last().EmitFinal("Unrelated chatter.")

	aliceStream.EmitFinal("What time is it?")
	f.feed("alice", 400, 0)
	f.feed("bob", 400, 0)

	waitUntil(t, 3*time.Second, func() bool { return len(f.assistantTexts()) == 1 })

	is.Equal(len(f.llmc.Requests()), 1)
	req := f.llmc.LastRequest()
	is.Equal(req.Messages[len(req.Messages)-1].Content, "What time is it?")

	// Bob's words never leak into Alice's committed turn, but his
	// transcript is still published.
	is.True(!strings.Contains(req.Messages[len(req.Messages)-1].Content, "Unrelated"))
	var sawBob bool
	for _, tm := range f.transcripts() {
		if tm.ParticipantIdentity == "bob" && tm.Text == "Unrelated chatter." {
			sawBob = true
		}
	}
	is.True(sawBob)
}

func TestSessionDuplicateFinalsCollapse(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	join(f, "alice")
	f.feed("alice", 200, 8000)
	f.awaitListening(t)

	f.sttc.Last().EmitFinal("Hello there.")
	f.sttc.Last().EmitFinal("Hello there.")
	f.feed("alice", 400, 0)

	waitUntil(t, 3*time.Second, func() bool { return len(f.assistantTexts()) == 1 })

	n := 0
	for _, text := range f.userFinals() {
		if text == "Hello there." {
			n++
		}
	}
	is.Equal(n, 1)

	// The committed turn contains the text once.
	req := f.llmc.LastRequest()
	is.Equal(req.Messages[len(req.Messages)-1].Content, "Hello there.")
}

func TestSessionDrainClosesTransport(t *testing.T) {
	f := startTestSession(t, nil)

	join(f, "alice")
	f.tr.Leave("alice")

	waitUntil(t, 2*time.Second, func() bool { return f.tr.Closed() })
}

func TestSessionRejoinCancelsDrain(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	join(f, "alice")
	f.tr.Leave("alice")
	join(f, "alice")

	time.Sleep(400 * time.Millisecond)
	is.True(!f.tr.Closed())
}

func TestSessionIgnoresUnknownParticipantAudio(t *testing.T) {
	is := is.New(t)
	f := startTestSession(t, nil)

	f.feed("ghost", 200, 8000)
	time.Sleep(50 * time.Millisecond)
	is.Equal(len(f.sttc.Streams()), 0)
}
