package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/stt"
	fakestt "github.com/trinityvoice/agent-go/pkg/ai/stt/fake"
	"github.com/trinityvoice/agent-go/pkg/rtc"
)

// testRetry keeps reconnect loops fast in tests.
var testRetry = ai.RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  time.Millisecond,
	MaxDelay:      5 * time.Millisecond,
	BackoffFactor: 2.0,
}

// eventSink collects controller events posted by pipeline components.
type eventSink struct {
	mu     sync.Mutex
	events []event
}

func (s *eventSink) post(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) byKind(k eventKind) []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event
	for _, ev := range s.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// waitUntil polls cond until it holds or the timeout expires.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func speechFrame() rtc.AudioFrame {
	return rtc.AudioFrame{
		Samples:    make([]int16, speechSampleRate/50),
		SampleRate: speechSampleRate,
	}
}

func newTestLink(client *fakestt.Client, sink *eventSink) *sttLink {
	return newSTTLink(client, stt.StreamConfig{Language: "en", Model: "small", SampleRate: speechSampleRate}, testRetry,
		30*time.Second, "alice", sink.post, slog.Default())
}

func TestSTTLinkTranslatesEvents(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	sink := &eventSink{}
	link := newTestLink(client, sink)
	defer link.Close()

	uid := link.BeginUtterance(context.Background())
	is.Equal(uid, int64(1))

	waitUntil(t, time.Second, func() bool { return client.Last() != nil })
	stream := client.Last()
	stream.EmitInterim("hel")
	stream.EmitFinal("Hello there.")

	waitUntil(t, time.Second, func() bool { return len(sink.byKind(evFinal)) == 1 })

	interims := sink.byKind(evInterim)
	is.Equal(len(interims), 1)
	is.Equal(interims[0].Text, "hel")
	is.Equal(interims[0].UtteranceID, int64(1))
	is.Equal(interims[0].Participant, "alice")

	finals := sink.byKind(evFinal)
	is.Equal(finals[0].Text, "Hello there.")
}

func TestSTTLinkDeduplicatesFinals(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	sink := &eventSink{}
	link := newTestLink(client, sink)
	defer link.Close()

	link.BeginUtterance(context.Background())
	waitUntil(t, time.Second, func() bool { return client.Last() != nil })

	stream := client.Last()
	stream.EmitFinal("Hello there.")
	stream.EmitFinal("Hello there.")
	stream.EmitFinal("And more.")

	waitUntil(t, time.Second, func() bool { return len(sink.byKind(evFinal)) >= 2 })
	time.Sleep(20 * time.Millisecond)
	is.Equal(len(sink.byKind(evFinal)), 2)
}

func TestSTTLinkReusesWarmStream(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	sink := &eventSink{}
	link := newTestLink(client, sink)
	defer link.Close()

	uid1 := link.BeginUtterance(context.Background())
	waitUntil(t, time.Second, func() bool { return client.Last() != nil })
	uid2 := link.BeginUtterance(context.Background())

	is.True(uid2 > uid1)
	time.Sleep(20 * time.Millisecond)
	is.Equal(len(client.Streams()), 1)

	// Dedup state resets per utterance: the same text is fresh again.
	stream := client.Last()
	stream.EmitFinal("Hello there.")
	waitUntil(t, time.Second, func() bool { return len(sink.byKind(evFinal)) == 1 })
	is.Equal(sink.byKind(evFinal)[0].UtteranceID, uid2)
}

func TestSTTLinkReconnectsOnSendFailure(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	sink := &eventSink{}
	link := newTestLink(client, sink)
	defer link.Close()

	link.BeginUtterance(context.Background())
	waitUntil(t, time.Second, func() bool { return client.Last() != nil })
	is.NoErr(link.Send(context.Background(), speechFrame()))

	client.Last().Fail(ai.Recoverable(errors.New("connection reset")))

	// The next send redials in the background and replays the frame.
	is.NoErr(link.Send(context.Background(), speechFrame()))
	waitUntil(t, time.Second, func() bool { return len(client.Streams()) == 2 })
	waitUntil(t, time.Second, func() bool {
		return client.Last().SentSamples() == speechSampleRate/50
	})
}

func TestSTTLinkBuffersAudioWhileDialing(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	client.FailOpens = 1
	sink := &eventSink{}
	link := newTestLink(client, sink)
	defer link.Close()

	link.BeginUtterance(context.Background())
	for i := 0; i < 3; i++ {
		is.NoErr(link.Send(context.Background(), speechFrame()))
	}
	link.Flush()

	// The retry succeeds and the buffered audio plus the deferred flush
	// reach the fresh stream.
	waitUntil(t, time.Second, func() bool {
		s := client.Last()
		return s != nil && s.SentSamples() == 3*speechSampleRate/50 && s.Flushed()
	})
	is.Equal(client.Opens(), 2)
}

func TestSTTLinkRetriesExhaust(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	client.OpenErr = ai.Recoverable(errors.New("refused"))
	sink := &eventSink{}
	link := newTestLink(client, sink)
	defer link.Close()

	link.BeginUtterance(context.Background())
	waitUntil(t, time.Second, func() bool { return len(sink.byKind(evSTTFailed)) == 1 })
	is.Equal(client.Opens(), testRetry.MaxAttempts)
	is.True(errors.Is(link.Send(context.Background(), speechFrame()), ErrSTTUnavailable))
}

func TestSTTLinkFatalOpenDoesNotRetry(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	client.OpenErr = ai.Fatal(errors.New("bad config"))
	sink := &eventSink{}
	link := newTestLink(client, sink)
	defer link.Close()

	link.BeginUtterance(context.Background())
	waitUntil(t, time.Second, func() bool { return len(sink.byKind(evSTTFailed)) == 1 })
	is.Equal(client.Opens(), 1)
}

func TestSTTLinkClosesIdleStream(t *testing.T) {
	is := is.New(t)
	client := fakestt.NewClient()
	sink := &eventSink{}
	link := newSTTLink(client, stt.StreamConfig{Language: "en", Model: "small", SampleRate: speechSampleRate}, testRetry,
		10*time.Millisecond, "alice", sink.post, slog.Default())
	defer link.Close()

	link.BeginUtterance(context.Background())
	waitUntil(t, time.Second, func() bool { return client.Last() != nil })

	link.MaybeCloseIdle(time.Now().Add(time.Second))
	is.True(client.Last().Closed())

	// The next utterance dials a fresh stream.
	link.BeginUtterance(context.Background())
	waitUntil(t, time.Second, func() bool { return len(client.Streams()) == 2 })
}
