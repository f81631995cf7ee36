// Package agent implements the per-session voice pipeline: audio ingress
// and VAD per participant, streaming recognition, a turn-taking state
// machine, streamed generation chunked into incremental synthesis, and
// playback with barge-in. One Session serves one room.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai/llm"
	"github.com/trinityvoice/agent-go/pkg/ai/stt"
	"github.com/trinityvoice/agent-go/pkg/ai/tts"
	"github.com/trinityvoice/agent-go/pkg/ai/vad"
	"github.com/trinityvoice/agent-go/pkg/transport"
	"github.com/trinityvoice/agent-go/pkg/turndetect"
)

// Deps are the injected collaborators of a Session.
type Deps struct {
	STT       stt.Client
	LLM       llm.Client
	TTS       tts.Client
	Transport transport.MediaTransport

	// TurnDetector is optional; nil gets the punctuation heuristic.
	TurnDetector turndetect.Predictor
	// VADScorer is optional; nil gets the energy scorer.
	VADScorer vad.Scorer
	// Logger is optional; nil gets slog.Default.
	Logger *slog.Logger
	// Bus is optional; nil gets a fresh bus.
	Bus *Bus
}

// participant is one human audio source and its pipeline resources.
type participant struct {
	info   transport.ParticipantInfo
	in     *ingress
	link   *sttLink
	cancel context.CancelFunc
}

// Session supervises one room's voice pipeline. It owns every goroutine
// it starts and tears all of them down through a single root context.
type Session struct {
	cfg    Config
	deps   Deps
	bus    *Bus
	tel    *telemetry
	ctrl   *controller
	spk    *speaker
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	participants map[string]*participant
	unknownDrops int64
	drainCancel  context.CancelFunc
	started      bool
	closed       bool
}

// NewSession validates cfg and wires the pipeline. Start must be called
// before the transport delivers any callbacks.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil || deps.Transport == nil {
		return nil, fmt.Errorf("session: stt, llm, tts, and transport are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = NewBus()
	}
	if deps.TurnDetector == nil {
		deps.TurnDetector = &turndetect.Heuristic{CompletionTokens: cfg.CompletionTokens}
	}

	s := &Session{
		cfg:          cfg,
		deps:         deps,
		bus:          deps.Bus,
		logger:       deps.Logger,
		participants: make(map[string]*participant),
	}
	s.tel = newTelemetry(s.bus, deps.Transport, s.logger)
	s.spk = &speaker{
		tts:         deps.TTS,
		mt:          deps.Transport,
		voice:       cfg.TTSVoice,
		synthRate:   cfg.TTSSampleRate,
		publishRate: cfg.PublishSampleRate,
		ttfbTimeout: cfg.TTSFirstByteTimeout,
		logger:      s.logger,
		onStall:     func(err error) { s.tel.Error(0, err) },
	}
	gen := &generator{
		client:            deps.LLM,
		model:             cfg.LLMModel,
		temperature:       cfg.LLMTemperature,
		firstTokenTimeout: cfg.LLMFirstTokenTimeout,
		totalTimeout:      cfg.LLMTotalTimeout,
		logger:            s.logger,
	}
	dlg := NewDialogue(cfg.SystemPreamble, cfg.DialogueMaxTurns, cfg.DialogueMaxChars)
	s.ctrl = newController(cfg, dlg, s.tel, deps.TurnDetector, gen, s.spk, s.sidOf, s.logger)
	return s, nil
}

// Bus exposes the telemetry fan-out for observers.
func (s *Session) Bus() *Bus { return s.bus }

// Start registers transport callbacks and launches the controller.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("session: already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.deps.Transport.SetHandler(s)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ctrl.run(s.ctx)
	}()
	s.tel.State(StateIdle, 0, nil)
	s.logger.Info("session started")
	return nil
}

// Close cancels everything, waits for the pipeline goroutines, and closes
// the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, p := range s.participants {
		p.cancel()
		p.in.Close()
	}
	s.participants = make(map[string]*participant)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	err := s.deps.Transport.Close()
	s.logger.Info("session closed")
	return err
}

// Say synthesizes and publishes text outside the turn cycle, for the
// greeting and other scripted lines. Blocks until playback ends.
func (s *Session) Say(ctx context.Context, text string) {
	if text == "" {
		return
	}
	chunks := make(chan SpeakChunk, 1)
	chunks <- SpeakChunk{Index: 0, Text: text, IsFinal: true}
	close(chunks)
	res := s.spk.Speak(ctx, chunks, nil)
	if res.err == nil {
		s.tel.Transcript("assistant", agentIdentity, "", text, false)
	}
}

// OnParticipantJoined implements transport.Handler.
func (s *Session) OnParticipantJoined(info transport.ParticipantInfo) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.participants[info.Identity]; ok {
		s.mu.Unlock()
		return
	}
	if s.drainCancel != nil {
		s.drainCancel()
		s.drainCancel = nil
	}
	pctx, cancel := context.WithCancel(s.ctx)
	p := &participant{
		info:   info,
		in:     newIngress(),
		cancel: cancel,
	}
	p.link = newSTTLink(s.deps.STT, stt.StreamConfig{
		Language:   s.cfg.STTLanguage,
		Model:      s.cfg.STTModel,
		SampleRate: speechSampleRate,
	}, s.cfg.STTRetry, s.cfg.STTIdleTimeout, info.Identity, s.ctrl.post, s.logger)
	s.participants[info.Identity] = p
	first := len(s.participants) == 1
	s.mu.Unlock()

	s.logger.Info("participant joined",
		slog.String("identity", info.Identity),
		slog.Bool("sip", info.SIP))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runParticipant(pctx, p)
	}()

	if first && s.cfg.Greeting != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Say(pctx, s.cfg.Greeting)
		}()
	}
}

// OnParticipantLeft implements transport.Handler.
func (s *Session) OnParticipantLeft(identity string) {
	s.mu.Lock()
	p, ok := s.participants[identity]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.participants, identity)
	empty := len(s.participants) == 0
	s.mu.Unlock()

	s.logger.Info("participant left", slog.String("identity", identity))
	p.cancel()
	p.in.Close()
	s.ctrl.post(event{Kind: evParticipantLeft, Participant: identity})

	if empty {
		s.beginDrain()
	}
}

// OnAudioFrame implements transport.Handler.
func (s *Session) OnAudioFrame(identity string, samples []int16, sampleRate, channels int, ts time.Duration) {
	s.mu.Lock()
	p, ok := s.participants[identity]
	if !ok {
		s.unknownDrops++
		n := s.unknownDrops
		s.mu.Unlock()
		if n == 1 || n%100 == 0 {
			s.logger.Warn("audio for unknown participant",
				slog.String("identity", identity),
				slog.Int64("dropped", n))
		}
		return
	}
	s.mu.Unlock()
	p.in.Push(samples, sampleRate, channels)
}

// beginDrain stops new turns and closes the session once the current turn
// finishes or the drain deadline passes.
func (s *Session) beginDrain() {
	s.ctrl.post(event{Kind: evDrain})
	dctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.drainCancel = cancel
	s.mu.Unlock()

	s.logger.Info("room empty, draining", slog.Duration("timeout", s.cfg.DrainTimeout))
	go func() {
		t := time.NewTimer(s.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-dctx.Done():
			// A participant rejoined; drain aborted.
		case <-t.C:
			s.Close()
		}
	}()
}

// runParticipant is the per-participant pipeline loop: VAD over ingress
// frames, gated forwarding to recognition with a hangover window, and
// boundary events to the controller.
func (s *Session) runParticipant(ctx context.Context, p *participant) {
	defer p.link.Close()

	detector := vad.NewDetector(vad.Config{
		SampleRate:          speechSampleRate,
		WindowDuration:      30 * time.Millisecond,
		ActivationThreshold: s.cfg.VADActivationThreshold,
		MinSpeechDuration:   s.cfg.VADMinSpeech,
		MinSilenceDuration:  s.cfg.VADMinSilence,
	}, s.deps.VADScorer)

	var (
		forwarding   bool
		hangoverEnd  time.Time
		flushPending bool
		sttDown      bool
	)

	idle := time.NewTicker(5 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-idle.C:
			p.link.MaybeCloseIdle(time.Now())

		case frame, ok := <-p.in.Frames():
			if !ok {
				return
			}
			now := time.Now()
			for _, ev := range detector.Push(frame) {
				switch ev.Type {
				case vad.SpeechStart:
					forwarding = true
					flushPending = false
					sttDown = false
					// The dial runs in the background, so the boundary
					// event reaches the controller regardless of how long
					// the recognizer takes to come up.
					s.ctrl.post(event{
						Kind:        evSpeechStart,
						Participant: p.info.Identity,
						UtteranceID: p.link.BeginUtterance(ctx),
						At:          ev.Timestamp,
					})
				case vad.SpeechEnd:
					forwarding = false
					hangoverEnd = now.Add(s.cfg.STTHangover)
					flushPending = !sttDown
					s.ctrl.post(event{
						Kind:        evSpeechEnd,
						Participant: p.info.Identity,
						At:          ev.Timestamp,
					})
				}
			}

			inHangover := now.Before(hangoverEnd)
			if (forwarding || inHangover) && !sttDown {
				if err := p.link.Send(ctx, frame); err != nil {
					if ctx.Err() != nil {
						return
					}
					sttDown = true
					forwarding = false
					flushPending = false
					s.ctrl.post(event{Kind: evSTTFailed, Participant: p.info.Identity})
				}
			} else if flushPending && !inHangover {
				flushPending = false
				p.link.Flush()
			}
		}
	}
}

// sidOf resolves a participant identity to its transport SID for
// transcript payloads.
func (s *Session) sidOf(identity string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[identity]; ok {
		return p.info.SID
	}
	return ""
}

var _ transport.Handler = (*Session)(nil)
