package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai/llm"
	"github.com/trinityvoice/agent-go/pkg/turndetect"
)

// agentIdentity labels assistant transcripts on the data channel.
const agentIdentity = "agent"

// ErrBargeInStalled marks a turn whose playback failed to stop within the
// barge-in deadline; the controller abandons it and moves on.
var ErrBargeInStalled = errors.New("barge-in playback stall")

// turnResult is what a finished generator+speaker pipeline reports back
// to the controller.
type turnResult struct {
	gen       generatorResult
	spk       speakResult
	sttMs     time.Duration
	speechEnd time.Time
}

// controller is the turn-taking state machine. It runs as a single
// goroutine consuming a serialized event queue, so state transitions are
// totally ordered. It is the only component allowed to start or cancel a
// response turn.
type controller struct {
	cfg    Config
	dlg    *Dialogue
	tel    *telemetry
	detect turndetect.Predictor
	gen    *generator
	spk    *speaker
	logger *slog.Logger
	sidOf  func(identity string) string

	events chan event
	runCtx context.Context

	state TurnState

	// Active utterance. accepted holds the utterance ids merged into the
	// current logical utterance; a resume after a thinking pause starts a
	// new recognizer utterance that still belongs to the same turn.
	active      string
	accepted    map[int64]bool
	finals      []string
	interim     string
	speechEndAt time.Time
	lastFinalAt time.Time

	// retired records, per participant, the highest utterance id already
	// committed or cancelled. Finals for retired ids are dropped rather
	// than republished.
	retired map[string]int64

	endpointTimer *time.Timer

	// Active turn pipeline.
	turnSeq    int64
	turnID     int64
	turnCancel context.CancelFunc
	// apologizing marks a pipeline that is speaking the canned failure
	// reply rather than generated text.
	apologizing bool

	// Barge-in bookkeeping while the cancelled pipeline winds down.
	pendingSpeechEnd bool
	bargeTimer       *time.Timer
	// abandonedID is a turn forced closed at the barge-in deadline; its
	// eventual completion report is absorbed without touching state.
	abandonedID int64

	draining bool
}

func newController(cfg Config, dlg *Dialogue, tel *telemetry, detect turndetect.Predictor,
	gen *generator, spk *speaker, sidOf func(string) string, logger *slog.Logger) *controller {
	return &controller{
		cfg:      cfg,
		dlg:      dlg,
		tel:      tel,
		detect:   detect,
		gen:      gen,
		spk:      spk,
		logger:   logger,
		sidOf:    sidOf,
		events:   make(chan event, 256),
		accepted: make(map[int64]bool),
		retired:  make(map[string]int64),
	}
}

// post enqueues an event from any goroutine.
func (c *controller) post(ev event) {
	c.events <- ev
}

// run consumes events until ctx is cancelled. All state lives on this
// goroutine.
func (c *controller) run(ctx context.Context) {
	c.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			c.stopEndpointTimer()
			c.stopBargeTimer()
			if c.turnCancel != nil {
				c.turnCancel()
			}
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *controller) handle(ctx context.Context, ev event) {
	switch ev.Kind {
	case evSpeechStart:
		c.onSpeechStart(ev)
	case evSpeechEnd:
		c.onSpeechEnd(ev)
	case evInterim:
		c.onInterim(ev)
	case evFinal:
		c.onFinal(ctx, ev)
	case evSTTFailed:
		c.onSTTFailed(ev)
	case evEndpointTimeout:
		c.onEndpointTimeout(ctx, ev)
	case evBargeInTimeout:
		c.onBargeInTimeout(ev)
	case evTurnSpeaking:
		c.onTurnSpeaking(ev)
	case evTurnDone:
		c.onTurnDone(ctx, ev)
	case evParticipantLeft:
		c.onParticipantLeft(ev)
	case evDrain:
		c.draining = true
	}
}

func (c *controller) onSpeechStart(ev event) {
	switch c.state {
	case StateIdle:
		if c.draining {
			return
		}
		c.openUtterance(ev.Participant, ev.UtteranceID)
		c.setState(StateListening)

	case StateEndpointing:
		if ev.Participant != c.active {
			return
		}
		// Thinking pause: same speaker resumed, same logical utterance.
		c.stopEndpointTimer()
		c.accepted[ev.UtteranceID] = true
		c.setState(StateListening)

	case StateSpeaking:
		// Barge-in from any participant. The interrupter owns the next
		// utterance; the cancelled pipeline reports back via evTurnDone.
		c.logger.Info("barge-in",
			slog.String("participant", ev.Participant),
			slog.Int64("turn_id", c.turnID))
		c.openUtterance(ev.Participant, ev.UtteranceID)
		c.pendingSpeechEnd = false
		c.setState(StateInterrupted)
		if c.turnCancel != nil {
			c.turnCancel()
		}
		c.startBargeTimer(c.turnID)
	}
}

func (c *controller) onSpeechEnd(ev event) {
	if ev.Participant != c.active {
		return
	}
	switch c.state {
	case StateListening:
		c.speechEndAt = time.Now()
		c.setState(StateEndpointing)
		c.startEndpointTimer(c.currentUtteranceID())
		// The VAD's min-silence window has already elapsed, so a complete
		// final can commit immediately.
		if t := c.utteranceText(); t != "" && c.complete(t) {
			c.commit()
		}
	case StateInterrupted:
		c.pendingSpeechEnd = true
	}
}

func (c *controller) onInterim(ev event) {
	c.tel.Transcript("user", ev.Participant, c.sidOf(ev.Participant), ev.Text, true)
	if ev.Participant == c.active && c.accepted[ev.UtteranceID] {
		c.interim = ev.Text
	}
}

func (c *controller) onFinal(ctx context.Context, ev event) {
	stale := ev.UtteranceID <= c.retired[ev.Participant]
	if !stale && ev.Participant == c.active && !c.accepted[ev.UtteranceID] {
		stale = true
	}
	if stale {
		// The utterance this final belongs to was already committed or
		// cancelled.
		c.logger.Warn("dropping stale final",
			slog.String("participant", ev.Participant),
			slog.Int64("utterance", ev.UtteranceID),
			slog.String("text", ev.Text))
		return
	}
	c.tel.Transcript("user", ev.Participant, c.sidOf(ev.Participant), ev.Text, false)
	if ev.Participant != c.active {
		// Bystander speech is transcribed and published but does not
		// drive the state machine.
		return
	}
	c.finals = append(c.finals, ev.Text)
	c.interim = ""
	c.lastFinalAt = time.Now()
	if c.state == StateEndpointing && c.complete(c.utteranceText()) {
		c.commit()
	}
}

func (c *controller) onSTTFailed(ev event) {
	if ev.Participant != c.active {
		return
	}
	if c.state != StateListening && c.state != StateEndpointing {
		return
	}
	c.logger.Warn("recognition unavailable, abandoning utterance",
		slog.String("participant", ev.Participant))
	c.tel.Error(0, ErrSTTUnavailable)
	c.resetUtterance()
	c.setState(StateIdle)
}

func (c *controller) onEndpointTimeout(ctx context.Context, ev event) {
	if c.state != StateEndpointing || !c.accepted[ev.UtteranceID] {
		return
	}
	c.commit()
}

func (c *controller) onTurnSpeaking(ev event) {
	if ev.TurnID != c.turnID || c.state != StateThinking {
		return
	}
	c.setState(StateSpeaking)
}

func (c *controller) onTurnDone(ctx context.Context, ev event) {
	if ev.TurnID != 0 && ev.TurnID == c.abandonedID {
		// A turn forced closed at the barge-in deadline finally wound
		// down; keep its spoken prefix, leave state alone.
		c.abandonedID = 0
		if ev.Result.gen.spoken != "" {
			c.dlg.AppendTruncated(ev.Result.gen.spoken)
		}
		return
	}
	if ev.TurnID != c.turnID {
		return
	}
	c.stopBargeTimer()
	c.turnCancel = nil
	wasApology := c.apologizing
	c.apologizing = false
	res := ev.Result

	switch c.state {
	case StateInterrupted:
		// Keep the spoken prefix so the model sees what the user heard.
		if res.gen.spoken != "" {
			c.dlg.AppendTruncated(res.gen.spoken)
		}
		c.resumeAfterInterrupt()

	case StateThinking, StateSpeaking:
		if wasApology {
			c.state = StateIdle
			c.tel.State(StateIdle, ev.TurnID, nil)
			return
		}
		if res.gen.err != nil {
			c.failTurn(res)
			return
		}
		c.dlg.AppendAssistant(res.gen.text)
		c.tel.Transcript("assistant", agentIdentity, "", res.gen.text, false)
		lat := c.latencies(res)
		c.state = StateIdle
		c.tel.State(StateIdle, ev.TurnID, &lat)

	default:
		c.setState(StateIdle)
	}
}

// resumeAfterInterrupt picks the turn cycle back up for the interrupter
// once the cancelled pipeline is out of the way.
func (c *controller) resumeAfterInterrupt() {
	if c.active == "" {
		// Interrupter left while the pipeline wound down.
		c.setState(StateIdle)
		return
	}
	c.setState(StateListening)
	if c.pendingSpeechEnd {
		c.pendingSpeechEnd = false
		c.speechEndAt = time.Now()
		c.setState(StateEndpointing)
		c.startEndpointTimer(c.currentUtteranceID())
		if t := c.utteranceText(); t != "" && c.complete(t) {
			c.commit()
		}
	}
}

// onBargeInTimeout fires when a cancelled pipeline has not confirmed the
// stop within the barge-in deadline. The turn is abandoned so the
// interrupter is not held hostage by a stuck transport.
func (c *controller) onBargeInTimeout(ev event) {
	if c.state != StateInterrupted || ev.TurnID != c.turnID {
		return
	}
	c.logger.Error("playback did not stop within the barge-in deadline, abandoning turn",
		slog.Int64("turn_id", c.turnID),
		slog.Duration("deadline", c.cfg.BargeInDeadline))
	c.tel.Error(c.turnID, ErrBargeInStalled)
	c.abandonedID = c.turnID
	c.turnCancel = nil
	c.apologizing = false
	c.resumeAfterInterrupt()
}

// failTurn handles a generation failure: failure marker in the dialogue,
// then the canned apology through the same turn pipeline so barge-in can
// cut it short like any other playback.
func (c *controller) failTurn(res *turnResult) {
	c.logger.Warn("turn failed", slog.String("error", res.gen.err.Error()))
	c.tel.Error(c.turnID, res.gen.err)
	c.dlg.AppendFailure(c.cfg.FailureReply)
	c.tel.Transcript("assistant", agentIdentity, "", c.cfg.FailureReply, false)

	tctx, cancel := context.WithCancel(c.runCtx)
	c.turnCancel = cancel
	c.apologizing = true
	c.setState(StateSpeaking)

	apology := c.cfg.FailureReply
	turnID := c.turnID
	spk := c.spk
	go func() {
		chunks := make(chan SpeakChunk, 1)
		chunks <- SpeakChunk{Index: 0, Text: apology, IsFinal: true}
		close(chunks)
		spkRes := spk.Speak(tctx, chunks, nil)
		c.post(event{Kind: evTurnDone, TurnID: turnID, Result: &turnResult{spk: spkRes}})
	}()
}

func (c *controller) onParticipantLeft(ev event) {
	if ev.Participant != c.active {
		return
	}
	switch c.state {
	case StateListening, StateEndpointing:
		c.logger.Info("active speaker left, cancelling utterance",
			slog.String("participant", ev.Participant))
		c.resetUtterance()
		c.setState(StateIdle)
	case StateInterrupted:
		// Floor holder gone; settle to Idle once the pipeline closes.
		c.retireActive()
		c.active = ""
	}
}

// commit closes the current utterance and starts the response pipeline.
func (c *controller) commit() {
	c.stopEndpointTimer()
	text := c.predicateText()
	participant := c.active
	speechEnd := c.speechEndAt
	var sttMs time.Duration
	if !c.lastFinalAt.IsZero() && c.lastFinalAt.After(speechEnd) {
		sttMs = c.lastFinalAt.Sub(speechEnd)
	}
	c.resetUtterance()

	if text == "" {
		// Nothing recognized; no response.
		c.setState(StateIdle)
		return
	}

	c.logger.Info("utterance committed",
		slog.String("participant", participant),
		slog.String("text", text))
	c.dlg.AppendUser(text)

	c.turnSeq++
	c.turnID = c.turnSeq
	c.setState(StateThinking)

	tctx, cancel := context.WithCancel(c.runCtx)
	c.turnCancel = cancel
	go c.runTurn(tctx, c.turnID, c.dlg.Messages(), speechEnd, sttMs)
}

// runTurn drives generator and speaker for one response, then reports
// back to the controller loop.
func (c *controller) runTurn(ctx context.Context, turnID int64, messages []llm.Message,
	speechEnd time.Time, sttMs time.Duration) {

	chunks := make(chan SpeakChunk, 4)
	genCh := make(chan generatorResult, 1)
	go func() {
		genCh <- c.gen.Run(ctx, messages, chunks)
	}()
	spkRes := c.spk.Speak(ctx, chunks, func() {
		c.post(event{Kind: evTurnSpeaking, TurnID: turnID})
	})
	genRes := <-genCh

	c.post(event{Kind: evTurnDone, TurnID: turnID, Result: &turnResult{
		gen:       genRes,
		spk:       spkRes,
		sttMs:     sttMs,
		speechEnd: speechEnd,
	}})
}

func (c *controller) latencies(res *turnResult) TurnLatencies {
	lat := TurnLatencies{
		STTMs:      res.sttMs.Milliseconds(),
		LLMTTFTMs:  res.gen.ttft.Milliseconds(),
		LLMTotalMs: res.gen.total.Milliseconds(),
		TTSTTFBMs:  res.spk.ttfb.Milliseconds(),
	}
	if !res.spk.firstFrame.IsZero() && res.spk.firstFrame.After(res.speechEnd) {
		lat.E2EMs = res.spk.firstFrame.Sub(res.speechEnd).Milliseconds()
	}
	return lat
}

// complete is the turn-complete predicate over the latest transcript.
func (c *controller) complete(text string) bool {
	if text == "" {
		return false
	}
	return c.detect.LikelyComplete(context.Background(), text)
}

// utteranceText joins committed finals.
func (c *controller) utteranceText() string {
	return strings.TrimSpace(strings.Join(c.finals, " "))
}

// predicateText is the best current transcript: finals, else interim.
func (c *controller) predicateText() string {
	if t := c.utteranceText(); t != "" {
		return t
	}
	return strings.TrimSpace(c.interim)
}

func (c *controller) openUtterance(participant string, uid int64) {
	c.retireActive()
	c.active = participant
	c.accepted = map[int64]bool{uid: true}
	c.finals = nil
	c.interim = ""
	c.speechEndAt = time.Time{}
	c.lastFinalAt = time.Time{}
}

func (c *controller) resetUtterance() {
	c.retireActive()
	c.active = ""
	c.accepted = map[int64]bool{}
	c.finals = nil
	c.interim = ""
	c.pendingSpeechEnd = false
}

// retireActive marks the active participant's accepted utterance ids as
// spent, so recognizer finals arriving after commit or cancellation hit
// the stale-drop path instead of republishing.
func (c *controller) retireActive() {
	if c.active == "" {
		return
	}
	if id := c.currentUtteranceID(); id > c.retired[c.active] {
		c.retired[c.active] = id
	}
}

func (c *controller) currentUtteranceID() int64 {
	var max int64
	for id := range c.accepted {
		if id > max {
			max = id
		}
	}
	return max
}

func (c *controller) startEndpointTimer(uid int64) {
	c.stopEndpointTimer()
	c.endpointTimer = time.AfterFunc(c.cfg.EndpointingDelay, func() {
		c.post(event{Kind: evEndpointTimeout, UtteranceID: uid})
	})
}

func (c *controller) stopEndpointTimer() {
	if c.endpointTimer != nil {
		c.endpointTimer.Stop()
		c.endpointTimer = nil
	}
}

func (c *controller) startBargeTimer(turnID int64) {
	c.stopBargeTimer()
	c.bargeTimer = time.AfterFunc(c.cfg.BargeInDeadline, func() {
		c.post(event{Kind: evBargeInTimeout, TurnID: turnID})
	})
}

func (c *controller) stopBargeTimer() {
	if c.bargeTimer != nil {
		c.bargeTimer.Stop()
		c.bargeTimer = nil
	}
}

func (c *controller) setState(s TurnState) {
	if c.state == s {
		return
	}
	c.logger.Debug("turn state",
		slog.String("from", c.state.String()),
		slog.String("to", s.String()))
	c.state = s
	c.tel.State(s, c.turnID, nil)
}
