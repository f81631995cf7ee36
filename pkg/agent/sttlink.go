package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/stt"
	"github.com/trinityvoice/agent-go/pkg/rtc"
)

// ErrSTTUnavailable is surfaced when recognition retries exhaust during an
// active utterance.
var ErrSTTUnavailable = fmt.Errorf("stt unavailable")

// maxPendingFrames bounds the audio buffered while a stream dial is in
// flight, about five seconds of 20 ms frames.
const maxPendingFrames = 250

// sttLink owns one participant's recognition stream: lazy open on first
// speech, warm reuse between utterances, reconnect with backoff on drops,
// and translation of recognizer events into controller events.
//
// Dialing happens on a background goroutine so speech-boundary events
// never wait on the recognizer; audio arriving mid-dial is buffered and
// replayed once the stream is up.
type sttLink struct {
	client      stt.Client
	cfg         stt.StreamConfig
	retry       ai.RetryConfig
	idleTimeout time.Duration
	participant string
	post        func(event)
	logger      *slog.Logger

	mu       sync.Mutex
	stream   stt.Stream
	opening  bool
	down     bool
	closed   bool
	pending  []rtc.AudioFrame
	flushReq bool
	lastUsed time.Time

	// utterance is the id stamped on recognizer events; advanced by
	// BeginUtterance, read by the receive loop.
	utterance atomic.Int64

	// seen deduplicates finals by (utterance, text hash).
	seenMu sync.Mutex
	seen   map[string]struct{}
}

func newSTTLink(client stt.Client, cfg stt.StreamConfig, retry ai.RetryConfig, idleTimeout time.Duration, participant string, post func(event), logger *slog.Logger) *sttLink {
	return &sttLink{
		client:      client,
		cfg:         cfg,
		retry:       retry,
		idleTimeout: idleTimeout,
		participant: participant,
		post:        post,
		logger:      logger,
		seen:        make(map[string]struct{}),
	}
}

// BeginUtterance advances the utterance id and kicks off a background
// dial when no stream is warm. Never blocks; a dial that exhausts its
// retries posts evSTTFailed.
func (l *sttLink) BeginUtterance(ctx context.Context) int64 {
	id := l.utterance.Add(1)
	l.seenMu.Lock()
	l.seen = make(map[string]struct{})
	l.seenMu.Unlock()

	l.mu.Lock()
	l.down = false
	l.flushReq = false
	l.pending = nil
	l.startOpenLocked(ctx)
	l.mu.Unlock()
	return id
}

// Send forwards one frame of speech audio. While a dial is in flight the
// frame is buffered; on a recoverable send failure the stream is dropped
// and redialed in the background with the frame riding along. Returns
// ErrSTTUnavailable once retries have exhausted for this utterance.
func (l *sttLink) Send(ctx context.Context, frame rtc.AudioFrame) error {
	l.mu.Lock()
	if l.down {
		l.mu.Unlock()
		return ErrSTTUnavailable
	}
	if l.stream == nil {
		l.startOpenLocked(ctx)
		l.bufferLocked(frame)
		l.mu.Unlock()
		return nil
	}
	s := l.stream
	l.lastUsed = time.Now()
	l.mu.Unlock()

	err := s.SendAudio(frame)
	if err == nil {
		return nil
	}
	if !ai.IsRecoverable(err) {
		return err
	}
	l.mu.Lock()
	if l.stream == s {
		l.stream = nil
		s.Close()
	}
	l.bufferLocked(frame)
	l.startOpenLocked(ctx)
	l.mu.Unlock()
	return nil
}

// Flush asks the recognizer to finalize buffered audio. Called after the
// hangover window ends. A flush requested mid-dial is deferred until the
// stream is up.
func (l *sttLink) Flush() {
	l.mu.Lock()
	s := l.stream
	if s == nil {
		if l.opening {
			l.flushReq = true
		}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if err := s.Flush(); err != nil {
		l.logger.Warn("stt flush failed",
			slog.String("participant", l.participant),
			slog.String("error", err.Error()))
	}
}

// MaybeCloseIdle tears down a warm stream that has been unused past the
// idle timeout.
func (l *sttLink) MaybeCloseIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil || now.Sub(l.lastUsed) < l.idleTimeout {
		return
	}
	l.logger.Debug("closing idle stt stream", slog.String("participant", l.participant))
	l.stream.Close()
	l.stream = nil
}

// Close tears down the stream and stops any in-flight dial from
// installing a new one.
func (l *sttLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.stream != nil {
		l.stream.Close()
		l.stream = nil
	}
	l.pending = nil
}

func (l *sttLink) startOpenLocked(ctx context.Context) {
	if l.stream != nil || l.opening || l.down || l.closed {
		return
	}
	l.opening = true
	go l.open(ctx)
}

func (l *sttLink) bufferLocked(frame rtc.AudioFrame) {
	if len(l.pending) >= maxPendingFrames {
		l.pending = l.pending[1:]
	}
	l.pending = append(l.pending, frame)
}

// open dials the recognizer with backoff. Runs off the pipeline
// goroutine so speech events are never delayed by a cold or degraded
// recognizer.
func (l *sttLink) open(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt < l.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := l.retry.Wait(ctx, attempt-1); err != nil {
				l.finishOpen(nil)
				return
			}
		}
		s, err := l.client.OpenStream(ctx, l.cfg)
		if err == nil {
			l.finishOpen(s)
			return
		}
		lastErr = err
		if !ai.IsRecoverable(err) {
			break
		}
		l.logger.Warn("stt open failed",
			slog.String("participant", l.participant),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	l.mu.Lock()
	l.opening = false
	l.down = true
	l.pending = nil
	l.flushReq = false
	closed := l.closed
	l.mu.Unlock()

	if closed || ctx.Err() != nil {
		return
	}
	l.logger.Warn("stt unreachable, giving up on utterance",
		slog.String("participant", l.participant),
		slog.String("error", fmt.Sprintf("%v", lastErr)))
	l.post(event{Kind: evSTTFailed, Participant: l.participant})
}

// finishOpen installs a freshly dialed stream and replays audio buffered
// during the dial. A nil stream just clears the opening flag.
func (l *sttLink) finishOpen(s stt.Stream) {
	l.mu.Lock()
	l.opening = false
	if s == nil {
		l.mu.Unlock()
		return
	}
	if l.closed {
		l.mu.Unlock()
		s.Close()
		return
	}
	l.stream = s
	l.lastUsed = time.Now()
	pending := l.pending
	l.pending = nil
	flush := l.flushReq
	l.flushReq = false
	l.mu.Unlock()

	go l.receive(s, l.utterance.Load())
	for _, frame := range pending {
		if err := s.SendAudio(frame); err != nil {
			l.logger.Warn("replaying buffered audio failed",
				slog.String("participant", l.participant),
				slog.String("error", err.Error()))
			return
		}
	}
	if flush {
		if err := s.Flush(); err != nil {
			l.logger.Warn("stt flush failed",
				slog.String("participant", l.participant),
				slog.String("error", err.Error()))
		}
	}
}

// receive translates recognizer events into controller events until the
// stream's channel closes. openedAt pins events from a stale stream to
// the utterance that opened it.
func (l *sttLink) receive(s stt.Stream, openedAt int64) {
	for ev := range s.Events() {
		uid := l.utterance.Load()
		if uid == 0 {
			uid = openedAt
		}
		switch ev.Type {
		case stt.EventInterim:
			l.post(event{
				Kind:        evInterim,
				Participant: l.participant,
				UtteranceID: uid,
				Text:        ev.Text,
			})
		case stt.EventFinal:
			if l.duplicate(uid, ev.Text) {
				continue
			}
			l.post(event{
				Kind:        evFinal,
				Participant: l.participant,
				UtteranceID: uid,
				Text:        ev.Text,
			})
		case stt.EventError:
			l.logger.Warn("stt stream error",
				slog.String("participant", l.participant),
				slog.String("error", ev.Err.Error()))
		}
	}
}

// duplicate records and checks the (utterance, text) dedup key.
func (l *sttLink) duplicate(uid int64, text string) bool {
	h := fnv.New64a()
	h.Write([]byte(text))
	key := fmt.Sprintf("%d:%x", uid, h.Sum64())
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	if _, ok := l.seen[key]; ok {
		return true
	}
	l.seen[key] = struct{}{}
	return false
}
