package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai/tts"
	"github.com/trinityvoice/agent-go/pkg/rtc"
	"github.com/trinityvoice/agent-go/pkg/transport"
)

// ErrEgressStalled marks a chunk abandoned because the media transport
// stopped accepting frames. Non-fatal; the turn proceeds with the next
// chunk.
var ErrEgressStalled = errors.New("egress stalled")

const (
	// publishFrameDur is the outbound packet size.
	publishFrameDur = 20 * time.Millisecond
	// publishQueueDepth bounds the outbound queue at about 500 ms.
	publishQueueDepth = 25
	// egressStallTimeout abandons a chunk when the outbound queue stays
	// full this long.
	egressStallTimeout = 2 * time.Second
)

// speakResult summarizes one playback run.
type speakResult struct {
	ttfb       time.Duration
	firstFrame time.Time
	published  int
	stalled    int
	err        error
}

// speaker drains SpeakChunks in order: one streaming synthesis request
// per chunk, resample to the publish rate, packetize into 20 ms frames,
// and enqueue on the outbound track. Chunk N fully drains before chunk
// N+1 starts.
type speaker struct {
	tts         tts.Client
	mt          transport.MediaTransport
	voice       string
	synthRate   int
	publishRate int
	ttfbTimeout time.Duration
	logger      *slog.Logger
	// onStall is invoked when a chunk is abandoned on backpressure.
	onStall func(err error)
}

type pcmMsg struct {
	samples []int16
	err     error
}

// Speak consumes chunks until the channel closes or ctx is cancelled.
// onFirstFrame fires once, right after the first outbound frame is
// accepted by the transport.
func (sp *speaker) Speak(ctx context.Context, chunks <-chan SpeakChunk, onFirstFrame func()) speakResult {
	var res speakResult
	started := time.Now()

	frameQ := make(chan rtc.AudioFrame, publishQueueDepth)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		first := true
		for frame := range frameQ {
			if ctx.Err() != nil {
				continue // discard, playback is cancelled
			}
			if err := sp.mt.PublishAudioFrame(frame.Samples, frame.SampleRate, 1); err != nil {
				sp.logger.Warn("publish audio failed", slog.String("error", err.Error()))
				continue
			}
			if first {
				first = false
				res.firstFrame = time.Now()
				if onFirstFrame != nil {
					onFirstFrame()
				}
			}
			res.published++
		}
	}()

	enqueue := func(frame rtc.AudioFrame) error {
		select {
		case frameQ <- frame:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(egressStallTimeout):
			return ErrEgressStalled
		}
	}

	var (
		rs *rtc.SincResampler
		pk *rtc.Packetizer
	)

	for chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		if chunk.Text == "" {
			continue
		}
		stream, err := sp.tts.Synthesize(ctx, tts.SynthesizeRequest{
			Text:       chunk.Text,
			Voice:      sp.voice,
			SampleRate: sp.synthRate,
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			sp.logger.Warn("synthesis failed, skipping chunk",
				slog.Int("chunk", chunk.Index),
				slog.String("error", err.Error()))
			continue
		}

		format := stream.Format()
		if rs == nil {
			rs = rtc.NewSincResampler(format.SampleRate, sp.publishRate)
			pk = rtc.NewPacketizer(sp.publishRate, publishFrameDur)
		}

		stalled := sp.drainChunk(ctx, chunk, stream, rs, pk, &res, enqueue)
		stream.Close()
		if stalled {
			res.stalled++
			if sp.onStall != nil {
				sp.onStall(ErrEgressStalled)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() == nil && pk != nil {
		if frame, ok := pk.Flush(); ok {
			enqueue(frame)
		}
	}
	close(frameQ)
	<-pubDone

	if ctx.Err() != nil {
		res.err = ctx.Err()
	}
	if res.ttfb == 0 && !res.firstFrame.IsZero() {
		res.ttfb = res.firstFrame.Sub(started)
	}
	return res
}

// drainChunk pumps one synthesis stream through resample and packetize.
// Returns true when the chunk was abandoned on backpressure.
func (sp *speaker) drainChunk(ctx context.Context, chunk SpeakChunk, stream tts.Stream,
	rs *rtc.SincResampler, pk *rtc.Packetizer, res *speakResult,
	enqueue func(rtc.AudioFrame) error) bool {

	blocks := make(chan pcmMsg, 4)
	go func() {
		for {
			samples, err := stream.Recv()
			select {
			case blocks <- pcmMsg{samples: samples, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	firstBlock := true
	chunkStart := time.Now()
	for {
		var msg pcmMsg
		if firstBlock {
			select {
			case msg = <-blocks:
			case <-ctx.Done():
				return false
			case <-time.After(sp.ttfbTimeout):
				sp.logger.Warn("synthesis first byte timed out, skipping chunk",
					slog.Int("chunk", chunk.Index))
				return true
			}
		} else {
			select {
			case msg = <-blocks:
			case <-ctx.Done():
				return false
			}
		}
		if msg.err != nil {
			if msg.err != io.EOF && ctx.Err() == nil {
				sp.logger.Warn("synthesis stream failed mid-chunk",
					slog.Int("chunk", chunk.Index),
					slog.String("error", msg.err.Error()))
			}
			return false
		}
		if firstBlock {
			firstBlock = false
			if res.ttfb == 0 {
				res.ttfb = time.Since(chunkStart)
			}
		}
		for _, frame := range pk.Push(rs.Resample(msg.samples)) {
			if err := enqueue(frame); err != nil {
				return errors.Is(err, ErrEgressStalled)
			}
		}
	}
}
