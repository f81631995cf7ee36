// Package livekit adapts a LiveKit room to the transport.MediaTransport
// interface: remote audio tracks are decoded from Opus and delivered as
// PCM callbacks, outbound PCM is encoded and published on a local track,
// and telemetry goes out as data packets.
package livekit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/trinityvoice/agent-go/pkg/transport"
)

// webrtcSampleRate is the Opus clock rate used on both directions.
const webrtcSampleRate = 48000

// Options configures a room connection.
type Options struct {
	URL   string
	Token string
	// TrackName labels the published audio track. Defaults to "agent-voice".
	TrackName string
	// Logger is optional; nil gets slog.Default.
	Logger *slog.Logger
}

// RoomTransport implements transport.MediaTransport over one LiveKit room.
type RoomTransport struct {
	room   *lksdk.Room
	local  *lksdk.LocalSampleTrack
	logger *slog.Logger

	encMu sync.Mutex
	enc   *opus.Encoder
	buf   [1400]byte

	mu      sync.Mutex
	handler transport.Handler
	closed  bool
}

// Connect joins the room and publishes the agent's audio track. Call
// SetHandler before participants are expected; events arriving earlier
// are dropped.
func Connect(ctx context.Context, opts Options) (*RoomTransport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TrackName == "" {
		opts.TrackName = "agent-voice"
	}
	t := &RoomTransport{logger: opts.Logger}

	cb := &lksdk.RoomCallback{
		OnParticipantConnected:    t.onParticipantConnected,
		OnParticipantDisconnected: t.onParticipantDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: t.onTrackSubscribed,
		},
	}
	room, err := lksdk.ConnectToRoomWithToken(opts.URL, opts.Token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("livekit connect: %w", err)
	}
	t.room = room

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: webrtcSampleRate,
		Channels:  1,
	})
	if err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("livekit create track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   opts.TrackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("livekit publish track: %w", err)
	}
	t.local = track

	enc, err := opus.NewEncoder(webrtcSampleRate, 1, opus.AppVoIP)
	if err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("livekit opus encoder: %w", err)
	}
	t.enc = enc

	opts.Logger.Info("connected to room", slog.String("room", room.Name()))
	return t, nil
}

// SetHandler implements transport.MediaTransport.
func (t *RoomTransport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *RoomTransport) handlerSnapshot() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// PublishAudioFrame implements transport.MediaTransport. Frames must be
// mono 48 kHz in an Opus-legal duration (the egress stage sends 20 ms).
func (t *RoomTransport) PublishAudioFrame(samples []int16, sampleRate, channels int) error {
	if sampleRate != webrtcSampleRate || channels != 1 {
		return fmt.Errorf("livekit publish: expected mono %d Hz, got %d ch at %d Hz",
			webrtcSampleRate, channels, sampleRate)
	}
	t.encMu.Lock()
	n, err := t.enc.Encode(samples, t.buf[:])
	if err != nil {
		t.encMu.Unlock()
		return fmt.Errorf("livekit opus encode: %w", err)
	}
	data := make([]byte, n)
	copy(data, t.buf[:n])
	t.encMu.Unlock()

	dur := time.Duration(len(samples)) * time.Second / webrtcSampleRate
	return t.local.WriteSample(media.Sample{Data: data, Duration: dur}, nil)
}

// PublishData implements transport.MediaTransport.
func (t *RoomTransport) PublishData(topic string, payload []byte) error {
	return t.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishTopic(topic),
		lksdk.WithDataPublishReliable(true),
	)
}

// Close implements transport.MediaTransport.
func (t *RoomTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.room.Disconnect()
	return nil
}

func participantInfo(rp *lksdk.RemoteParticipant) transport.ParticipantInfo {
	return transport.ParticipantInfo{
		Identity: rp.Identity(),
		Name:     rp.Name(),
		SID:      rp.SID(),
		SIP:      rp.Kind() == lksdk.ParticipantSIP,
	}
}

func (t *RoomTransport) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	if h := t.handlerSnapshot(); h != nil {
		h.OnParticipantJoined(participantInfo(rp))
	}
}

func (t *RoomTransport) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	if h := t.handlerSnapshot(); h != nil {
		h.OnParticipantLeft(rp.Identity())
	}
}

func (t *RoomTransport) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	t.logger.Info("audio track subscribed",
		slog.String("participant", rp.Identity()),
		slog.String("track", pub.SID()))
	go t.readAudio(track, rp.Identity())
}

// readAudio decodes one remote track until it ends, delivering mono
// 48 kHz PCM frames to the handler. Monotonic timestamps are derived from
// decoded sample counts.
func (t *RoomTransport) readAudio(track *webrtc.TrackRemote, identity string) {
	dec, err := opus.NewDecoder(webrtcSampleRate, 1)
	if err != nil {
		t.logger.Error("opus decoder init failed",
			slog.String("participant", identity),
			slog.String("error", err.Error()))
		return
	}
	// Up to 120 ms per Opus packet.
	pcm := make([]int16, 5760)
	var samplesSeen int64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			t.logger.Warn("opus decode failed",
				slog.String("participant", identity),
				slog.String("error", err.Error()))
			continue
		}
		h := t.handlerSnapshot()
		if h == nil {
			samplesSeen += int64(n)
			continue
		}
		frame := make([]int16, n)
		copy(frame, pcm[:n])
		ts := time.Duration(samplesSeen) * time.Second / webrtcSampleRate
		samplesSeen += int64(n)
		h.OnAudioFrame(identity, frame, webrtcSampleRate, 1, ts)
	}
}

var _ transport.MediaTransport = (*RoomTransport)(nil)
