package agent

import (
	"fmt"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai"
)

// Config holds every tunable of a voice session. Zero values are filled
// in from DefaultConfig by Validate where a default exists; endpoint URLs
// have no default and must be set.
type Config struct {
	// Speech recognition.
	STTURL      string
	STTLanguage string
	STTModel    string

	// Language model.
	LLMURL         string
	LLMModel       string
	LLMTemperature float32

	// Synthesis and playback.
	TTSURL            string
	TTSVoice          string
	TTSSampleRate     int // synthesis-native rate requested from the engine
	PublishSampleRate int // outbound track rate

	// Voice activity detection.
	VADActivationThreshold float64
	VADMinSpeech           time.Duration
	VADMinSilence          time.Duration

	// Turn taking.
	EndpointingDelay time.Duration
	STTHangover      time.Duration
	BargeInDeadline  time.Duration
	// CompletionTokens are suffixes that mark an utterance as complete in
	// addition to sentence-final punctuation.
	CompletionTokens []string

	// Dialogue context bounds.
	DialogueMaxTurns int
	DialogueMaxChars int
	SystemPreamble   string

	// Greeting is spoken when the first participant joins. Empty disables.
	Greeting string
	// FailureReply is spoken when the language model fails mid-turn.
	FailureReply string

	// Engine timeouts.
	STTHandshakeTimeout  time.Duration
	LLMFirstTokenTimeout time.Duration
	LLMTotalTimeout      time.Duration
	TTSFirstByteTimeout  time.Duration

	// DrainTimeout bounds the graceful shutdown after the last participant
	// leaves.
	DrainTimeout time.Duration

	// STTIdleTimeout tears down a warm recognition stream after this much
	// silence.
	STTIdleTimeout time.Duration

	// STTRetry is the reconnect backoff for dropped recognition streams.
	STTRetry ai.RetryConfig
}

// DefaultConfig returns the documented defaults. Endpoint URLs are left
// empty and must be provided by the caller.
func DefaultConfig() Config {
	return Config{
		STTLanguage: "en",
		STTModel:    "small",

		LLMModel:       "llama3",
		LLMTemperature: 0.7,

		TTSSampleRate:     22050,
		PublishSampleRate: 48000,

		VADActivationThreshold: 0.45,
		VADMinSpeech:           100 * time.Millisecond,
		VADMinSilence:          300 * time.Millisecond,

		EndpointingDelay: 2 * time.Second,
		STTHangover:      300 * time.Millisecond,
		BargeInDeadline:  150 * time.Millisecond,

		DialogueMaxTurns: 16,
		DialogueMaxChars: 4096,
		SystemPreamble:   "You are a helpful voice assistant. Keep replies short and conversational.",

		FailureReply: "Sorry, I had trouble answering. Could you repeat that?",

		STTHandshakeTimeout:  3 * time.Second,
		LLMFirstTokenTimeout: 5 * time.Second,
		LLMTotalTimeout:      20 * time.Second,
		TTSFirstByteTimeout:  2 * time.Second,

		DrainTimeout:   3 * time.Second,
		STTIdleTimeout: 30 * time.Second,
		STTRetry:       ai.DefaultRetryConfig,
	}
}

// Validate checks required fields and fills unset tunables from
// DefaultConfig.
func (c *Config) Validate() error {
	if c.STTURL == "" {
		return fmt.Errorf("config: stt_url is required")
	}
	if c.LLMURL == "" {
		return fmt.Errorf("config: llm_url is required")
	}
	if c.TTSURL == "" {
		return fmt.Errorf("config: tts_url is required")
	}

	def := DefaultConfig()
	if c.STTLanguage == "" {
		c.STTLanguage = def.STTLanguage
	}
	if c.STTModel == "" {
		c.STTModel = def.STTModel
	}
	if c.LLMModel == "" {
		c.LLMModel = def.LLMModel
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("config: llm_temperature %v out of range [0,2]", c.LLMTemperature)
	}
	if c.TTSSampleRate <= 0 {
		c.TTSSampleRate = def.TTSSampleRate
	}
	if c.PublishSampleRate <= 0 {
		c.PublishSampleRate = def.PublishSampleRate
	}
	if c.VADActivationThreshold <= 0 {
		c.VADActivationThreshold = def.VADActivationThreshold
	}
	if c.VADActivationThreshold >= 1 {
		return fmt.Errorf("config: vad_activation_threshold %v out of range (0,1)", c.VADActivationThreshold)
	}
	if c.VADMinSpeech <= 0 {
		c.VADMinSpeech = def.VADMinSpeech
	}
	if c.VADMinSilence <= 0 {
		c.VADMinSilence = def.VADMinSilence
	}
	if c.EndpointingDelay <= 0 {
		c.EndpointingDelay = def.EndpointingDelay
	}
	if c.STTHangover <= 0 {
		c.STTHangover = def.STTHangover
	}
	if c.BargeInDeadline <= 0 {
		c.BargeInDeadline = def.BargeInDeadline
	}
	if c.DialogueMaxTurns <= 0 {
		c.DialogueMaxTurns = def.DialogueMaxTurns
	}
	if c.DialogueMaxChars <= 0 {
		c.DialogueMaxChars = def.DialogueMaxChars
	}
	if c.SystemPreamble == "" {
		c.SystemPreamble = def.SystemPreamble
	}
	if c.FailureReply == "" {
		c.FailureReply = def.FailureReply
	}
	if c.STTHandshakeTimeout <= 0 {
		c.STTHandshakeTimeout = def.STTHandshakeTimeout
	}
	if c.LLMFirstTokenTimeout <= 0 {
		c.LLMFirstTokenTimeout = def.LLMFirstTokenTimeout
	}
	if c.LLMTotalTimeout <= 0 {
		c.LLMTotalTimeout = def.LLMTotalTimeout
	}
	if c.TTSFirstByteTimeout <= 0 {
		c.TTSFirstByteTimeout = def.TTSFirstByteTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.STTIdleTimeout <= 0 {
		c.STTIdleTimeout = def.STTIdleTimeout
	}
	if c.STTRetry.MaxAttempts <= 0 {
		c.STTRetry = def.STTRetry
	}
	return nil
}
