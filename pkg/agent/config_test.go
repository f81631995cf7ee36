package agent

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func testConfigURLs() Config {
	return Config{
		STTURL: "ws://stt:9090",
		LLMURL: "http://llm:11434",
		TTSURL: "http://tts:5000",
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	is := is.New(t)

	cfg := testConfigURLs()
	is.NoErr(cfg.Validate())

	is.Equal(cfg.STTLanguage, "en")
	is.Equal(cfg.LLMModel, "llama3")
	is.Equal(cfg.TTSSampleRate, 22050)
	is.Equal(cfg.PublishSampleRate, 48000)
	is.Equal(cfg.EndpointingDelay, 2*time.Second)
	is.Equal(cfg.VADMinSilence, 300*time.Millisecond)
	is.Equal(cfg.LLMFirstTokenTimeout, 5*time.Second)
	is.Equal(cfg.STTRetry.MaxAttempts, 5)
	is.True(cfg.FailureReply != "")
}

func TestConfigValidateRequiresURLs(t *testing.T) {
	is := is.New(t)

	cases := []func(*Config){
		func(c *Config) { c.STTURL = "" },
		func(c *Config) { c.LLMURL = "" },
		func(c *Config) { c.TTSURL = "" },
	}
	for _, clear := range cases {
		cfg := testConfigURLs()
		clear(&cfg)
		is.True(cfg.Validate() != nil)
	}
}

func TestConfigValidateRanges(t *testing.T) {
	is := is.New(t)

	cfg := testConfigURLs()
	cfg.LLMTemperature = 3.5
	is.True(cfg.Validate() != nil)

	cfg = testConfigURLs()
	cfg.VADActivationThreshold = 1.2
	is.True(cfg.Validate() != nil)
}
