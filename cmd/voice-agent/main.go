package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trinityvoice/agent-go/pkg/agent"
	"github.com/trinityvoice/agent-go/pkg/ai/llm"
	"github.com/trinityvoice/agent-go/pkg/ai/tts"
	"github.com/trinityvoice/agent-go/pkg/audio/wav"
	"github.com/trinityvoice/agent-go/pkg/version"
	"github.com/trinityvoice/agent-go/plugins/ollama"
	"github.com/trinityvoice/agent-go/plugins/openai"
	"github.com/trinityvoice/agent-go/plugins/piper"
	"github.com/trinityvoice/agent-go/plugins/whisperlive"
	lkroom "github.com/trinityvoice/agent-go/transports/livekit"
)

var rootCmd = &cobra.Command{
	Use:          "voice-agent",
	Short:        "Conversational voice agent that joins a LiveKit room",
	Long:         `voice-agent joins a WebRTC room as a participant, listens to the humans in it, and answers out loud: VAD and streaming recognition feed a turn-taking state machine, replies stream from the language model into incremental synthesis, and barge-in interrupts playback.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join a room and serve it until it empties",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()

		url, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		if url == "" {
			return fmt.Errorf("--url is required")
		}
		if token == "" {
			return fmt.Errorf("--token is required")
		}

		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		llmClient, err := buildLLM(cmd, cfg, logger)
		if err != nil {
			return err
		}
		ttsClient := piper.New(cfg.TTSURL, piper.WithLogger(logger))

		// Unreachable engines are a startup failure, not a mid-call
		// surprise.
		checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
		defer checkCancel()
		if err := ttsClient.Healthy(checkCtx); err != nil {
			return fmt.Errorf("tts not reachable: %w", err)
		}
		if c, ok := llmClient.(interface{ Healthy(context.Context) error }); ok {
			if err := c.Healthy(checkCtx); err != nil {
				return fmt.Errorf("llm not reachable: %w", err)
			}
		}

		mt, err := lkroom.Connect(ctx, lkroom.Options{
			URL:    url,
			Token:  token,
			Logger: logger,
		})
		if err != nil {
			return err
		}

		session, err := agent.NewSession(cfg, agent.Deps{
			STT:       whisperlive.New(cfg.STTURL, whisperlive.WithLogger(logger), whisperlive.WithHandshakeTimeout(cfg.STTHandshakeTimeout)),
			LLM:       llmClient,
			TTS:       ttsClient,
			Transport: mt,
			Logger:    logger,
		})
		if err != nil {
			mt.Close()
			return err
		}
		if err := session.Start(ctx); err != nil {
			mt.Close()
			return err
		}
		defer session.Close()

		logger.Info("agent serving room",
			slog.String("service", "voice-agent"),
			slog.String("version", version.Version),
			slog.String("url", url))

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

var sayCmd = &cobra.Command{
	Use:   "say",
	Short: "Synthesize text to a WAV file, for checking a voice offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()

		text, _ := cmd.Flags().GetString("text")
		out, _ := cmd.Flags().GetString("out")
		if text == "" {
			return fmt.Errorf("--text is required")
		}

		ttsURL := flagOrEnv(cmd, "tts-url", "AGENT_TTS_URL")
		if ttsURL == "" {
			return fmt.Errorf("--tts-url is required")
		}
		voice, _ := cmd.Flags().GetString("tts-voice")
		rate, _ := cmd.Flags().GetInt("tts-sample-rate")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stream, err := piper.New(ttsURL).Synthesize(ctx, tts.SynthesizeRequest{
			Text:       text,
			Voice:      voice,
			SampleRate: rate,
		})
		if err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
		defer stream.Close()

		format := stream.Format()
		w, err := wav.Create(out, format.SampleRate, format.Channels)
		if err != nil {
			return err
		}
		for {
			samples, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				w.Close()
				return fmt.Errorf("synthesize: %w", err)
			}
			if err := w.WriteSamples(samples); err != nil {
				w.Close()
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", out)
		return nil
	},
}

var healthzCmd = &cobra.Command{
	Use:   "healthz",
	Short: "Check that the configured engines are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		failed := 0
		if err := piper.New(cfg.TTSURL).Healthy(ctx); err != nil {
			logger.Error("tts unhealthy", slog.String("error", err.Error()))
			failed++
		}
		if err := ollama.New(cfg.LLMURL).Healthy(ctx); err != nil {
			logger.Error("llm unhealthy", slog.String("error", err.Error()))
			failed++
		}
		if failed > 0 {
			return fmt.Errorf("%d engine(s) unhealthy", failed)
		}
		logger.Info("all engines healthy")
		return nil
	},
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch os.Getenv("AGENT_LOG_LEVEL") {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("AGENT_LOG_FORMAT") == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// configFromFlags builds the session configuration from flags, with
// environment fallbacks for the endpoint URLs.
func configFromFlags(cmd *cobra.Command) (agent.Config, error) {
	cfg := agent.DefaultConfig()

	cfg.STTURL = flagOrEnv(cmd, "stt-url", "AGENT_STT_URL")
	cfg.LLMURL = flagOrEnv(cmd, "llm-url", "AGENT_LLM_URL")
	cfg.TTSURL = flagOrEnv(cmd, "tts-url", "AGENT_TTS_URL")

	cfg.STTLanguage, _ = cmd.Flags().GetString("stt-language")
	cfg.STTModel, _ = cmd.Flags().GetString("stt-model")
	cfg.LLMModel, _ = cmd.Flags().GetString("llm-model")
	cfg.LLMTemperature, _ = cmd.Flags().GetFloat32("llm-temperature")
	cfg.TTSVoice, _ = cmd.Flags().GetString("tts-voice")
	cfg.TTSSampleRate, _ = cmd.Flags().GetInt("tts-sample-rate")
	cfg.PublishSampleRate, _ = cmd.Flags().GetInt("publish-sample-rate")
	cfg.SystemPreamble, _ = cmd.Flags().GetString("system-preamble")
	cfg.Greeting, _ = cmd.Flags().GetString("greeting")
	cfg.EndpointingDelay, _ = cmd.Flags().GetDuration("endpointing-delay")
	cfg.VADActivationThreshold, _ = cmd.Flags().GetFloat64("vad-threshold")
	cfg.DialogueMaxTurns, _ = cmd.Flags().GetInt("dialogue-max-turns")
	cfg.DialogueMaxChars, _ = cmd.Flags().GetInt("dialogue-max-chars")

	if err := cfg.Validate(); err != nil {
		return agent.Config{}, err
	}
	return cfg, nil
}

// buildLLM selects the language-model provider. Local Ollama is the
// default; --llm-provider=openai switches to a hosted endpoint.
func buildLLM(cmd *cobra.Command, cfg agent.Config, logger *slog.Logger) (llm.Client, error) {
	provider, _ := cmd.Flags().GetString("llm-provider")
	switch provider {
	case "", "ollama":
		return ollama.New(cfg.LLMURL, ollama.WithLogger(logger)), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for --llm-provider=openai")
		}
		if cfg.LLMURL != "" {
			return openai.NewWithBaseURL(key, cfg.LLMURL), nil
		}
		return openai.New(key), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().String("stt-url", "", "WhisperLive WebSocket URL (env AGENT_STT_URL)")
	cmd.Flags().String("stt-language", "en", "Recognition language")
	cmd.Flags().String("stt-model", "small", "Recognition model tier")
	cmd.Flags().String("llm-url", "", "Language model base URL (env AGENT_LLM_URL)")
	cmd.Flags().String("llm-provider", "ollama", "Language model provider (ollama, openai)")
	cmd.Flags().String("llm-model", "llama3", "Language model name")
	cmd.Flags().Float32("llm-temperature", 0.7, "Sampling temperature")
	cmd.Flags().String("tts-url", "", "Piper base URL (env AGENT_TTS_URL)")
	cmd.Flags().String("tts-voice", "", "Synthesis voice")
	cmd.Flags().Int("tts-sample-rate", 22050, "Synthesis sample rate in Hz")
	cmd.Flags().Int("publish-sample-rate", 48000, "Outbound track sample rate in Hz")
	cmd.Flags().String("system-preamble", "", "System prompt prefix")
	cmd.Flags().String("greeting", "", "Line spoken when the first participant joins")
	cmd.Flags().Duration("endpointing-delay", 2*time.Second, "Max wait after speech ends before committing a turn")
	cmd.Flags().Float64("vad-threshold", 0.45, "VAD activation threshold")
	cmd.Flags().Int("dialogue-max-turns", 16, "Dialogue context turn bound")
	cmd.Flags().Int("dialogue-max-chars", 4096, "Dialogue context character bound")
}

func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

func init() {
	runCmd.Flags().String("url", "", "LiveKit server WebSocket URL")
	runCmd.Flags().String("token", "", "LiveKit room token")
	addEngineFlags(runCmd)
	addEngineFlags(healthzCmd)

	sayCmd.Flags().String("text", "", "Text to synthesize")
	sayCmd.Flags().String("out", "out.wav", "Output WAV path")
	sayCmd.Flags().String("tts-url", "", "Piper base URL (env AGENT_TTS_URL)")
	sayCmd.Flags().String("tts-voice", "", "Synthesis voice")
	sayCmd.Flags().Int("tts-sample-rate", 22050, "Synthesis sample rate in Hz")

	rootCmd.AddCommand(versionCmd, runCmd, healthzCmd, sayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
