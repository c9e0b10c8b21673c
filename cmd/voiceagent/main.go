// Command voiceagent wires the pipeline's realtime voice-turn orchestrator
// to real providers and runs it against the default audio device until
// interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/duplexvoice/voiceloop/internal/asr"
	"github.com/duplexvoice/voiceloop/internal/audio"
	"github.com/duplexvoice/voiceloop/internal/llm"
	"github.com/duplexvoice/voiceloop/internal/memory"
	"github.com/duplexvoice/voiceloop/internal/pipeline"
	"github.com/duplexvoice/voiceloop/internal/role"
	"github.com/duplexvoice/voiceloop/internal/toolcatalog"
	"github.com/duplexvoice/voiceloop/internal/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "voice", "interaction mode: voice (microphone) or text (stdin)")
	rolePath := flag.String("roles", os.Getenv("AGENT_ROLES_FILE"), "path to a roles YAML file (optional)")
	roleName := flag.String("role", os.Getenv("AGENT_ROLE"), "role name to select from -roles (optional)")
	userID := flag.String("user", os.Getenv("AGENT_USER_ID"), "user id the conversation and memory store are keyed on")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)
	log := &slogLogger{l: logger}

	if *userID == "" {
		*userID = uuid.NewString()
	}

	cfg := pipeline.DefaultConfig()
	if v := os.Getenv("AEC_MODE"); v == "aggregate" {
		cfg.AECAggregateMode = true
	}
	if v := os.Getenv("AEC_ENABLED"); v != "" {
		cfg.AECEnabled = v != "false"
	}

	// Once pipeline.New succeeds, the Pipeline owns every provider's
	// lifecycle (Pipeline.Stop tears down capture/playback); cleanup only
	// needs to run if construction fails partway through.
	providers, cleanup, err := buildProviders(cfg, log, *roleName, *rolePath)
	if err != nil {
		cleanup()
		slog.Error("failed to build providers", "error", err)
		return 2
	}

	session := pipeline.NewConversationSession(*userID, cfg.MaxHistoryMessages)
	pl, err := pipeline.New(providers, session, cfg, log)
	if err != nil {
		slog.Error("failed to construct pipeline", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go printOutcomes(pl)

	switch *mode {
	case "voice":
		if err := pl.Start(ctx); err != nil {
			slog.Error("failed to start pipeline", "error", err)
			return 1
		}
		slog.Info("voiceagent listening, press ctrl+c to exit")
		<-ctx.Done()
	case "text":
		runTextMode(ctx, pl)
	default:
		slog.Error("unknown mode", "mode", *mode)
		return 2
	}

	slog.Info("shutting down")
	if err := pl.Stop(); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// buildProviders assembles a pipeline.Providers from environment variables,
// following the same "select by name, fail fast on a missing key" shape as
// the single-provider agents in the retrieval pack.
func buildProviders(cfg pipeline.Config, log pipeline.Logger, roleName, rolePath string) (pipeline.Providers, func(), error) {
	var p pipeline.Providers
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	dev, err := audio.NewDevice(cfg, log)
	if err != nil {
		return p, cleanup, fmt.Errorf("audio device: %w", err)
	}
	closers = append(closers, func() { _ = dev.Stop() })
	p.Capture = dev
	p.Playback = dev

	if cfg.AECEnabled {
		if cfg.AECAggregateMode {
			p.AEC = pipeline.NewAggregateAEC(cfg.NoiseSuppression)
		} else {
			p.AEC = pipeline.NewSoftwareAEC(cfg.StreamDelayMS, 500, cfg.NoiseSuppression)
		}
	}

	sttProvider := envOr("STT_PROVIDER", "groq")
	switch sttProvider {
	case "deepgram":
		apiKey := os.Getenv("DEEPGRAM_API_KEY")
		p.NewASR = func(ctx context.Context) (pipeline.ASRSession, error) {
			return asr.DialDeepgram(ctx, apiKey, cfg.CaptureSampleRate, log)
		}
	case "groq":
		fallthrough
	default:
		apiKey := os.Getenv("GROQ_API_KEY")
		if apiKey == "" {
			return p, cleanup, fmt.Errorf("GROQ_API_KEY must be set for groq STT")
		}
		model := envOr("GROQ_STT_MODEL", "whisper-large-v3-turbo")
		p.NewASR = func(ctx context.Context) (pipeline.ASRSession, error) {
			return asr.NewGroqSession(apiKey, model, cfg.CaptureSampleRate, log), nil
		}
	}

	llmProvider := envOr("LLM_PROVIDER", "groq")
	llmModel := envOr("LLM_MODEL", defaultModelFor(llmProvider))
	stream, err := llm.New(llmProvider, llmModel, cfg.Temperature, cfg.MaxTokens, log)
	if err != nil {
		return p, cleanup, fmt.Errorf("llm provider: %w", err)
	}
	p.LLM = stream

	ttsHost := envOr("TTS_HOST", "wss://api.lokutor.ai/v1/stream")
	ttsAPIKey := os.Getenv("TTS_API_KEY")
	ttsVoice := envOr("TTS_VOICE", "default")
	ttsLang := envOr("TTS_LANGUAGE", "en")
	p.NewTTS = func(ctx context.Context) (pipeline.TTSSession, error) {
		return tts.Open(ctx, ttsAPIKey, ttsHost, ttsVoice, ttsLang, cfg.PlaybackSampleRate, log)
	}

	if dsn := os.Getenv("MEMORY_DATABASE_URL"); dsn != "" {
		var embedder memory.Embedder
		dims := 0
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			e, err := memory.NewOpenAIEmbedder(key, os.Getenv("OPENAI_EMBEDDING_MODEL"))
			if err != nil {
				return p, cleanup, fmt.Errorf("embedder: %w", err)
			}
			embedder = e
			dims = e.Dimensions()
		}
		store, err := memory.NewPostgresStore(context.Background(), dsn, dims, embedder)
		if err != nil {
			return p, cleanup, fmt.Errorf("postgres memory store: %w", err)
		}
		p.Memory = store
	} else {
		p.Memory = memory.NewRecencyStore(50)
	}

	if rolePath != "" && roleName != "" {
		r, err := role.Select(rolePath, roleName)
		if err != nil {
			return p, cleanup, fmt.Errorf("role: %w", err)
		}
		p.Role = r
	}

	catalog := toolcatalog.NewCatalog()
	registerBuiltinTools(catalog)
	p.Tools = catalog.Definitions()
	p.Executor = catalog

	return p, cleanup, nil
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name, defaults to UTC"`
}

// registerBuiltinTools adds the small tool set voiceagent always offers the
// model; deployments needing a larger catalog register more before passing
// Providers.Tools/Executor to pipeline.New.
func registerBuiltinTools(c *toolcatalog.Catalog) {
	toolcatalog.Register(c, "current_time", "returns the current date and time", func(ctx context.Context, args currentTimeArgs) (string, error) {
		loc := time.UTC
		if args.Timezone != "" {
			l, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", args.Timezone)
			}
			loc = l
		}
		return time.Now().In(loc).Format(time.RFC1123), nil
	})
}

func defaultModelFor(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "gemini":
		return "gemini-1.5-flash"
	case "groq":
		return "llama-3.3-70b-versatile"
	case "ollama":
		return "llama3.2"
	case "deepseek":
		return "deepseek-chat"
	case "mistral":
		return "mistral-large-latest"
	default:
		return ""
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// runTextMode drives turns from stdin lines instead of the microphone,
// reusing the generation/TTS/playback path via Pipeline.SubmitText.
func runTextMode(ctx context.Context, pl *pipeline.Pipeline) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			pl.SubmitText(ctx, text)
		}
	}
}

func printOutcomes(pl *pipeline.Pipeline) {
	for outcome := range pl.Outcomes() {
		switch outcome.State {
		case pipeline.StateCompleted:
			slog.Info("turn completed", "turn", outcome.TurnID, "reply", outcome.AssistantText)
		case pipeline.StateCancelling:
			slog.Info("turn cancelled", "turn", outcome.TurnID, "reason", outcome.CancelReason)
		case pipeline.StateFailed:
			slog.Warn("turn failed", "turn", outcome.TurnID, "kind", outcome.ErrorKind, "error", outcome.Err)
		}
	}
}

// slogLogger adapts log/slog to pipeline.Logger.
type slogLogger struct{ l *slog.Logger }

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
