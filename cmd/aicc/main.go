// Command aicc runs the call-audio core: it allocates RTP ports per call,
// segments both speakers' audio into turns, transcribes them and streams
// turn events to the configured WebSocket consumers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/aicc/internal/app"
	"github.com/MrWong99/aicc/internal/config"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/pkg/provider/stt"
	"github.com/MrWong99/aicc/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/aicc/pkg/provider/stt/openai"
	"github.com/MrWong99/aicc/pkg/provider/stt/whisper"
	"github.com/MrWong99/aicc/pkg/provider/vad"
	"github.com/MrWong99/aicc/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file; environment variables override it")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aicc: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aicc: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("aicc starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	host, _ := os.Hostname()
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "aicc",
		ServiceVersion: version,
		InstanceID:     host,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithTelemetry(telemetry),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.Reload,
			config.WithEnv(os.LookupEnv),
			config.WithWatcherLogger(logger),
		)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// whisperOptions are the free-form options of the "whisper" provider.
type whisperOptions struct {
	Language    string  `mapstructure:"language"`
	Temperature float64 `mapstructure:"temperature"`
}

// nativeOptions are the free-form options of the "whisper-native" provider.
type nativeOptions struct {
	Language  string `mapstructure:"language"`
	ModelPath string `mapstructure:"model_path"`
}

// deepgramOptions are the free-form options of the "deepgram" provider.
type deepgramOptions struct {
	Language string `mapstructure:"language"`
	Endpoint string `mapstructure:"endpoint"`
}

// openaiOptions are the free-form options of the "openai" provider.
type openaiOptions struct {
	Language string        `mapstructure:"language"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		o, err := config.DecodeOptions[whisperOptions](entry.Options)
		if err != nil {
			return nil, err
		}
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if o.Language != "" {
			opts = append(opts, whisper.WithLanguage(o.Language))
		}
		if o.Temperature > 0 {
			opts = append(opts, whisper.WithTemperature(o.Temperature))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		o, err := config.DecodeOptions[nativeOptions](entry.Options)
		if err != nil {
			return nil, err
		}
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = o.ModelPath
		}
		opts := []whisper.NativeOption{whisper.WithNativeLogger(slog.Default())}
		if o.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(o.Language))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		o, err := config.DecodeOptions[deepgramOptions](entry.Options)
		if err != nil {
			return nil, err
		}
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if o.Language != "" {
			opts = append(opts, deepgram.WithLanguage(o.Language))
		}
		endpoint := o.Endpoint
		if endpoint == "" {
			endpoint = entry.BaseURL
		}
		if endpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(endpoint))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		o, err := config.DecodeOptions[openaiOptions](entry.Options)
		if err != nil {
			return nil, err
		}
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if o.Language != "" {
			opts = append(opts, oaistt.WithLanguage(o.Language))
		}
		if o.Timeout > 0 {
			opts = append(opts, oaistt.WithTimeout(o.Timeout))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(c config.VADConfig) (vad.Engine, error) {
		var opts []energy.Option
		if c.ZCRThreshold > 0 {
			opts = append(opts, energy.WithZCRThreshold(c.ZCRThreshold))
		}
		return energy.New(opts...), nil
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          aicc: startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	if len(cfg.Transcription.Providers) == 0 {
		printRow("STT", "(not configured)")
	}
	for i, p := range cfg.Transcription.Providers {
		kind := "STT"
		if i > 0 {
			kind = "STT fallback"
		}
		value := p.Name
		if p.Model != "" {
			value += " / " + p.Model
		}
		printRow(kind, value)
	}
	printRow("VAD", cfg.VAD.Provider)
	printRow("Language", cfg.Turn.Language)
	printRow("Ports", fmt.Sprintf("%d-%d", cfg.Ports.Start, cfg.Ports.End))
	printRow("Phrases", fmt.Sprintf("%d", len(cfg.Transcription.Phrases)))
	if len(cfg.Events.URLs) == 0 {
		printRow("Events", "(disabled)")
	} else {
		printRow("Events", strings.Join(cfg.Events.URLs, ","))
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
