// Package app wires the aicc subsystems into a running service.
//
// New builds every subsystem from the config, Run serves the HTTP surface
// and keeps the event destinations connected until the context ends, and
// Shutdown tears everything down in dependency order: stop accepting calls,
// end the active ones, drain transcription, then flush events.
//
// For tests, inject collaborators with functional options (WithListener,
// WithMetrics, WithLogger).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/aicc/internal/api"
	"github.com/MrWong99/aicc/internal/call"
	"github.com/MrWong99/aicc/internal/config"
	"github.com/MrWong99/aicc/internal/events"
	"github.com/MrWong99/aicc/internal/health"
	"github.com/MrWong99/aicc/internal/ingress"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/internal/pipeline"
	"github.com/MrWong99/aicc/internal/portpool"
	"github.com/MrWong99/aicc/internal/transcribe"
	"github.com/MrWong99/aicc/internal/transcript"
	"github.com/MrWong99/aicc/internal/transcript/phonetic"
	"github.com/MrWong99/aicc/internal/turn"
	"github.com/MrWong99/aicc/pkg/audio"
	"github.com/MrWong99/aicc/pkg/provider/vad"
	"github.com/MrWong99/aicc/pkg/types"
)

// readHeaderTimeout bounds slow clients on the HTTP listener.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	level     *slog.LevelVar
	listener  net.Listener

	pool        *portpool.Pool
	detector    *turn.Detector
	transcriber *transcribe.Dispatcher
	events      *events.Dispatcher
	calls       *call.Registry
	server      *http.Server

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for [New].
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry serves /metrics from the registry installed by
// observe.InitProvider instead of the default Prometheus registry.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLevelVar lets config reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves HTTP on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App from cfg. The providers come from [BuildProviders].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Transcriber == nil || providers.VAD == nil {
		return nil, errors.New("app: transcriber and VAD engine are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	pool, err := portpool.New(cfg.Ports.Start, cfg.Ports.End)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.pool = pool
	if err := a.metrics.ObservePorts(pool.Available, pool.Allocated); err != nil {
		return nil, fmt.Errorf("app: observe ports: %w", err)
	}

	analyzer, ok := turn.AnalyzerFor(cfg.Turn.Language)
	if !ok {
		a.log.Warn("no morpheme analyzer for language, using a neutral score", "language", cfg.Turn.Language)
	}
	a.detector = turn.New(
		turn.WithParams(turnParams(cfg.Turn)),
		turn.WithAnalyzer(analyzer),
		turn.WithLogger(a.log),
	)

	evOpts := []events.Option{
		events.WithQueueSize(cfg.Events.QueueSize),
		events.WithReconnectInterval(cfg.Events.ReconnectInterval),
		events.WithWriteTimeout(cfg.Events.WriteTimeout),
		events.WithDialTimeout(cfg.Events.DialTimeout),
		events.WithLogger(a.log),
		events.WithMetrics(a.metrics),
	}
	if auth := cfg.Events.Auth; auth.SecretKey != "" {
		var authOpts []events.AuthOption
		if auth.TTL > 0 {
			authOpts = append(authOpts, events.WithTokenTTL(auth.TTL))
		}
		ea, err := events.NewAuth(auth.SecretKey, auth.ClientID, authOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		evOpts = append(evOpts, events.WithAuth(ea))
	}
	a.events = events.NewDispatcher(cfg.Events.URLs, evOpts...)

	trOpts := []transcribe.Option{
		transcribe.WithLogger(a.log),
		transcribe.WithMetrics(a.metrics),
		transcribe.WithProviderName(providers.TranscriberName),
	}
	if c := cfg.Transcription.Correction; c.Enabled && len(cfg.Transcription.Phrases) > 0 {
		trOpts = append(trOpts, transcribe.WithCorrector(transcript.NewCorrector(cfg.Transcription.Phrases,
			transcript.WithMatcher(phonetic.New(
				phonetic.WithPhoneticThreshold(c.PhoneticThreshold),
				phonetic.WithFuzzyThreshold(c.FuzzyThreshold),
			)),
		)))
	}
	a.transcriber = transcribe.New(providers.Transcriber, transcribeConfig(cfg.Transcription), trOpts...)

	a.calls = call.NewRegistry(pool, a.newSpeaker,
		call.WithEventSink(a.events),
		call.WithIngress(ingress.Config{
			BindAddr:        cfg.Ports.BindAddr,
			QueueSize:       cfg.Ingress.QueueSize,
			AllowedSources:  cfg.Ingress.AllowedSources,
			OpusPayloadType: cfg.Codec.OpusPayloadType,
		}),
		call.WithLogger(a.log),
		call.WithMetrics(a.metrics),
	)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	apiOpts := []api.Option{
		api.WithLogger(a.log),
		api.WithStats("events", func() any { return a.events.Stats() }),
		api.WithStats("transcription", func() any { return a.transcriber.Stats() }),
		api.WithStats("ingress", func() any { return a.ingressStats() }),
		api.WithStats("turn", func() any { return a.detector.Params() }),
	}
	if a.providers.Breakers != nil {
		apiOpts = append(apiOpts, api.WithStats("breakers", func() any { return a.providers.Breakers() }))
	}
	api.New(a.calls, apiOpts...).Register(mux)

	checks := []health.Checker{
		health.PortsCheck(a.pool.Available),
		health.EventsCheck(a.events.Connected, a.events.Configured),
		health.IngressCheck(a.calls.Healthy),
	}
	if a.providers.Available != nil {
		checks = append(checks, health.TranscriptionCheck(a.providers.Available))
	}
	health.New(checks...).Register(mux)

	a.telemetry.Register(mux)
	return mux
}

// ingressStats sums the receiver counters of every active call by speaker.
func (a *App) ingressStats() map[types.Speaker]ingress.Stats {
	out := map[types.Speaker]ingress.Stats{}
	for _, s := range a.calls.List() {
		for _, sp := range []types.Speaker{types.SpeakerCustomer, types.SpeakerAgent} {
			st, cur := s.IngressStats(sp), out[sp]
			cur.Received += st.Received
			cur.Dropped += st.Dropped
			cur.Malformed += st.Malformed
			cur.Rejected += st.Rejected
			cur.Frames += st.Frames
			cur.QueueDepth += st.QueueDepth
			cur.QueueCap += st.QueueCap
			out[sp] = cur
		}
	}
	return out
}

// newSpeaker builds the pipeline of one call leg.
func (a *App) newSpeaker(ctx context.Context, callID string, speaker types.Speaker) (call.Processor, error) {
	v := a.cfg.VAD
	sp, err := pipeline.NewSpeaker(ctx, pipeline.SpeakerConfig{
		CallID:  callID,
		Speaker: speaker,
		VAD: vad.Config{
			SampleRate:      audio.WidebandRate,
			FrameSizeMs:     v.FrameMs,
			SpeechThreshold: v.Threshold,
			MinSpeech:       v.MinSpeech,
			MaxSpeech:       v.MaxSpeech,
			SmoothingWindow: v.SmoothingWindow,
		},
		Engine:      a.providers.VAD,
		Transcriber: a.transcriber,
		Detector:    a.detector,
		Sink:        a.events,
		MinTurn:     v.MinTurn,
		PreRoll:     v.PreRoll,
	}, pipeline.WithLogger(a.log), pipeline.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// Calls returns the call registry.
func (a *App) Calls() *call.Registry { return a.calls }

// TurnParams returns the live turn detection parameters.
func (a *App) TurnParams() turn.Params { return a.detector.Params() }

// Handler returns the HTTP handler with all routes.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run connects the event destinations and serves HTTP until ctx is done.
// The listener stays open after Run returns so requests in flight can finish;
// [App.Shutdown] closes it.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	if err := a.events.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("app: start events: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		serveErr <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Reload applies the hot-reloadable part of a config change.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TurnChanged {
		p := turnParams(d.NewTurn)
		if err := p.Validate(); err != nil {
			a.log.Warn("ignoring invalid turn parameters", "err", err)
		} else {
			a.detector.SetParams(p)
			a.log.Info("turn parameters changed", "threshold", p.Threshold)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown stops accepting requests, ends every call, drains transcription
// and flushes queued events, all within ctx. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.calls.Count())
		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		if err := a.calls.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("calls: %w", err))
		}
		if err := a.transcriber.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.events.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
		a.stopErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

func turnParams(t config.TurnConfig) turn.Params {
	return turn.Params{
		Weights: turn.Weights{
			Morpheme: t.MorphemeWeight,
			Duration: t.DurationWeight,
			Silence:  t.SilenceWeight,
		},
		Threshold: t.Threshold,
	}
}

func transcribeConfig(t config.TranscriptionConfig) transcribe.Config {
	phrases := make([]types.KeywordBoost, len(t.Phrases))
	for i, p := range t.Phrases {
		phrases[i] = types.KeywordBoost{Keyword: p}
	}
	return transcribe.Config{
		Workers:        t.Workers,
		QueueSize:      t.QueueSize,
		MaxAttempts:    t.MaxAttempts,
		RetryDelay:     t.RetryDelay,
		AttemptTimeout: t.AttemptTimeout,
		Language:       t.Language,
		Phrases:        phrases,
		Boost:          t.Boost,
	}
}

// SlogLevel maps a config level to slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
