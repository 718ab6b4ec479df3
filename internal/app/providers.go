package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/aicc/internal/config"
	"github.com/MrWong99/aicc/internal/resilience"
	"github.com/MrWong99/aicc/pkg/provider/stt"
	"github.com/MrWong99/aicc/pkg/provider/vad"
)

// Providers holds the instantiated backends the pipeline depends on.
type Providers struct {
	// Transcriber is the (usually failover-wrapped) transcription backend.
	Transcriber     stt.Provider
	TranscriberName string

	// Available reports whether any transcription backend can take work.
	// Nil skips the readiness check.
	Available func() bool

	// Breakers returns the breaker state per backend. May be nil.
	Breakers func() map[string]string

	VAD vad.Engine
}

// noTranscriber returns an empty result for every segment. It stands in
// when no backend is configured so turns still flow with degraded text.
var noTranscriber = stt.ProviderFunc(func(context.Context, stt.Request) (stt.Result, error) {
	return stt.Result{}, nil
})

// BuildProviders instantiates the configured backends from reg. Every
// transcription entry sits behind its own circuit breaker; the first entry
// is the primary and the rest are tried in order when it fails.
func BuildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Providers{}

	engine, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("app: vad: %w", err)
	}
	p.VAD = engine

	entries := cfg.Transcription.Providers
	if len(entries) == 0 {
		log.Warn("no transcription provider configured, turns will carry empty text")
		p.Transcriber = noTranscriber
		p.TranscriberName = "none"
		return p, nil
	}

	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Transcription.Breaker.MaxFailures,
			ResetTimeout: cfg.Transcription.Breaker.ResetTimeout,
			HalfOpenMax:  cfg.Transcription.Breaker.HalfOpenMax,
			Logger:       log,
			OnStateChange: func(name string, from, to resilience.State) {
				log.Warn("transcription breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			},
		},
		Logger: log,
	}

	var fb *resilience.TranscriberFallback
	for i, e := range entries {
		prov, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: transcription provider %d: %w", i, err)
		}
		if fb == nil {
			fb = resilience.NewTranscriberFallback(prov, e.Name, fcfg)
			continue
		}
		fb.AddFallback(e.Name, prov)
	}

	p.Transcriber = fb
	p.TranscriberName = entries[0].Name
	p.Available = fb.Available
	p.Breakers = func() map[string]string {
		out := map[string]string{}
		for name, st := range fb.States() {
			out[name] = st.String()
		}
		return out
	}
	return p, nil
}
