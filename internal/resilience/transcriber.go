package resilience

import (
	"context"

	"github.com/MrWong99/aicc/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Provider] with failover across several
// transcription backends, each behind its own circuit breaker.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a TranscriberFallback with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *TranscriberFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe sends req to the first healthy backend, failing over on error.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
}

// Available reports whether any backend's breaker is not open.
func (f *TranscriberFallback) Available() bool { return f.group.Available() }

// States returns the breaker state of each backend.
func (f *TranscriberFallback) States() map[string]State { return f.group.States() }
