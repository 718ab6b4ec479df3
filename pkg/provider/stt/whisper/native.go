// NativeProvider needs the whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) at link time via LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/aicc/pkg/audio"
	"github.com/MrWong99/aicc/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp cgo bindings.
// The model is loaded once and shared; each request gets its own context
// because whisper contexts are not safe for concurrent use.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	log      *slog.Logger
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code. Defaults to "ko".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeLogger sets the logger. Defaults to slog.Default().
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(p *NativeProvider) { p.log = l }
}

// NewNative loads the model at modelPath. The caller must call Close when the
// provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs in-process inference on req.Audio. Inference itself cannot
// be interrupted; ctx is checked before it starts and between segments.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	pcm := req.Audio
	if req.Rate() != audio.WidebandRate {
		pcm = audio.ResampleMono16(pcm, req.Rate(), audio.WidebandRate)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(baseLanguage(lang)); err != nil {
		p.log.Warn("whisper: failed to set language, using model default", "language", lang, "err", err)
	}
	if err := wctx.Process(audio.PCMToFloat32(pcm), nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: %w", err)
		}
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return newResult(strings.Join(parts, " "), lang), nil
}

// baseLanguage strips a region suffix: whisper.cpp only knows "ko", not
// "ko-KR".
func baseLanguage(lang string) string {
	base, _, _ := strings.Cut(lang, "-")
	return base
}
