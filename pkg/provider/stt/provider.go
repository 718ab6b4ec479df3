// Package stt defines the Provider interface for speech-to-text backends.
//
// The pipeline transcribes one closed speech segment at a time, so providers
// are request/response: a Request carries the complete segment audio plus
// recognition hints and Transcribe returns the recognised text. Streaming
// backends (Deepgram) open a short-lived stream per request and collect the
// final results before returning.
//
// Implementations must be safe for concurrent use; the transcription
// dispatcher calls Transcribe from several workers at once.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/aicc/pkg/types"
)

// ErrEmptyAudio is returned when a Request carries no samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request is one transcription job.
type Request struct {
	// Audio is 16-bit signed little-endian mono PCM.
	Audio []byte

	// SampleRate is the sample rate of Audio in Hz. Zero means 16000.
	SampleRate int

	// Language is the language hint (e.g. "ko", "ko-KR"). Empty lets the
	// backend decide.
	Language string

	// Phrases are vocabulary hints that raise recognition probability for
	// domain terms. Backends that cannot boost ignore them or fold them into
	// a prompt.
	Phrases []types.KeywordBoost
}

// Rate returns the effective sample rate.
func (r Request) Rate() int {
	if r.SampleRate <= 0 {
		return 16000
	}
	return r.SampleRate
}

// Result is a transcription result.
type Result struct {
	Text string

	// Confidence is in [0, 1]. Backends that do not report one return 1 for
	// non-empty text.
	Confidence float64

	// Language is the language the backend recognised, when reported.
	Language string
}

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe recognises the speech in req. It returns ErrEmptyAudio for a
	// request without samples and honours ctx cancellation.
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func(ctx context.Context, req Request) (Result, error)

// Transcribe calls f.
func (f ProviderFunc) Transcribe(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
