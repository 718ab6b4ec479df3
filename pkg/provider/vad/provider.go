// Package vad defines the Engine interface for Voice Activity Detection
// backends and the shared speech/silence state machine they drive.
//
// An engine turns each PCM frame into a speech confidence and feeds it into a
// [Machine], which applies temporal smoothing, a minimum speech duration and
// an adaptive, duration-aware silence window before reporting segment
// boundaries. Each session keeps its own state so that every speaker stream
// can be processed independently.
//
// ProcessFrame is synchronous and must not block: it runs inline in the
// ingress consumer of a single speaker stream.
package vad

import (
	"fmt"
	"time"

	"github.com/MrWong99/aicc/pkg/types"
)

// Defaults used when a Config field is zero.
const (
	DefaultFrameSizeMs     = 32
	DefaultThreshold       = 0.5
	DefaultMinSpeech       = 250 * time.Millisecond
	DefaultSmoothingWindow = 3
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. The pipeline always uses 16000.
	SampleRate int

	// FrameSizeMs is the duration of each analysis window in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	FrameSizeMs int

	// SpeechThreshold is the smoothed confidence at or above which a window
	// counts as speech. Range: [0.0, 1.0].
	SpeechThreshold float64

	// MinSpeech is how long confidence must stay above the threshold before
	// a segment opens.
	MinSpeech time.Duration

	// MaxSpeech force-closes a segment that runs longer than this. Zero
	// disables the limit.
	MaxSpeech time.Duration

	// SmoothingWindow is the number of trailing windows averaged before the
	// threshold comparison. 1 disables smoothing.
	SmoothingWindow int
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameSizeMs == 0 {
		c.FrameSizeMs = DefaultFrameSizeMs
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultThreshold
	}
	if c.MinSpeech == 0 {
		c.MinSpeech = DefaultMinSpeech
	}
	if c.SmoothingWindow == 0 {
		c.SmoothingWindow = DefaultSmoothingWindow
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate)
	case c.FrameSizeMs <= 0:
		return fmt.Errorf("vad: frame size must be positive, got %d", c.FrameSizeMs)
	case c.SpeechThreshold < 0 || c.SpeechThreshold > 1:
		return fmt.Errorf("vad: speech threshold %.2f out of range [0,1]", c.SpeechThreshold)
	case c.MinSpeech < 0 || c.MaxSpeech < 0:
		return fmt.Errorf("vad: durations must not be negative")
	case c.SmoothingWindow < 1:
		return fmt.Errorf("vad: smoothing window must be at least 1, got %d", c.SmoothingWindow)
	}
	return nil
}

// FrameBytes returns the size in bytes of one analysis window.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// FrameDuration returns the duration of one analysis window.
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameSizeMs) * time.Millisecond
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses exactly one analysis window of PCM and returns the
	// detection result. Returns an error if the frame size does not match
	// Config.FrameBytes. Segment offsets in the event are relative to the
	// first frame processed by the session.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
