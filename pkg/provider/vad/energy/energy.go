// Package energy provides a vad.Engine that scores speech from short-term
// RMS energy, attenuated by the zero-crossing rate to reject broadband noise.
//
// It needs no model files and is the default engine for telephony audio,
// where line noise is low and the 8 kHz band limits what a neural detector
// could add.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/aicc/pkg/audio"
	"github.com/MrWong99/aicc/pkg/provider/vad"
	"github.com/MrWong99/aicc/pkg/types"
)

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

const (
	// energyScale converts a [0,1] speech threshold into an RMS level on the
	// int16 scale.
	energyScale = 500.0

	defaultZCRThreshold = 0.1
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Option is a functional option for Engine.
type Option func(*Engine)

// WithZCRThreshold sets the zero-crossing rate above which confidence is
// attenuated. Defaults to 0.1.
func WithZCRThreshold(zcr float64) Option {
	return func(e *Engine) { e.zcrThreshold = zcr }
}

// WithEnergyThreshold sets the RMS level treated as the speech threshold,
// overriding the value derived from Config.SpeechThreshold.
func WithEnergyThreshold(rms float64) Option {
	return func(e *Engine) { e.energyThreshold = rms }
}

// Engine creates energy-based VAD sessions. It is stateless and safe for
// concurrent use.
type Engine struct {
	zcrThreshold    float64
	energyThreshold float64
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{zcrThreshold: defaultZCRThreshold}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	thr := e.energyThreshold
	if thr <= 0 {
		thr = energyScale * cfg.SpeechThreshold
	}
	if thr <= 0 {
		return nil, fmt.Errorf("energy: energy threshold must be positive")
	}
	return &session{
		cfg:          cfg,
		machine:      vad.NewMachine(cfg),
		threshold:    thr,
		zcrThreshold: e.zcrThreshold,
	}, nil
}

type session struct {
	mu           sync.Mutex
	cfg          vad.Config
	machine      *vad.Machine
	threshold    float64
	zcrThreshold float64
	closed       bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, ErrClosed
	}
	if want := s.cfg.FrameBytes(); len(frame) != want {
		return types.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), want)
	}
	return s.machine.Step(Confidence(frame, s.threshold, s.zcrThreshold), s.cfg.FrameDuration()), nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.Reset()
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Confidence maps the energy of one PCM window to a speech confidence in
// [0,1]. Confidence reaches 0.5 at the threshold RMS level and is scaled
// down by max(0.5, 1-zcr) when the zero-crossing rate exceeds zcrThreshold.
func Confidence(pcm []byte, threshold, zcrThreshold float64) float64 {
	rms := audio.RMS(pcm)
	c := min(1.0, max(0.0, (rms-threshold*0.5)/threshold))
	if zcr := audio.ZeroCrossingRate(pcm); zcr > zcrThreshold {
		c *= max(0.5, 1.0-zcr)
	}
	return c
}
