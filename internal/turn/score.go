// Package turn decides whether a finished speech segment completes the
// speaker's turn.
//
// Three signals are fused into one score: the sentence-final morphology of
// the transcript (language specific, see [MorphemeAnalyzer]), the segment
// duration and the trailing silence that closed it. Each sub-score and the
// fusion are plain functions so they can be tested and tuned in isolation.
package turn

import (
	"math"
	"time"
)

// Decision is the completeness verdict for a turn.
type Decision string

const (
	Complete   Decision = "complete"
	Incomplete Decision = "incomplete"
)

const (
	// DefaultThreshold is the fusion score at or above which a turn is
	// complete.
	DefaultThreshold = 0.65

	// LongUtterance is the duration beyond which a turn ending on a
	// connective is forced incomplete.
	LongUtterance = 5 * time.Second

	// ConnectiveCeiling is the morpheme score below which an ending counts
	// as connective for the long-utterance override.
	ConnectiveCeiling = 0.4

	// weightTolerance is how far the weight sum may drift from 1 before a
	// warning is logged.
	weightTolerance = 0.01
)

// Weights are the fusion weights of the three sub-scores.
type Weights struct {
	Morpheme float64 `yaml:"morpheme_weight" json:"morpheme_weight"`
	Duration float64 `yaml:"duration_weight" json:"duration_weight"`
	Silence  float64 `yaml:"silence_weight" json:"silence_weight"`
}

// DefaultWeights returns 0.6 / 0.2 / 0.2.
func DefaultWeights() Weights {
	return Weights{Morpheme: 0.6, Duration: 0.2, Silence: 0.2}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 { return w.Morpheme + w.Duration + w.Silence }

// Normalized reports whether the weights sum to 1 within tolerance.
func (w Weights) Normalized() bool { return math.Abs(w.Sum()-1) <= weightTolerance }

// DurationScore rates how typical a segment length is for a complete
// utterance. It rises linearly from 0.5 at 0.5 s to 0.7 at 2 s, falls back to
// 0.5 at 5 s and is flat outside that range (0.3 below, 0.4 above).
func DurationScore(d time.Duration) float64 {
	s := d.Seconds()
	switch {
	case s < 0.5:
		return 0.3
	case s < 2:
		return 0.5 + (s-0.5)*(0.2/1.5)
	case s < 5:
		return 0.7 - (s-2)*(0.2/3)
	default:
		return 0.4
	}
}

// SilenceScore rates the trailing silence. Longer pauses suggest the speaker
// is done.
func SilenceScore(silence time.Duration) float64 {
	switch ms := silence.Milliseconds(); {
	case ms < 200:
		return 0.3
	case ms < 400:
		return 0.5
	case ms < 800:
		return 0.7
	default:
		return 0.85
	}
}

// Fuse combines the sub-scores with w.
func Fuse(morpheme, duration, silence float64, w Weights) float64 {
	return w.Morpheme*morpheme + w.Duration*duration + w.Silence*silence
}

// round3 rounds to three decimals for reporting.
func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
