package turn

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Result is the outcome of one turn decision. Scores are rounded to three
// decimals.
type Result struct {
	Decision      Decision      `json:"decision"`
	FusionScore   float64       `json:"fusion_score"`
	MorphemeScore float64       `json:"morpheme_score"`
	DurationScore float64       `json:"duration_score"`
	SilenceScore  float64       `json:"silence_score"`
	Transcript    string        `json:"transcript,omitempty"`
	Duration      time.Duration `json:"-"`
	Silence       time.Duration `json:"-"`

	// Overridden is true when the long-utterance rule forced Incomplete.
	Overridden bool `json:"overridden,omitempty"`
}

// Complete reports whether the decision is [Complete].
func (r Result) Complete() bool { return r.Decision == Complete }

// Params are the tunable parameters of a [Detector].
type Params struct {
	Weights   Weights
	Threshold float64
}

// DefaultParams returns the default weights and threshold.
func DefaultParams() Params {
	return Params{Weights: DefaultWeights(), Threshold: DefaultThreshold}
}

// Validate rejects negative weights and thresholds outside [0, 1].
func (p Params) Validate() error {
	var errs []error
	for name, w := range map[string]float64{
		"morpheme": p.Weights.Morpheme,
		"duration": p.Weights.Duration,
		"silence":  p.Weights.Silence,
	} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("turn: %s weight %v must not be negative", name, w))
		}
	}
	if p.Weights.Sum() == 0 {
		errs = append(errs, errors.New("turn: weights must not all be zero"))
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, fmt.Errorf("turn: threshold %v must be in [0, 1]", p.Threshold))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Detector)

// WithParams sets weights and threshold.
func WithParams(p Params) Option {
	return func(d *Detector) { d.params.Store(&p) }
}

// WithAnalyzer sets the morpheme analyzer. Defaults to the Korean analyzer.
func WithAnalyzer(a MorphemeAnalyzer) Option {
	return func(d *Detector) { d.analyzer = a }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// Detector fuses morpheme, duration and silence scores into a decision. It
// is safe for concurrent use; parameters can be swapped at runtime with
// SetParams.
type Detector struct {
	analyzer MorphemeAnalyzer
	params   atomic.Pointer[Params]
	log      *slog.Logger
}

// New creates a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{}
	def := DefaultParams()
	d.params.Store(&def)
	for _, o := range opts {
		o(d)
	}
	if d.analyzer == nil {
		d.analyzer, _ = AnalyzerFor("ko")
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.warnWeights(*d.params.Load())
	return d
}

// Params returns the active parameters.
func (d *Detector) Params() Params { return *d.params.Load() }

// SetParams replaces weights and threshold for subsequent decisions.
func (d *Detector) SetParams(p Params) {
	d.warnWeights(p)
	d.params.Store(&p)
}

func (d *Detector) warnWeights(p Params) {
	if !p.Weights.Normalized() {
		d.log.Warn("turn detector weights do not sum to 1", "sum", round3(p.Weights.Sum()))
	}
}

// Detect scores text with the configured analyzer and decides.
func (d *Detector) Detect(text string, duration, silence time.Duration) Result {
	text = strings.TrimSpace(text)
	r := d.Decide(d.analyzer.Score(text), duration, silence)
	r.Transcript = text
	return r
}

// Decide fuses an already computed morpheme score with the duration and
// silence scores. A turn longer than [LongUtterance] whose morpheme score is
// below [ConnectiveCeiling] is Incomplete whatever the fusion score.
func (d *Detector) Decide(morpheme float64, duration, silence time.Duration) Result {
	p := d.params.Load()
	ds := DurationScore(duration)
	ss := SilenceScore(silence)
	fusion := Fuse(morpheme, ds, ss, p.Weights)

	r := Result{
		FusionScore:   round3(fusion),
		MorphemeScore: round3(morpheme),
		DurationScore: round3(ds),
		SilenceScore:  round3(ss),
		Duration:      duration,
		Silence:       silence,
		Decision:      Incomplete,
	}
	switch {
	case duration > LongUtterance && morpheme < ConnectiveCeiling:
		r.Overridden = fusion >= p.Threshold
	case fusion >= p.Threshold:
		r.Decision = Complete
	}
	return r
}
