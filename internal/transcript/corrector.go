// Package transcript post-processes recognised text before it reaches turn
// detection.
package transcript

import (
	"strings"

	"github.com/MrWong99/aicc/internal/transcript/phonetic"
)

// Correction records one replaced window.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// Option is a functional option for [NewCorrector].
type Option func(*Corrector)

// WithMatcher replaces the default matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) { c.matcher = m }
}

// Corrector snaps misrecognised spans of a transcript onto the configured
// domain phrases ("데이타 쉐어링" becomes "데이터 쉐어링"). It is safe for
// concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
	phrases *phonetic.Phrases
}

// NewCorrector prepares phrases once for all later calls.
func NewCorrector(phrases []string, opts ...Option) *Corrector {
	c := &Corrector{phrases: phonetic.Prepare(phrases)}
	for _, o := range opts {
		o(c)
	}
	if c.matcher == nil {
		c.matcher = phonetic.New()
	}
	return c
}

// Correct tokenises text on whitespace and, at each position, tries windows
// from one word longer than the longest phrase down to a single word. The
// longest matching window wins. Windows already equal to their phrase are
// kept but not reported.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c.phrases.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	// One extra word lets a phrase split by the recogniser ("e sim") match.
	maxWords := c.phrases.MaxWords() + 1

	var (
		out         []string
		corrections []Correction
		changed     bool
	)
	for i := 0; i < len(tokens); {
		n := min(maxWords, len(tokens)-i)
		matched := false
		for ; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			phrase, conf, ok := c.matcher.Match(window, c.phrases)
			if !ok {
				continue
			}
			out = append(out, phrase)
			if phrase != window {
				changed = true
				corrections = append(corrections, Correction{Original: window, Corrected: phrase, Confidence: conf})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	if !changed {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}
