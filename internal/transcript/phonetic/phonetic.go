// Package phonetic matches transcript windows against a list of domain
// phrases.
//
// Latin-script windows are matched in two stages: Double Metaphone codes
// select phonetic candidates, then Jaro-Winkler similarity ranks them against
// the phonetic threshold. Windows with no phonetic candidate, and all
// non-Latin windows, fall back to pure Jaro-Winkler against the stricter
// fuzzy threshold. A fuzzy match on a non-Latin window also requires the same
// number of letters as the phrase, so a Korean particle glued to a word
// ("유심을") is never swallowed by a phrase ("유심").
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.90
)

// Option is a functional option for [New].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched phrase. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		if threshold > 0 {
			m.phoneticThreshold = threshold
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		if threshold > 0 {
			m.fuzzyThreshold = threshold
		}
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Phrase is a prepared phrase.
type Phrase struct {
	Text string

	lower   string
	concat  string
	tokens  []string
	codes   map[string]struct{}
	letters int
	latin   bool
}

// Phrases is a prepared phrase list. Build it once with [Prepare] and share
// it between goroutines.
type Phrases struct {
	list     []Phrase
	maxWords int
}

// Prepare normalises phrases and precomputes their phonetic codes. Blank
// entries are skipped.
func Prepare(phrases []string) *Phrases {
	ps := &Phrases{list: make([]Phrase, 0, len(phrases))}
	for _, raw := range phrases {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		tokens := strings.Fields(lower)
		p := Phrase{
			Text:    text,
			lower:   lower,
			concat:  strings.Join(tokens, ""),
			tokens:  tokens,
			letters: letterCount(lower),
			latin:   isLatin(lower),
		}
		if p.latin {
			p.codes = codesForTokens(tokens)
		}
		ps.list = append(ps.list, p)
		ps.maxWords = max(ps.maxWords, len(tokens))
	}
	return ps
}

// Len returns the number of prepared phrases.
func (ps *Phrases) Len() int { return len(ps.list) }

// MaxWords returns the word count of the longest phrase.
func (ps *Phrases) MaxWords() int { return ps.maxWords }

// Match finds the phrase closest to window. When matched is false,
// corrected equals window and confidence is 0.
func (m *Matcher) Match(window string, ps *Phrases) (corrected string, confidence float64, matched bool) {
	if ps == nil || len(ps.list) == 0 || strings.TrimSpace(window) == "" {
		return window, 0, false
	}

	lower := strings.ToLower(strings.TrimSpace(window))
	tokens := strings.Fields(lower)
	latin := isLatin(lower)
	letters := letterCount(lower)

	var inputCodes map[string]struct{}
	if latin {
		inputCodes = codesForTokens(tokens)
	}

	type candidate struct {
		phrase   string
		score    float64
		phonetic bool
	}
	var best candidate

	for i := range ps.list {
		p := &ps.list[i]
		score := bestJWScore(tokens, lower, p)

		if latin && p.latin && codesOverlap(inputCodes, p.codes) {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{phrase: p.Text, score: score, phonetic: true}
			}
			continue
		}
		if best.phonetic || score < m.fuzzyThreshold || score <= best.score {
			continue
		}
		if !latin && letters != p.letters {
			continue
		}
		best = candidate{phrase: p.Text, score: score}
	}

	if best.phrase == "" {
		return window, 0, false
	}
	return best.phrase, best.score, true
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the higher Jaro-Winkler similarity of the full strings and
// the space-stripped strings, so "e sim" still finds "eSIM".
func bestJWScore(tokens []string, full string, p *Phrase) float64 {
	score := matchr.JaroWinkler(full, p.lower, false)
	if len(tokens) > 1 || len(p.tokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(tokens, ""), p.concat, false); s > score {
			score = s
		}
	}
	return score
}

func isLatin(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return true
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
