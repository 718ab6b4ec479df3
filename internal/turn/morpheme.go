package turn

import (
	"regexp"
	"strings"
	"sync"
)

// Morpheme scores returned by the built-in analyzers.
const (
	ScoreFinal      = 0.95
	ScoreConnective = 0.2
	ScoreNeutral    = 0.5
)

// MorphemeAnalyzer scores how strongly a transcript ends like a finished
// sentence, from 0 (clearly mid-clause) to 1 (clearly final).
// Implementations must be safe for concurrent use.
type MorphemeAnalyzer interface {
	Score(text string) float64
}

// AnalyzerFunc adapts a function to [MorphemeAnalyzer].
type AnalyzerFunc func(text string) float64

// Score calls f.
func (f AnalyzerFunc) Score(text string) float64 { return f(text) }

// StaticAnalyzer returns the same score for every text.
type StaticAnalyzer float64

// Score returns s.
func (s StaticAnalyzer) Score(string) float64 { return float64(s) }

// PatternAnalyzer scores text by matching its ending against two pattern
// lists. Final patterns are checked first.
type PatternAnalyzer struct {
	final      []*regexp.Regexp
	connective []*regexp.Regexp
}

// NewPatternAnalyzer compiles the given patterns. It panics on an invalid
// pattern, like regexp.MustCompile.
func NewPatternAnalyzer(final, connective []string) *PatternAnalyzer {
	a := &PatternAnalyzer{}
	for _, p := range final {
		a.final = append(a.final, regexp.MustCompile(p))
	}
	for _, p := range connective {
		a.connective = append(a.connective, regexp.MustCompile(p))
	}
	return a
}

// Score returns [ScoreFinal] for a final ending, [ScoreConnective] for a
// connective ending and [ScoreNeutral] for blank or unrecognised text.
func (a *PatternAnalyzer) Score(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return ScoreNeutral
	}
	for _, re := range a.final {
		if re.MatchString(text) {
			return ScoreFinal
		}
	}
	for _, re := range a.connective {
		if re.MatchString(text) {
			return ScoreConnective
		}
	}
	return ScoreNeutral
}

// Korean sentence endings. Final endings close a sentence (declarative,
// interrogative, imperative, short answers); connective endings and fillers
// leave it open.
var (
	koreanFinal = []string{
		`습니다$`, `입니다$`, `합니다$`, `됩니다$`,
		`예요$`, `에요$`, `이에요$`, `네요$`, `군요$`,
		`거든요$`, `잖아요$`, `는데요$`,
		`나요\?*$`, `까요\?*$`, `세요\?*$`, `어요\?*$`,
		`습니까\?*$`, `입니까\?*$`,
		`하세요$`, `주세요$`, `해주세요$`, `드릴게요$`,
		`^네$`, `^예$`, `^아니요$`, `^아니오$`,
		`^알겠습니다$`, `^감사합니다$`, `^네네$`, `^아$`,
		`었어요$`, `았어요$`, `였어요$`,
		`었습니다$`, `았습니다$`, `였습니다$`,
	}
	koreanConnective = []string{
		`는데$`, `인데$`, `은데$`,
		`고$`, `고요$`,
		`며$`, `서$`, `니까$`, `면$`,
		`지만$`, `라서$`, `해서$`,
		`어\.\.\.$`, `음\.\.\.$`, `그\.\.\.$`,
		`근데$`, `그래서$`, `그런데$`,
	}
)

// NewKoreanAnalyzer returns the pattern analyzer for Korean.
func NewKoreanAnalyzer() *PatternAnalyzer {
	return NewPatternAnalyzer(koreanFinal, koreanConnective)
}

var (
	analyzersMu sync.RWMutex
	analyzers   = map[string]MorphemeAnalyzer{
		"ko": NewKoreanAnalyzer(),
	}
)

// RegisterAnalyzer makes a for language available to [AnalyzerFor]. The
// language is matched on its primary subtag, so "ko-KR" uses "ko".
func RegisterAnalyzer(language string, a MorphemeAnalyzer) {
	analyzersMu.Lock()
	defer analyzersMu.Unlock()
	analyzers[primaryTag(language)] = a
}

// AnalyzerFor returns the analyzer registered for language. Unknown
// languages get a neutral [StaticAnalyzer] and ok=false.
func AnalyzerFor(language string) (a MorphemeAnalyzer, ok bool) {
	analyzersMu.RLock()
	defer analyzersMu.RUnlock()
	if a, ok := analyzers[primaryTag(language)]; ok {
		return a, true
	}
	return StaticAnalyzer(ScoreNeutral), false
}

func primaryTag(language string) string {
	tag, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(language)), "-")
	return tag
}
