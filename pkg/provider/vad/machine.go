package vad

import (
	"time"

	"github.com/MrWong99/aicc/pkg/types"
)

// State is the speech/silence state of a [Machine].
type State int

const (
	// StateSilence means no segment is open.
	StateSilence State = iota

	// StateSpeech means a speech segment is open.
	StateSpeech
)

// String returns "silence" or "speech".
func (s State) String() string {
	if s == StateSpeech {
		return "speech"
	}
	return "silence"
}

// RequiredSilence returns how much continuous silence closes a segment that
// has been speaking for elapsed. Short utterances ("네", "아니요") close fast;
// long explanations get the full window.
func RequiredSilence(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 500*time.Millisecond:
		return 200 * time.Millisecond
	case elapsed < 2*time.Second:
		return 300 * time.Millisecond
	default:
		return 400 * time.Millisecond
	}
}

// Machine is the speech segmentation state machine shared by all engines. It
// consumes one confidence value per analysis window and reports segment
// boundaries in stream time. Not safe for concurrent use.
type Machine struct {
	threshold float64
	minSpeech time.Duration
	maxSpeech time.Duration

	history []float64
	next    int
	filled  int

	state      State
	pos        time.Duration
	speechRun  time.Duration
	silenceRun time.Duration
	segStart   time.Duration
}

// NewMachine creates a machine from cfg. Zero fields take their defaults.
func NewMachine(cfg Config) *Machine {
	cfg = cfg.WithDefaults()
	return &Machine{
		threshold: cfg.SpeechThreshold,
		minSpeech: cfg.MinSpeech,
		maxSpeech: cfg.MaxSpeech,
		history:   make([]float64, cfg.SmoothingWindow),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Position returns the stream offset at the end of the last window.
func (m *Machine) Position() time.Duration { return m.pos }

// Step advances the machine by one window of length frameDur with the given
// raw confidence.
func (m *Machine) Step(confidence float64, frameDur time.Duration) types.VADEvent {
	p := m.smooth(confidence)
	m.pos += frameDur
	speech := p >= m.threshold

	if m.state == StateSilence {
		if !speech {
			m.speechRun = 0
			return types.VADEvent{Type: types.VADSilence, Probability: p}
		}
		m.speechRun += frameDur
		if m.speechRun < m.minSpeech {
			return types.VADEvent{Type: types.VADSilence, Probability: p}
		}
		m.state = StateSpeech
		m.segStart = m.pos - m.speechRun
		m.silenceRun = 0
		return types.VADEvent{Type: types.VADSpeechStart, Probability: p, SegmentStart: m.segStart}
	}

	if speech {
		m.silenceRun = 0
	} else {
		m.silenceRun += frameDur
		silenceStart := m.pos - m.silenceRun
		if m.silenceRun >= RequiredSilence(silenceStart-m.segStart) {
			return m.close(p, silenceStart, m.silenceRun)
		}
	}

	if m.maxSpeech > 0 && m.pos-m.segStart >= m.maxSpeech {
		return m.close(p, m.pos-m.silenceRun, m.silenceRun)
	}
	return types.VADEvent{Type: types.VADSpeechContinue, Probability: p, SegmentStart: m.segStart}
}

func (m *Machine) close(p float64, end, silence time.Duration) types.VADEvent {
	ev := types.VADEvent{
		Type:         types.VADSpeechEnd,
		Probability:  p,
		SegmentStart: m.segStart,
		SegmentEnd:   end,
		Silence:      silence,
	}
	m.state = StateSilence
	m.speechRun = 0
	m.silenceRun = 0
	return ev
}

// Reset clears smoothing history and state but keeps the stream position so
// later offsets stay monotonic.
func (m *Machine) Reset() {
	clear(m.history)
	m.next, m.filled = 0, 0
	m.state = StateSilence
	m.speechRun, m.silenceRun, m.segStart = 0, 0, 0
}

// smooth averages the last len(history) confidences, or fewer while the
// history is still filling up.
func (m *Machine) smooth(c float64) float64 {
	m.history[m.next] = c
	m.next = (m.next + 1) % len(m.history)
	if m.filled < len(m.history) {
		m.filled++
	}
	var sum float64
	for i := range m.filled {
		sum += m.history[i]
	}
	return sum / float64(m.filled)
}
