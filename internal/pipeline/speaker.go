// Package pipeline turns one speaker's decoded audio into turn events.
//
// A [Speaker] cuts the incoming 16 kHz frames into VAD analysis windows and
// keeps the audio of the open speech segment. When the VAD closes a segment
// the audio is submitted for transcription and a finalizer task waits for the
// transcript, scores the turn and emits a turn_complete event. Finalizers of
// one speaker emit in segment-close order even when transcription of a later
// segment finishes first.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aicc/internal/events"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/internal/transcribe"
	"github.com/MrWong99/aicc/internal/turn"
	"github.com/MrWong99/aicc/pkg/audio"
	"github.com/MrWong99/aicc/pkg/provider/vad"
	"github.com/MrWong99/aicc/pkg/types"
)

// Speaker defaults.
const (
	// DefaultMinTurn is the shortest segment that becomes a turn.
	DefaultMinTurn = 100 * time.Millisecond

	// DefaultPreRoll is how much audio before the detected onset is kept.
	DefaultPreRoll = 200 * time.Millisecond
)

// Transcriber accepts segments for asynchronous transcription.
// *transcribe.Dispatcher implements it.
type Transcriber interface {
	Submit(ctx context.Context, job transcribe.Job) <-chan transcribe.Result
}

// TurnDetector decides whether a transcribed segment ends the speaker's turn.
// *turn.Detector implements it.
type TurnDetector interface {
	Detect(text string, duration, silence time.Duration) turn.Result
}

// EventSink receives turn events. *events.Dispatcher implements it.
type EventSink interface {
	Send(e events.Event) bool
}

// Segment is one closed span of speech. Offsets are relative to the start of
// the speaker's stream.
type Segment struct {
	Speaker types.Speaker
	Start   time.Duration
	End     time.Duration

	// Silence is the trailing silence that closed the segment.
	Silence time.Duration

	// Audio is PCM16LE mono at the VAD sample rate.
	Audio []byte
}

// Duration returns End - Start.
func (s Segment) Duration() time.Duration { return s.End - s.Start }

// SpeakerConfig holds the parameters and collaborators of a [Speaker].
type SpeakerConfig struct {
	CallID  string
	Speaker types.Speaker

	// VAD configures the session created from Engine.
	VAD    vad.Config
	Engine vad.Engine

	Transcriber Transcriber
	Detector    TurnDetector
	Sink        EventSink

	// MinTurn drops segments shorter than this. Default: 100ms.
	MinTurn time.Duration

	// PreRoll keeps audio from before the detected onset. Default: 200ms.
	PreRoll time.Duration
}

// SpeakerStats summarises the turns of one speaker.
type SpeakerStats struct {
	Speaker         string        `json:"speaker"`
	TurnCount       int           `json:"turn_count"`
	CompleteTurns   int           `json:"complete_turns"`
	IncompleteTurns int           `json:"incomplete_turns"`
	SpeechTime      time.Duration `json:"-"`
	SpeechSeconds   float64       `json:"total_speech_time"`
	Frames          uint64        `json:"frames"`
	ShortDropped    int           `json:"short_segments_dropped"`
	Degraded        int           `json:"degraded_transcriptions"`
}

// Option is a functional option for [NewSpeaker].
type Option func(*Speaker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// WithSegmentHook registers fn to observe every closed segment, including
// the ones dropped as too short. fn runs on the frame goroutine.
func WithSegmentHook(fn func(Segment)) Option {
	return func(s *Speaker) { s.onSegment = fn }
}

type window struct {
	off  time.Duration
	data []byte
}

// Speaker processes the frames of one call leg. HandleFrame must be called
// from a single goroutine; Stats may be called from any goroutine.
type Speaker struct {
	cfg       SpeakerConfig
	session   vad.SessionHandle
	tasks     *TaskGroup
	log       *slog.Logger
	metrics   *observe.Metrics
	onSegment func(Segment)

	frameBytes int
	frameDur   time.Duration
	keep       time.Duration

	// Frame goroutine state.
	pending  []byte
	pos      time.Duration
	recent   []window
	open     bool
	segStart time.Duration
	segAudio []byte
	lastEmit chan struct{}

	mu    sync.Mutex
	stats SpeakerStats
}

// NewSpeaker creates a Speaker and its VAD session. Finalizer tasks run
// under ctx, which should be scoped to the call.
func NewSpeaker(ctx context.Context, cfg SpeakerConfig, opts ...Option) (*Speaker, error) {
	var errs []error
	if !cfg.Speaker.Valid() {
		errs = append(errs, fmt.Errorf("pipeline: invalid speaker %q", cfg.Speaker))
	}
	if cfg.Engine == nil {
		errs = append(errs, errors.New("pipeline: vad engine is nil"))
	}
	if cfg.Transcriber == nil {
		errs = append(errs, errors.New("pipeline: transcriber is nil"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("pipeline: turn detector is nil"))
	}
	if cfg.Sink == nil {
		errs = append(errs, errors.New("pipeline: event sink is nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.MinTurn <= 0 {
		cfg.MinTurn = DefaultMinTurn
	}
	if cfg.PreRoll < 0 {
		cfg.PreRoll = 0
	} else if cfg.PreRoll == 0 {
		cfg.PreRoll = DefaultPreRoll
	}
	cfg.VAD = cfg.VAD.WithDefaults()

	s := &Speaker{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("call_id", cfg.CallID, "speaker", string(cfg.Speaker))
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	session, err := cfg.Engine.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create vad session: %w", err)
	}
	s.session = session
	s.tasks = NewTaskGroup(observe.WithCallID(ctx, cfg.CallID), s.log)
	s.frameBytes = cfg.VAD.FrameBytes()
	s.frameDur = cfg.VAD.FrameDuration()
	s.keep = cfg.VAD.MinSpeech + time.Duration(cfg.VAD.SmoothingWindow+1)*s.frameDur + cfg.PreRoll
	s.stats.Speaker = string(cfg.Speaker)

	done := make(chan struct{})
	close(done)
	s.lastEmit = done
	return s, nil
}

// HandleFrame feeds one decoded frame into the VAD.
func (s *Speaker) HandleFrame(f types.AudioFrame) {
	data := f.Data
	if f.SampleRate > 0 && f.SampleRate != s.cfg.VAD.SampleRate {
		data = audio.ResampleMono16(data, f.SampleRate, s.cfg.VAD.SampleRate)
	}
	s.mu.Lock()
	s.stats.Frames++
	s.mu.Unlock()

	s.pending = append(s.pending, data...)
	off := 0
	for len(s.pending)-off >= s.frameBytes {
		w := make([]byte, s.frameBytes)
		copy(w, s.pending[off:])
		off += s.frameBytes
		s.step(w)
	}
	s.pending = s.pending[:copy(s.pending, s.pending[off:])]
}

func (s *Speaker) step(w []byte) {
	off := s.pos
	s.pos += s.frameDur

	ev, err := s.session.ProcessFrame(w)
	if err != nil {
		s.log.Warn("vad frame rejected", "offset", off.String(), "err", err)
		return
	}

	if s.open {
		s.segAudio = append(s.segAudio, w...)
	} else {
		s.remember(off, w)
	}

	switch ev.Type {
	case types.VADSpeechStart:
		s.openSegment(ev.SegmentStart)
	case types.VADSpeechEnd:
		if !s.open {
			s.openSegment(ev.SegmentStart)
		}
		s.closeSegment(ev)
	}
}

func (s *Speaker) remember(off time.Duration, w []byte) {
	s.recent = append(s.recent, window{off: off, data: w})
	cut := 0
	for cut < len(s.recent) && s.recent[cut].off < s.pos-s.keep {
		cut++
	}
	if cut > 0 {
		s.recent = append(s.recent[:0], s.recent[cut:]...)
	}
}

// openSegment starts the segment buffer with the remembered windows that
// overlap [onset-PreRoll, now).
func (s *Speaker) openSegment(onset time.Duration) {
	from := max(onset-s.cfg.PreRoll, 0)
	s.open = true
	s.segAudio = nil
	s.segStart = -1
	for _, w := range s.recent {
		if w.off+s.frameDur <= from {
			continue
		}
		if s.segStart < 0 {
			s.segStart = w.off
		}
		s.segAudio = append(s.segAudio, w.data...)
	}
	if s.segStart < 0 {
		s.segStart = s.pos
	}
	s.recent = s.recent[:0]
}

func (s *Speaker) closeSegment(ev types.VADEvent) {
	audioBytes := s.segAudio
	if keep := bytesFor(ev.SegmentEnd-s.segStart, s.cfg.VAD.SampleRate); keep >= 0 && keep < len(audioBytes) {
		audioBytes = audioBytes[:keep]
	}
	seg := Segment{
		Speaker: s.cfg.Speaker,
		Start:   ev.SegmentStart,
		End:     ev.SegmentEnd,
		Silence: ev.Silence,
		Audio:   audioBytes,
	}
	s.open = false
	s.segAudio = nil

	if s.onSegment != nil {
		s.onSegment(seg)
	}
	s.finalize(seg)
}

func bytesFor(d time.Duration, rate int) int {
	return int(d*time.Duration(rate)/time.Second) * 2
}

// finalize submits seg for transcription and schedules the turn decision.
func (s *Speaker) finalize(seg Segment) {
	dur := seg.Duration()
	if dur < s.cfg.MinTurn {
		s.mu.Lock()
		s.stats.ShortDropped++
		s.mu.Unlock()
		s.log.Debug("segment too short, dropped", "duration", dur.String())
		return
	}

	ctx := s.tasks.Context()
	results := s.cfg.Transcriber.Submit(ctx, transcribe.Job{
		CallID:     s.cfg.CallID,
		Speaker:    s.cfg.Speaker,
		Audio:      seg.Audio,
		SampleRate: s.cfg.VAD.SampleRate,
	})

	prev := s.lastEmit
	done := make(chan struct{})
	s.lastEmit = done
	started := s.tasks.Go("finalize_turn", func(ctx context.Context) error {
		defer close(done)

		var res transcribe.Result
		select {
		case res = <-results:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.Degraded {
			s.log.Warn("transcription degraded, scoring empty transcript",
				"start", seg.Start.String(), "attempts", res.Attempts, "err", res.Err)
		}
		r := s.cfg.Detector.Detect(res.Text, dur, seg.Silence)

		// Keep segment-close order.
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.record(r, dur, res.Degraded)
		s.metrics.RecordTurn(ctx, string(s.cfg.Speaker), string(r.Decision))
		s.cfg.Sink.Send(events.TurnComplete{
			CallID:            s.cfg.CallID,
			Speaker:           string(s.cfg.Speaker),
			StartTime:         events.Seconds(seg.Start, 3),
			EndTime:           events.Seconds(seg.End, 3),
			Transcript:        r.Transcript,
			Decision:          string(r.Decision),
			FusionScore:       r.FusionScore,
			MorphemeScore:     r.MorphemeScore,
			DurationScore:     r.DurationScore,
			SilenceScore:      r.SilenceScore,
			SilenceDurationMs: float64(seg.Silence.Milliseconds()),
		})
		s.log.Info("turn detected", "decision", string(r.Decision),
			"fusion_score", r.FusionScore, "duration", dur.String(), "transcript", r.Transcript)
		return nil
	})
	if !started {
		close(done)
		s.log.Debug("speaker closing, segment discarded", "start", seg.Start.String())
	}
}

func (s *Speaker) record(r turn.Result, dur time.Duration, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TurnCount++
	if r.Complete() {
		s.stats.CompleteTurns++
	} else {
		s.stats.IncompleteTurns++
	}
	s.stats.SpeechTime += dur
	if degraded {
		s.stats.Degraded++
	}
}

// Stats returns a snapshot of the speaker's counters.
func (s *Speaker) Stats() SpeakerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.SpeechSeconds = events.Seconds(st.SpeechTime, 2)
	return st
}

// Tasks returns the names of finalizers still running.
func (s *Speaker) Tasks() []string { return s.tasks.Active() }

// Close waits for pending finalizers until ctx expires, cancels the rest and
// releases the VAD session. HandleFrame must not be called concurrently with
// or after Close; an open segment is discarded.
func (s *Speaker) Close(ctx context.Context) error {
	if s.open {
		s.log.Debug("discarding open segment at close", "start", s.segStart.String())
		s.open = false
		s.segAudio = nil
	}
	err := s.tasks.Shutdown(ctx)
	if cerr := s.session.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("pipeline: close vad session: %w", cerr))
	}
	return err
}
