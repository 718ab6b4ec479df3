package pipeline_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/aicc/internal/events"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/internal/pipeline"
	"github.com/MrWong99/aicc/internal/transcribe"
	"github.com/MrWong99/aicc/internal/turn"
	"github.com/MrWong99/aicc/pkg/audio"
	"github.com/MrWong99/aicc/pkg/provider/stt"
	sttmock "github.com/MrWong99/aicc/pkg/provider/stt/mock"
	"github.com/MrWong99/aicc/pkg/provider/vad"
	"github.com/MrWong99/aicc/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/aicc/pkg/provider/vad/mock"
	"github.com/MrWong99/aicc/pkg/types"
)

const rate = 16000

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// sink records events in arrival order.
type sink struct{ ch chan events.Event }

func newSink() *sink { return &sink{ch: make(chan events.Event, 16)} }

func (s *sink) Send(e events.Event) bool {
	s.ch <- e
	return true
}

func (s *sink) next(t *testing.T) events.TurnComplete {
	t.Helper()
	select {
	case e := <-s.ch:
		tc, ok := e.(events.TurnComplete)
		if !ok {
			t.Fatalf("got %T, want TurnComplete", e)
		}
		return tc
	case <-time.After(2 * time.Second):
		t.Fatal("no event before deadline")
		return events.TurnComplete{}
	}
}

func (s *sink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case e := <-s.ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(wait):
	}
}

// manualTranscriber hands every job a channel the test answers.
type manualTranscriber struct {
	mu      sync.Mutex
	jobs    []transcribe.Job
	results []chan transcribe.Result
}

func (m *manualTranscriber) Submit(_ context.Context, job transcribe.Job) <-chan transcribe.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan transcribe.Result, 1)
	m.jobs = append(m.jobs, job)
	m.results = append(m.results, ch)
	return ch
}

func (m *manualTranscriber) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *manualTranscriber) answer(i int, text string) {
	m.mu.Lock()
	ch := m.results[i]
	m.mu.Unlock()
	ch <- transcribe.Result{Text: text}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func tone(d time.Duration, amplitude float64) []byte {
	n := int(d * rate / time.Second)
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amplitude * math.Sin(2*math.Pi*200*float64(i)/rate))
	}
	return audio.Int16sToBytes(s)
}

// feed splits pcm into 20 ms frames as the ingress would deliver them.
func feed(sp *pipeline.Speaker, pcm []byte) {
	const frame = rate / 50 * 2
	var ts time.Duration
	for len(pcm) > 0 {
		n := min(frame, len(pcm))
		f := types.AudioFrame{Data: pcm[:n], SampleRate: rate, Channels: 1, Speaker: types.SpeakerCustomer, Timestamp: ts}
		sp.HandleFrame(f)
		ts += f.Duration()
		pcm = pcm[n:]
	}
}

func newSpeaker(t *testing.T, cfg pipeline.SpeakerConfig, opts ...pipeline.Option) *pipeline.Speaker {
	t.Helper()
	if cfg.CallID == "" {
		cfg.CallID = "c1"
	}
	if cfg.Speaker == "" {
		cfg.Speaker = types.SpeakerCustomer
	}
	if cfg.Detector == nil {
		cfg.Detector = turn.New()
	}
	opts = append(opts, pipeline.WithMetrics(testMetrics(t)))
	sp, err := pipeline.NewSpeaker(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewSpeaker: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sp.Close(ctx)
	})
	return sp
}

func TestNewSpeaker_Validation(t *testing.T) {
	t.Parallel()
	_, err := pipeline.NewSpeaker(context.Background(), pipeline.SpeakerConfig{Speaker: "supervisor"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"speaker", "vad engine", "transcriber", "turn detector", "event sink"} {
		if !containsErr(err, want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	_, err = pipeline.NewSpeaker(context.Background(), pipeline.SpeakerConfig{
		Speaker:     types.SpeakerAgent,
		Engine:      &vadmock.Engine{NewSessionErr: errors.New("model missing")},
		Transcriber: &manualTranscriber{},
		Detector:    turn.New(),
		Sink:        newSink(),
	})
	if err == nil {
		t.Fatal("expected vad session error")
	}
}

func TestSpeaker_SingleSegmentFromEnergyVAD(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Results: []stt.Result{{Text: "네 감사합니다", Confidence: 0.9}}}
	d := transcribe.New(p, transcribe.Config{}, transcribe.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	var (
		mu   sync.Mutex
		segs []pipeline.Segment
	)
	out := newSink()
	sp := newSpeaker(t, pipeline.SpeakerConfig{
		Engine:      energy.New(),
		Transcriber: d,
		Sink:        out,
	}, pipeline.WithSegmentHook(func(s pipeline.Segment) {
		mu.Lock()
		segs = append(segs, s)
		mu.Unlock()
	}))

	// 640 ms of speech then 640 ms of silence.
	feed(sp, tone(640*time.Millisecond, 8000))
	feed(sp, make([]byte, len(tone(640*time.Millisecond, 0))))

	ev := out.next(t)
	mu.Lock()
	defer mu.Unlock()
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	seg := segs[0]
	if seg.Start != 0 || seg.End != 672*time.Millisecond || seg.Silence != 320*time.Millisecond {
		t.Errorf("segment = [%v, %v] silence %v, want [0s, 672ms] silence 320ms", seg.Start, seg.End, seg.Silence)
	}
	if want := 672 * rate / 1000 * 2; len(seg.Audio) != want {
		t.Errorf("segment audio = %d bytes, want %d", len(seg.Audio), want)
	}
	if ev.Transcript != "네 감사합니다" || ev.Decision != "complete" || ev.StartTime != 0 || ev.EndTime != 0.672 {
		t.Errorf("event = %+v", ev)
	}
	if ev.SilenceDurationMs != 320 || ev.CallID != "c1" || ev.Speaker != "customer" {
		t.Errorf("event metadata = %+v", ev)
	}
	if got := p.Calls[0]; len(got.Audio) != len(seg.Audio) || got.SampleRate != rate {
		t.Errorf("transcription request = %d bytes @ %d Hz", len(got.Audio), got.SampleRate)
	}

	st := sp.Stats()
	if st.TurnCount != 1 || st.CompleteTurns != 1 || st.SpeechTime != 672*time.Millisecond {
		t.Errorf("stats = %+v", st)
	}
	out.none(t, 50*time.Millisecond)
}

func scripted(evs ...types.VADEvent) *vadmock.Engine {
	return &vadmock.Engine{Session: &vadmock.Session{
		Events:      evs,
		EventResult: types.VADEvent{Type: types.VADSilence},
	}}
}

func windows(n int) []byte {
	return make([]byte, n*vad.Config{}.WithDefaults().FrameBytes())
}

func TestSpeaker_DropsShortSegments(t *testing.T) {
	t.Parallel()
	tr := &manualTranscriber{}
	out := newSink()
	sp := newSpeaker(t, pipeline.SpeakerConfig{
		Engine: scripted(
			types.VADEvent{Type: types.VADSpeechStart},
			types.VADEvent{Type: types.VADSpeechEnd, SegmentEnd: 64 * time.Millisecond, Silence: 200 * time.Millisecond},
		),
		Transcriber: tr,
		Sink:        out,
	})
	feed(sp, windows(3))

	if tr.count() != 0 {
		t.Errorf("short segment was submitted for transcription")
	}
	if st := sp.Stats(); st.ShortDropped != 1 || st.TurnCount != 0 {
		t.Errorf("stats = %+v", st)
	}
	out.none(t, 20*time.Millisecond)
}

func TestSpeaker_EmitsInSegmentCloseOrder(t *testing.T) {
	t.Parallel()
	tr := &manualTranscriber{}
	out := newSink()
	sp := newSpeaker(t, pipeline.SpeakerConfig{
		Engine: scripted(
			types.VADEvent{Type: types.VADSpeechStart},
			types.VADEvent{Type: types.VADSpeechContinue},
			types.VADEvent{Type: types.VADSpeechEnd, SegmentEnd: 500 * time.Millisecond, Silence: 300 * time.Millisecond},
			types.VADEvent{Type: types.VADSilence},
			types.VADEvent{Type: types.VADSpeechStart, SegmentStart: 128 * time.Millisecond},
			types.VADEvent{Type: types.VADSpeechEnd, SegmentStart: 128 * time.Millisecond, SegmentEnd: 900 * time.Millisecond, Silence: 400 * time.Millisecond},
		),
		Transcriber: tr,
		Sink:        out,
	})
	feed(sp, windows(6))
	waitFor(t, func() bool { return tr.count() == 2 })

	// The later segment is transcribed first but must not overtake.
	tr.answer(1, "두 번째 문장입니다")
	out.none(t, 50*time.Millisecond)
	tr.answer(0, "첫 번째 문장입니다")

	if got := out.next(t); got.Transcript != "첫 번째 문장입니다" || got.EndTime != 0.5 {
		t.Errorf("first event = %+v", got)
	}
	if got := out.next(t); got.Transcript != "두 번째 문장입니다" || got.StartTime != 0.128 {
		t.Errorf("second event = %+v", got)
	}
}

func TestSpeaker_DegradedTranscriptStillScored(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Err: errors.New("backend down")}
	d := transcribe.New(p, transcribe.Config{MaxAttempts: 2, RetryDelay: time.Millisecond},
		transcribe.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	out := newSink()
	sp := newSpeaker(t, pipeline.SpeakerConfig{
		Engine: scripted(
			types.VADEvent{Type: types.VADSpeechStart},
			types.VADEvent{Type: types.VADSpeechEnd, SegmentEnd: time.Second, Silence: 400 * time.Millisecond},
		),
		Transcriber: d,
		Sink:        out,
	})
	feed(sp, windows(2))

	ev := out.next(t)
	if ev.Transcript != "" || ev.MorphemeScore != turn.ScoreNeutral {
		t.Errorf("event = %+v", ev)
	}
	if st := sp.Stats(); st.Degraded != 1 || st.TurnCount != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSpeaker_CloseCancelsPendingFinalizers(t *testing.T) {
	t.Parallel()
	tr := &manualTranscriber{}
	out := newSink()
	sp, err := pipeline.NewSpeaker(context.Background(), pipeline.SpeakerConfig{
		CallID:  "c1",
		Speaker: types.SpeakerAgent,
		Engine: scripted(
			types.VADEvent{Type: types.VADSpeechStart},
			types.VADEvent{Type: types.VADSpeechEnd, SegmentEnd: time.Second},
		),
		Transcriber: tr,
		Detector:    turn.New(),
		Sink:        out,
	}, pipeline.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewSpeaker: %v", err)
	}
	feed(sp, windows(2))
	if got := sp.Tasks(); len(got) != 1 {
		t.Fatalf("tasks = %v, want one finalizer", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := sp.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sp.Tasks(); len(got) != 0 {
		t.Errorf("tasks after close = %v", got)
	}
	out.none(t, 20*time.Millisecond)
}

func TestSpeaker_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	sess := &vadmock.Session{EventResult: types.VADEvent{Type: types.VADSilence}}
	sp := newSpeaker(t, pipeline.SpeakerConfig{
		Engine:      &vadmock.Engine{Session: sess},
		Transcriber: &manualTranscriber{},
		Sink:        newSink(),
	})
	// 64 ms at 8 kHz becomes two 32 ms windows at 16 kHz.
	sp.HandleFrame(types.AudioFrame{Data: make([]byte, 1024), SampleRate: 8000, Channels: 1})
	if got := sess.FrameCount(); got != 2 {
		t.Errorf("vad windows = %d, want 2", got)
	}
	if st := sp.Stats(); st.Frames != 1 {
		t.Errorf("frames = %d, want 1", st.Frames)
	}
}

func containsErr(err error, sub string) bool {
	return err != nil && strings.Contains(err.Error(), sub)
}
