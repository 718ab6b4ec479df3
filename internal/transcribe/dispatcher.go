// Package transcribe runs speech segments through the transcription backend
// on a fixed pool of workers.
//
// Submit never blocks: a job is either queued or answered at once with a
// degraded empty result. Workers retry failed attempts a fixed number of
// times with the same audio and then degrade as well, so a transcription
// failure never reaches the caller as an error. Every submitted job receives
// exactly one [Result].
package transcribe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/internal/resilience"
	"github.com/MrWong99/aicc/internal/transcript"
	"github.com/MrWong99/aicc/pkg/provider/stt"
	"github.com/MrWong99/aicc/pkg/types"
)

var (
	// ErrTranscriptionFailed marks a degraded result whose attempts all
	// failed.
	ErrTranscriptionFailed = errors.New("transcribe: transcription failed")

	// ErrQueueFull marks a job refused because the queue was full.
	ErrQueueFull = errors.New("transcribe: queue full")

	// ErrClosed marks a job submitted after Shutdown.
	ErrClosed = errors.New("transcribe: dispatcher closed")
)

// Config tunes a Dispatcher. Zero fields take their defaults.
type Config struct {
	// Workers is the number of concurrent backend calls. Default: 4.
	Workers int

	// QueueSize bounds the jobs waiting for a worker. Default: 64.
	QueueSize int

	// MaxAttempts is the total number of attempts per job. Default: 3.
	MaxAttempts int

	// RetryDelay is the fixed pause between attempts. Default: 200ms.
	RetryDelay time.Duration

	// AttemptTimeout bounds a single backend call. Default: 10s.
	AttemptTimeout time.Duration

	// Language is passed to the backend with every request.
	Language string

	// Phrases are vocabulary hints passed with every request.
	Phrases []types.KeywordBoost

	// Boost is applied to phrases that carry no boost of their own.
	Boost float64
}

// WithDefaults returns cfg with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}

// Job is one segment to transcribe.
type Job struct {
	CallID     string
	Speaker    types.Speaker
	Audio      []byte
	SampleRate int
}

// Result is the outcome of a Job.
type Result struct {
	Text       string
	Confidence float64
	Attempts   int
	Latency    time.Duration

	// Degraded is true when no transcript could be produced. Text is empty
	// and Err says why.
	Degraded bool
	Err      error
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Degraded  uint64 `json:"degraded"`
	Corrected uint64 `json:"corrected"`
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithCorrector post-processes every successful transcript with c.
func WithCorrector(c *transcript.Corrector) Option {
	return func(d *Dispatcher) { d.corrector = c }
}

// WithProviderName sets the provider label used in metrics and spans.
func WithProviderName(name string) Option {
	return func(d *Dispatcher) { d.providerName = name }
}

type task struct {
	id     uint64
	ctx    context.Context
	job    Job
	result chan Result
	queued time.Time
}

// Dispatcher is a bounded worker pool in front of an stt.Provider.
type Dispatcher struct {
	provider     stt.Provider
	cfg          Config
	log          *slog.Logger
	metrics      *observe.Metrics
	providerName string
	corrector    *transcript.Corrector

	// base is cancelled when Shutdown runs out of time.
	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	queue   chan *task
	pending map[uint64]*task
	nextID  uint64

	inFlight  atomic.Int64
	completed atomic.Uint64
	degraded  atomic.Uint64
	corrected atomic.Uint64

	wg sync.WaitGroup
}

// New starts a Dispatcher with cfg.Workers workers.
func New(p stt.Provider, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.WithDefaults()
	base, cancel := context.WithCancel(context.Background())
	if cfg.Boost > 0 {
		phrases := make([]types.KeywordBoost, len(cfg.Phrases))
		for i, ph := range cfg.Phrases {
			if ph.Boost == 0 {
				ph.Boost = cfg.Boost
			}
			phrases[i] = ph
		}
		cfg.Phrases = phrases
	}
	d := &Dispatcher{
		provider:     p,
		cfg:          cfg,
		providerName: "stt",
		base:         base,
		cancelBase:   cancel,
		queue:        make(chan *task, cfg.QueueSize),
		pending:      make(map[uint64]*task),
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	for range cfg.Workers {
		d.wg.Go(d.worker)
	}
	return d
}

// Submit queues job and returns a channel that receives exactly one Result.
// ctx scopes the job: cancelling it (call teardown) aborts the attempts.
func (d *Dispatcher) Submit(ctx context.Context, job Job) <-chan Result {
	t := &task{
		ctx:    ctx,
		job:    job,
		result: make(chan Result, 1),
		queued: time.Now(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.degrade(t, 0, ErrClosed)
		return t.result
	}
	d.nextID++
	t.id = d.nextID
	select {
	case d.queue <- t:
		d.pending[t.id] = t
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		d.log.Warn("transcription queue full, dropping segment",
			"call_id", job.CallID, "speaker", string(job.Speaker), "queue_size", cap(d.queue))
		d.degrade(t, 0, ErrQueueFull)
	}
	return t.result
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		InFlight:  int(d.inFlight.Load()),
		Completed: d.completed.Load(),
		Degraded:  d.degraded.Load(),
		Corrected: d.corrected.Load(),
	}
}

// Shutdown stops accepting jobs and waits for queued and in-flight jobs to
// finish. When ctx expires first, the remaining jobs are cancelled, logged
// and answered with degraded results before Shutdown returns ctx's error.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelBase()
		return nil
	case <-ctx.Done():
	}

	d.mu.RLock()
	left := make([]*task, 0, len(d.pending))
	for _, t := range d.pending {
		left = append(left, t)
	}
	d.mu.RUnlock()
	slices.SortFunc(left, func(a, b *task) int { return cmp.Compare(a.id, b.id) })
	for _, t := range left {
		d.log.Warn("transcription cancelled at shutdown",
			"call_id", t.job.CallID,
			"speaker", string(t.job.Speaker),
			"waited", time.Since(t.queued).Round(time.Millisecond).String(),
		)
	}

	d.cancelBase()
	<-done
	return fmt.Errorf("transcribe: shutdown: %w", ctx.Err())
}

func (d *Dispatcher) worker() {
	for t := range d.queue {
		d.run(t)
	}
}

func (d *Dispatcher) run(t *task) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	defer func() {
		d.mu.Lock()
		delete(d.pending, t.id)
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(observe.WithCallID(t.ctx, t.job.CallID))
	defer cancel()
	stop := context.AfterFunc(d.base, cancel)
	defer stop()

	ctx, span := observe.StartSpan(ctx, "transcribe.segment", trace.WithAttributes(
		attribute.String("speaker", string(t.job.Speaker)),
		attribute.Int("audio.bytes", len(t.job.Audio)),
	))
	defer span.End()

	req := stt.Request{
		Audio:      t.job.Audio,
		SampleRate: t.job.SampleRate,
		Language:   d.cfg.Language,
		Phrases:    d.cfg.Phrases,
	}
	audioSecs := float64(len(t.job.Audio)/2) / float64(req.Rate())
	d.metrics.STTAudioDuration.Record(ctx, audioSecs)

	var (
		res      stt.Result
		attempts int
	)
	err := resilience.Retry(ctx, resilience.RetryConfig{Attempts: d.cfg.MaxAttempts, Delay: d.cfg.RetryDelay},
		func(ctx context.Context, attempt int) error {
			attempts = attempt
			actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
			defer cancel()

			start := time.Now()
			r, err := d.provider.Transcribe(actx, req)
			status := "success"
			if err != nil {
				status = "error"
			}
			d.metrics.RecordTranscription(ctx, d.providerName, status, time.Since(start))
			if err != nil {
				observe.Logger(ctx).Warn("transcription attempt failed",
					"speaker", string(t.job.Speaker), "attempt", attempt, "max", d.cfg.MaxAttempts, "err", err)
				if errors.Is(err, stt.ErrEmptyAudio) {
					return resilience.Permanent(err)
				}
				return err
			}
			res = r
			return nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "degraded")
		d.degrade(t, attempts, fmt.Errorf("%w: %w", ErrTranscriptionFailed, err))
		return
	}

	if d.corrector != nil && res.Text != "" {
		text, fixes := d.corrector.Correct(res.Text)
		if len(fixes) > 0 {
			d.corrected.Add(1)
			observe.Logger(ctx).Debug("transcript corrected",
				"speaker", string(t.job.Speaker), "corrections", len(fixes), "first", fixes[0].Corrected)
			span.SetAttributes(attribute.Int("corrections", len(fixes)))
		}
		res.Text = text
	}

	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Int("text.len", len(res.Text)))
	d.completed.Add(1)
	t.result <- Result{
		Text:       res.Text,
		Confidence: res.Confidence,
		Attempts:   attempts,
		Latency:    time.Since(t.queued),
	}
}

func (d *Dispatcher) degrade(t *task, attempts int, err error) {
	d.degraded.Add(1)
	d.metrics.RecordTranscription(context.Background(), d.providerName, "degraded", 0)
	t.result <- Result{
		Attempts: attempts,
		Latency:  time.Since(t.queued),
		Degraded: true,
		Err:      err,
	}
}
