package call

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aicc/internal/events"
	"github.com/MrWong99/aicc/internal/ingress"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/internal/portpool"
	"github.com/MrWong99/aicc/pkg/types"
)

// DefaultGracePeriod bounds how long End waits for pending transcriptions.
const DefaultGracePeriod = 5 * time.Second

var (
	// ErrDuplicateRegistration is returned when the call id is already active.
	ErrDuplicateRegistration = errors.New("call: call already registered")

	// ErrUnknownCall is returned for call ids that are not active.
	ErrUnknownCall = errors.New("call: unknown call")

	// ErrInvalidCallID is returned when the call id is empty.
	ErrInvalidCallID = errors.New("call: call id is required")

	// ErrClosed is returned by Register after Shutdown.
	ErrClosed = errors.New("call: registry closed")
)

// SpeakerFactory builds the processor for one leg of a call. ctx is scoped
// to the call and cancelled at teardown.
type SpeakerFactory func(ctx context.Context, callID string, speaker types.Speaker) (Processor, error)

// EventSink receives call events. *events.Dispatcher implements it.
type EventSink interface {
	Send(e events.Event) bool
}

// Stats summarises the registry.
type Stats struct {
	ActiveCalls    int `json:"active_calls"`
	PortsAvailable int `json:"ports_available"`
	PortsAllocated int `json:"ports_allocated"`
	PortPairs      int `json:"port_pairs"`
}

// Option is a functional option for [NewRegistry].
type Option func(*Registry)

// WithEventSink sets where metadata events go. Without one they are dropped.
func WithEventSink(s EventSink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithIngress sets the receiver template. CallID, Speaker and Port are
// filled in per leg.
func WithIngress(cfg ingress.Config) Option {
	return func(r *Registry) { r.ingress = cfg }
}

// WithGracePeriod bounds how long End waits for in-flight turns.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry maps call ids to their sessions. It is the only owner of call
// state shared across calls; one mutex guards the session map.
type Registry struct {
	pool    *portpool.Pool
	factory SpeakerFactory
	sink    EventSink
	ingress ingress.Config
	grace   time.Duration
	log     *slog.Logger
	metrics *observe.Metrics

	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry drawing ports from pool and building call
// legs with factory.
func NewRegistry(pool *portpool.Pool, factory SpeakerFactory, opts ...Option) *Registry {
	base, cancel := context.WithCancel(context.Background())
	r := &Registry{
		pool:       pool,
		factory:    factory,
		grace:      DefaultGracePeriod,
		base:       base,
		cancelBase: cancel,
		sessions:   make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Register allocates ports for info.CallID, starts both legs and returns the
// new session. Nothing is left behind when any step fails. ctx bounds the
// setup only; the session runs until End.
func (r *Registry) Register(ctx context.Context, info Info) (*Session, error) {
	if info.CallID == "" {
		return nil, ErrInvalidCallID
	}
	r.mu.Lock()
	closed := r.closed
	_, dup := r.sessions[info.CallID]
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRegistration, info.CallID)
	}

	ports, err := r.pool.Allocate(info.CallID)
	switch {
	case errors.Is(err, portpool.ErrAlreadyAllocated):
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRegistration, info.CallID)
	case err != nil:
		r.metrics.RecordCall(ctx, "rejected")
		return nil, fmt.Errorf("call: register %s: %w", info.CallID, err)
	}

	callCtx, cancel := context.WithCancel(observe.WithCallID(r.base, info.CallID))
	s := &Session{
		CallID:         info.CallID,
		Ports:          ports,
		StartedAt:      time.Now(),
		cancel:         cancel,
		customerNumber: info.CustomerNumber,
		agentID:        info.AgentID,
	}
	if err := r.build(ctx, callCtx, s); err != nil {
		cancel()
		r.pool.Release(info.CallID)
		r.metrics.RecordCall(ctx, "failed")
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.teardown(context.Background(), s, false)
		return nil, ErrClosed
	}
	r.sessions[info.CallID] = s
	r.mu.Unlock()

	r.metrics.RecordCall(ctx, "registered")
	r.metrics.ActiveCalls.Add(ctx, 1)
	r.log.Info("call registered", "call_id", info.CallID,
		"customer_port", ports.Customer, "agent_port", ports.Agent)
	return s, nil
}

// build creates and starts both legs of s. On error everything it created
// is released again.
func (r *Registry) build(ctx, callCtx context.Context, s *Session) (err error) {
	var built []leg
	defer func() {
		if err == nil {
			return
		}
		for _, l := range built {
			if l.rx != nil {
				l.rx.Stop()
			}
			if l.proc != nil {
				_ = l.proc.Close(context.Background())
			}
		}
	}()

	for _, sp := range []types.Speaker{types.SpeakerCustomer, types.SpeakerAgent} {
		proc, err := r.factory(callCtx, s.CallID, sp)
		if err != nil {
			return fmt.Errorf("call: build %s pipeline: %w", sp, err)
		}
		l := leg{proc: proc}

		cfg := r.ingress
		cfg.CallID, cfg.Speaker = s.CallID, sp
		opts := []ingress.Option{ingress.WithLogger(r.log), ingress.WithMetrics(r.metrics)}
		if sp == types.SpeakerCustomer {
			cfg.Port = s.Ports.Customer
			opts = append(opts, ingress.WithFirstPacket(func() { r.announce(s) }))
		} else {
			cfg.Port = s.Ports.Agent
		}
		l.rx, err = ingress.New(cfg, proc, opts...)
		if err != nil {
			built = append(built, l)
			return fmt.Errorf("call: build %s ingress: %w", sp, err)
		}
		built = append(built, l)
	}
	s.customer, s.agent = built[0], built[1]

	g, _ := errgroup.WithContext(ctx)
	for _, l := range built {
		g.Go(func() error { return l.rx.Start(callCtx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("call: start %s: %w", s.CallID, err)
	}
	return nil
}

// announce emits metadata_start once per session.
func (r *Registry) announce(s *Session) {
	if !s.markStarted() || r.sink == nil {
		return
	}
	customer, agent := s.Metadata()
	r.sink.Send(events.MetadataStart{
		CallID:         s.CallID,
		CustomerNumber: customer,
		AgentID:        agent,
	})
	r.log.Info("call audio started", "call_id", s.CallID)
}

// Get returns the active session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the active sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.CallID, b.CallID)
	})
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LookupPort returns the call and leg a port is allocated to.
func (r *Registry) LookupPort(port int) (callID string, speaker types.Speaker, ok bool) {
	callID, ok = r.pool.LookupCall(port)
	if !ok {
		return "", "", false
	}
	alloc, ok := r.pool.Lookup(callID)
	if !ok {
		return "", "", false
	}
	if port == alloc.Agent {
		return callID, types.SpeakerAgent, true
	}
	return callID, types.SpeakerCustomer, true
}

// SetMetadata updates the customer number and agent id of a call. Empty
// values leave the current value in place.
func (r *Registry) SetMetadata(id, customerNumber, agentID string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	s.setMetadata(customerNumber, agentID)
	r.log.Info("call metadata updated", "call_id", id, "agent_id", agentID)
	return nil
}

// Healthy reports whether every active call's receive queues have headroom.
func (r *Registry) Healthy() bool {
	for _, s := range r.List() {
		if !s.Healthy() {
			return false
		}
	}
	return true
}

// Stats returns registry and port pool counters.
func (r *Registry) Stats() Stats {
	return Stats{
		ActiveCalls:    r.Count(),
		PortsAvailable: r.pool.Available(),
		PortsAllocated: r.pool.Allocated(),
		PortPairs:      r.pool.Capacity(),
	}
}

// End tears down the call: both receivers stop, pending turns get the grace
// period to finish, metadata_end is emitted and the ports are released.
func (r *Registry) End(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return r.teardown(ctx, s, true)
}

func (r *Registry) teardown(ctx context.Context, s *Session, registered bool) error {
	if !s.markCleaned() {
		return nil
	}
	log := r.log.With("call_id", s.CallID)

	s.customer.rx.Stop()
	s.agent.rx.Stop()

	gctx, cancel := context.WithTimeout(ctx, r.grace)
	defer cancel()
	var g errgroup.Group
	for _, l := range []leg{s.customer, s.agent} {
		g.Go(func() error { return l.proc.Close(gctx) })
	}
	err := g.Wait()
	if err != nil {
		log.Warn("call teardown incomplete", "err", err)
	}
	s.cancel()

	total := time.Since(s.StartedAt)
	if registered && r.sink != nil {
		r.sink.Send(summarise(s, total))
	}
	r.pool.Release(s.CallID)

	if registered {
		r.metrics.ActiveCalls.Add(ctx, -1)
		r.metrics.CallDuration.Record(ctx, total.Seconds())
		r.metrics.RecordCall(ctx, "ended")
		log.Info("call ended", "duration", total.Round(time.Millisecond).String())
	}
	return err
}

// summarise builds the metadata_end event from both legs.
func summarise(s *Session, total time.Duration) events.MetadataEnd {
	c, a := s.customer.proc.Stats(), s.agent.proc.Stats()
	speech := c.SpeechTime + a.SpeechTime
	ratio := 0.0
	if total > 0 {
		ratio = math.Round(speech.Seconds()/total.Seconds()*1000) / 1000
	}
	return events.MetadataEnd{
		CallID:          s.CallID,
		TotalDuration:   events.Seconds(total, 2),
		TurnCount:       c.TurnCount + a.TurnCount,
		CompleteCount:   c.CompleteTurns + a.CompleteTurns,
		IncompleteCount: c.IncompleteTurns + a.IncompleteTurns,
		SpeechRatio:     ratio,
	}
}

// Shutdown ends every active call and refuses new registrations.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.End(ctx, id); err != nil && !errors.Is(err, ErrUnknownCall) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	r.cancelBase()
	if len(ids) > 0 {
		r.log.Info("call registry shut down", "ended", len(ids))
	}
	return errors.Join(errs...)
}
