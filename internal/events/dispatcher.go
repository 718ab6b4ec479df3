package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/aicc/internal/observe"
)

// Dispatcher defaults.
const (
	DefaultQueueSize         = 1000
	DefaultReconnectInterval = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultDialTimeout       = 10 * time.Second

	dropLogInterval = 100
)

// ErrConnectionLost is reported when a write to a destination fails. The
// destination is marked disconnected and redialled by its reconnect loop.
var ErrConnectionLost = errors.New("events: connection lost")

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Connected int    `json:"connected"`
	Total     int    `json:"total_urls"`
	QueueSize int    `json:"queue_size"`
	QueueCap  int    `json:"queue_maxsize"`
	Sent      uint64 `json:"sent_count"`
	Dropped   uint64 `json:"dropped_count"`
	Filtered  uint64 `json:"filtered_count"`
}

// Option is a functional option for [NewDispatcher].
type Option func(*Dispatcher)

// WithQueueSize bounds the number of events waiting to be sent.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueCap = n
		}
	}
}

// WithReconnectInterval sets the fixed pause between dial attempts.
func WithReconnectInterval(iv time.Duration) Option {
	return func(d *Dispatcher) {
		if iv > 0 {
			d.reconnect = iv
		}
	}
}

// WithWriteTimeout bounds a single write to one destination.
func WithWriteTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.writeTimeout = t
		}
	}
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.dialTimeout = t
		}
	}
}

// WithAuth attaches a bearer token to every dial.
func WithAuth(a *Auth) Option {
	return func(d *Dispatcher) { d.auth = a }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// destination is one outbound websocket endpoint.
type destination struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn

	// lost is signalled when a write fails on conn.
	lost chan struct{}
}

func (dst *destination) current() *websocket.Conn {
	dst.mu.Lock()
	defer dst.mu.Unlock()
	return dst.conn
}

// markLost detaches conn and wakes the reconnect loop, but only while conn
// is still current. A late failure on a connection that was already
// replaced or detached is ignored.
func (dst *destination) markLost(conn *websocket.Conn) {
	dst.mu.Lock()
	current := conn != nil && dst.conn == conn
	if current {
		dst.conn = nil
	}
	dst.mu.Unlock()
	if !current {
		return
	}
	select {
	case dst.lost <- struct{}{}:
	default:
	}
}

// Dispatcher fans events out to every connected destination.
//
// Send never blocks: the queue is bounded and drops its oldest event on
// overflow. A single sender goroutine writes events in queue order, and each
// destination has its own reconnect loop that redials at a fixed interval
// whenever the connection is lost.
type Dispatcher struct {
	dests        []*destination
	queueCap     int
	reconnect    time.Duration
	writeTimeout time.Duration
	dialTimeout  time.Duration
	auth         *Auth
	log          *slog.Logger
	metrics      *observe.Metrics
	now          func() time.Time

	// qmu serialises producers so that one overflow drops exactly one event.
	qmu    sync.Mutex
	queue  chan Event
	closed bool

	// ready is signalled whenever a destination connects.
	ready chan struct{}

	connected atomic.Int64
	sent      atomic.Uint64
	dropped   atomic.Uint64
	filtered  atomic.Uint64

	startOnce  sync.Once
	started    atomic.Bool
	cancel     context.CancelFunc
	flush      chan struct{}
	senderDone chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewDispatcher creates a dispatcher for urls. Blank urls and urls starting
// with "#" are ignored.
func NewDispatcher(urls []string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queueCap:     DefaultQueueSize,
		reconnect:    DefaultReconnectInterval,
		writeTimeout: DefaultWriteTimeout,
		dialTimeout:  DefaultDialTimeout,
		now:          time.Now,
		flush:        make(chan struct{}),
		ready:        make(chan struct{}, 1),
		senderDone:   make(chan struct{}),
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
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "#") {
			continue
		}
		d.dests = append(d.dests, &destination{url: u, lost: make(chan struct{}, 1)})
	}
	d.queue = make(chan Event, d.queueCap)
	return d
}

// URLs returns the active destination urls.
func (d *Dispatcher) URLs() []string {
	out := make([]string, len(d.dests))
	for i, dst := range d.dests {
		out[i] = dst.url
	}
	return out
}

// Send stamps e and queues it. It reports whether the event was queued.
// A turn_complete event with an empty transcript is filtered out. When the
// queue is full the oldest queued event is dropped to make room.
func (d *Dispatcher) Send(e Event) bool {
	if e == nil {
		return false
	}
	e = Stamp(e, d.now())
	if tc, ok := e.(TurnComplete); ok && strings.TrimSpace(tc.Transcript) == "" {
		d.filtered.Add(1)
		d.metrics.EventsDropped.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("reason", "filtered")))
		d.log.Debug("filtered turn_complete with empty transcript", "call_id", tc.CallID, "speaker", tc.Speaker)
		return false
	}

	d.qmu.Lock()
	defer d.qmu.Unlock()
	if d.closed {
		return false
	}
	for {
		select {
		case d.queue <- e:
			return true
		default:
		}
		select {
		case old := <-d.queue:
			n := d.dropped.Add(1)
			d.metrics.EventsDropped.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("reason", "overflow")))
			if n%dropLogInterval == 1 {
				d.log.Warn("event queue full, dropping oldest",
					"dropped_total", n, "dropped_type", string(old.Kind()), "call_id", old.Call())
			}
		default:
		}
	}
}

// Start dials every destination once, then runs the sender loop and one
// reconnect loop per destination until ctx is cancelled or Close is called.
// Destinations that fail the first dial are retried in the background.
func (d *Dispatcher) Start(ctx context.Context) error {
	err := errors.New("events: dispatcher already started")
	d.startOnce.Do(func() {
		err = nil
		if len(d.dests) == 0 {
			d.log.Warn("no event destinations configured")
		}
		ctx, d.cancel = context.WithCancel(ctx)
		d.started.Store(true)

		var first sync.WaitGroup
		for _, dst := range d.dests {
			first.Go(func() { d.connect(ctx, dst) })
		}
		first.Wait()

		for _, dst := range d.dests {
			d.wg.Go(func() { d.maintain(ctx, dst) })
		}
		go d.sendLoop(ctx)
	})
	return err
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Connected: int(d.connected.Load()),
		Total:     len(d.dests),
		QueueSize: len(d.queue),
		QueueCap:  cap(d.queue),
		Sent:      d.sent.Load(),
		Dropped:   d.dropped.Load(),
		Filtered:  d.filtered.Load(),
	}
}

// live counts destinations that currently hold a connection. Unlike the
// connected counter it drops as soon as a write fails.
func (d *Dispatcher) live() int {
	n := 0
	for _, dst := range d.dests {
		if dst.current() != nil {
			n++
		}
	}
	return n
}

// Connected returns the number of destinations with a live connection.
func (d *Dispatcher) Connected() int { return int(d.connected.Load()) }

// Configured returns the number of destinations.
func (d *Dispatcher) Configured() int { return len(d.dests) }

// Close stops accepting events, writes what is still queued until ctx
// expires and closes every connection with a normal closure.
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		d.qmu.Lock()
		d.closed = true
		d.qmu.Unlock()

		if !d.started.Load() {
			return
		}
		close(d.flush)
		select {
		case <-d.senderDone:
		case <-ctx.Done():
			err = fmt.Errorf("events: close: %w", ctx.Err())
		}
		d.cancel()
		d.wg.Wait()
		<-d.senderDone

		for _, dst := range d.dests {
			dst.mu.Lock()
			conn := dst.conn
			dst.conn = nil
			dst.mu.Unlock()
			if conn == nil {
				continue
			}
			d.connected.Add(-1)
			d.metrics.WSConnections.Add(context.Background(), -1)
			if cerr := conn.Close(websocket.StatusNormalClosure, "shutdown"); cerr != nil {
				d.log.Debug("close event destination", "url", dst.url, "err", cerr)
			}
		}
		s := d.Stats()
		d.log.Info("event dispatcher stopped", "sent", s.Sent, "dropped", s.Dropped, "filtered", s.Filtered)
	})
	return err
}

// connect dials dst once and installs the connection on success.
func (d *Dispatcher) connect(ctx context.Context, dst *destination) bool {
	dctx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if d.auth != nil {
		h, err := d.auth.Header()
		if err != nil {
			d.log.Error("build auth header", "url", dst.url, "err", err)
			return false
		}
		opts.HTTPHeader = h
	}

	d.log.Info("connecting to event destination", "url", dst.url)
	conn, resp, err := websocket.Dial(dctx, dst.url, opts)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		d.log.Warn("event destination dial failed", "url", dst.url, "http_status", status, "err", err)
		return false
	}

	dst.mu.Lock()
	dst.conn = conn
	dst.mu.Unlock()
	d.connected.Add(1)
	d.metrics.WSConnections.Add(ctx, 1)
	d.log.Info("connected to event destination", "url", dst.url)
	select {
	case d.ready <- struct{}{}:
	default:
	}
	return true
}

// maintain watches dst and redials at a fixed interval whenever it has no
// live connection.
func (d *Dispatcher) maintain(ctx context.Context, dst *destination) {
	for {
		if conn := dst.current(); conn != nil {
			if !d.watch(ctx, dst, conn) {
				return
			}
			d.disconnected(conn)
			d.log.Warn("event destination disconnected", "url", dst.url,
				"reconnect_in", d.reconnect.String())
			drain(dst.lost)
		}

		t := time.NewTimer(d.reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		d.connect(ctx, dst)
	}
}

// watch blocks until conn is lost and reports true, or until ctx ends and
// reports false.
func (d *Dispatcher) watch(ctx context.Context, dst *destination, conn *websocket.Conn) bool {
	// Reading keeps control frames flowing and notices a peer close.
	readCtx := conn.CloseRead(context.Background())
	for {
		select {
		case <-ctx.Done():
			// Close owns connections that are still current.
			if dst.current() != conn {
				d.disconnected(conn)
			}
			return false
		case <-readCtx.Done():
			dst.markLost(conn)
			return true
		case <-dst.lost:
			if dst.current() == conn {
				continue
			}
			return true
		}
	}
}

func (d *Dispatcher) disconnected(conn *websocket.Conn) {
	d.connected.Add(-1)
	d.metrics.WSConnections.Add(context.Background(), -1)
	conn.CloseNow()
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// sendLoop writes queued events in order. While destinations are configured
// but none is connected it leaves the queue alone, so events accumulate up to
// the bound and Send drops the oldest. An event whose delivery found every
// connection gone is held and retried after the next connect. After Close it
// flushes what it can and returns.
func (d *Dispatcher) sendLoop(ctx context.Context) {
	defer close(d.senderDone)
	var pending Event
	for {
		if len(d.dests) > 0 && d.live() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-d.flush:
				d.flushQueue(ctx, pending)
				return
			case <-d.ready:
			}
			continue
		}
		if pending == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.flush:
				d.flushQueue(ctx, nil)
				return
			case pending = <-d.queue:
			}
		}
		if d.deliver(ctx, pending) {
			pending = nil
		}
	}
}

// flushQueue delivers what is left after Close until ctx ends or no
// destination is connected.
func (d *Dispatcher) flushQueue(ctx context.Context, pending Event) {
	for {
		if pending == nil {
			select {
			case pending = <-d.queue:
			default:
				return
			}
		}
		if ctx.Err() != nil || !d.deliver(ctx, pending) {
			n := len(d.queue) + 1
			d.metrics.EventsDropped.Add(context.Background(), int64(n),
				metric.WithAttributes(observe.Attr("reason", "undelivered")))
			d.log.Warn("events left undelivered at close", "count", n)
			return
		}
		pending = nil
	}
}

// deliver writes e to every connected destination and reports whether the
// event is done with. A failed write marks the destination lost. It reports
// false when destinations exist but none accepted the event.
func (d *Dispatcher) deliver(ctx context.Context, e Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		d.log.Error("marshal event", "type", string(e.Kind()), "call_id", e.Call(), "err", err)
		return true
	}

	start := time.Now()
	written := 0
	for _, dst := range d.dests {
		conn := dst.current()
		if conn == nil {
			continue
		}
		if err := d.write(ctx, conn, data); err != nil {
			d.log.Error("send event failed", "url", dst.url, "type", string(e.Kind()),
				"call_id", e.Call(), "err", fmt.Errorf("%w: %w", ErrConnectionLost, err))
			dst.markLost(conn)
			continue
		}
		written++
	}
	d.metrics.WSSendDuration.Record(ctx, time.Since(start).Seconds())

	if written == 0 {
		if len(d.dests) > 0 {
			d.log.Debug("no connected destination, holding event", "type", string(e.Kind()), "call_id", e.Call())
			return false
		}
		d.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", "undelivered")))
		return true
	}
	d.sent.Add(1)
	d.metrics.EventsSent.Add(ctx, 1, metric.WithAttributes(observe.Attr("type", string(e.Kind()))))
	d.log.Debug("event sent", "type", string(e.Kind()), "call_id", e.Call(), "destinations", written)
	return true
}

func (d *Dispatcher) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
