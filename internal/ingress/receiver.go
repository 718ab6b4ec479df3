// Package ingress receives the RTP stream of one call leg on its allocated
// UDP port and turns it into 16 kHz audio frames.
//
// The socket read loop never does per-packet work: it copies each datagram
// onto a bounded queue and goes straight back to reading. When the queue is
// full the newest datagram is dropped, so a slow consumer can never stall the
// socket. A single consumer goroutine drains the queue in arrival order,
// parses and decodes each packet and hands the frame to the speaker's
// [FrameHandler].
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/pkg/audio"
	"github.com/MrWong99/aicc/pkg/audio/codec"
	"github.com/MrWong99/aicc/pkg/types"
)

const (
	// DefaultQueueSize is the number of datagrams buffered between the read
	// loop and the consumer.
	DefaultQueueSize = 1000

	// DefaultBindAddr keeps media on the loopback interface, where the PBX
	// forwards it.
	DefaultBindAddr = "127.0.0.1"

	maxDatagram = 2048

	// dropLogInterval limits drop warnings to one per this many drops.
	dropLogInterval = 100

	// unhealthyFill is the queue fill ratio above which Healthy reports false.
	unhealthyFill = 0.9
)

// FrameHandler receives decoded frames in arrival order. It is called from
// the receiver's consumer goroutine only.
type FrameHandler interface {
	HandleFrame(frame types.AudioFrame)
}

// FrameHandlerFunc adapts a function to [FrameHandler].
type FrameHandlerFunc func(types.AudioFrame)

// HandleFrame calls f.
func (f FrameHandlerFunc) HandleFrame(frame types.AudioFrame) { f(frame) }

// Config describes one receiver.
type Config struct {
	CallID  string
	Speaker types.Speaker

	// Port is the UDP port to bind. Zero picks an ephemeral port.
	Port int

	// BindAddr is the local address. Defaults to 127.0.0.1.
	BindAddr string

	// QueueSize bounds the receive queue. Defaults to 1000.
	QueueSize int

	// AllowedSources, when non-empty, restricts accepted datagrams to these
	// source IPs.
	AllowedSources []string

	// OpusPayloadType is the dynamic payload type decoded as Opus. Zero
	// disables Opus.
	OpusPayloadType uint8
}

// Stats is a snapshot of a receiver's counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Dropped    uint64 `json:"dropped"`
	Malformed  uint64 `json:"malformed"`
	Rejected   uint64 `json:"rejected"`
	Frames     uint64 `json:"frames"`
	QueueDepth int    `json:"queue_size"`
	QueueCap   int    `json:"queue_maxsize"`
}

// Option is a functional option for Receiver.
type Option func(*Receiver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithFirstPacket registers fn to run once, on the consumer goroutine, before
// the first valid frame is handed to the FrameHandler.
func WithFirstPacket(fn func()) Option {
	return func(r *Receiver) { r.onFirst = fn }
}

// Receiver owns one UDP socket and its consumer.
type Receiver struct {
	cfg     Config
	handler FrameHandler
	decoder *codec.StreamDecoder
	log     *slog.Logger
	metrics *observe.Metrics
	onFirst func()
	allowed []net.IP

	queue chan []byte

	received  atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	rejected  atomic.Uint64
	frames    atomic.Uint64

	// offset is the stream position of the next frame. Consumer only.
	offset  time.Duration
	started bool

	mu       sync.Mutex
	conn     *net.UDPConn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a receiver. It does not bind the socket; call Start.
func New(cfg Config, h FrameHandler, opts ...Option) (*Receiver, error) {
	if h == nil {
		return nil, errors.New("ingress: frame handler must not be nil")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ingress: invalid port %d", cfg.Port)
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	r := &Receiver{
		cfg:     cfg,
		handler: h,
		decoder: codec.NewStreamDecoder(codec.WithOpusPayloadType(cfg.OpusPayloadType)),
		queue:   make(chan []byte, cfg.QueueSize),
	}
	for _, src := range cfg.AllowedSources {
		ip := net.ParseIP(src)
		if ip == nil {
			return nil, fmt.Errorf("ingress: invalid allowed source %q", src)
		}
		r.allowed = append(r.allowed, ip)
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
	r.log = r.log.With("call_id", cfg.CallID, "speaker", string(cfg.Speaker))
	return r, nil
}

// Start binds the socket and launches the read loop and the consumer. The
// receiver runs until Stop is called or ctx is cancelled.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return errors.New("ingress: receiver already started")
	}

	addr := &net.UDPAddr{IP: net.ParseIP(r.cfg.BindAddr), Port: r.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("ingress: listen %s: %w", addr, err)
	}
	r.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go r.readLoop(ctx, conn)
	go r.consume(ctx)

	r.log.Info("ingress started", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound local address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stop cancels the consumer, closes the socket and waits for both loops to
// exit. Packets still queued are discarded. Safe to call more than once and
// before Start.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		cancel, conn := r.cancel, r.conn
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		r.wg.Wait()
		st := r.Stats()
		r.log.Info("ingress stopped",
			"received", st.Received,
			"dropped", st.Dropped,
			"malformed", st.Malformed,
			"frames", st.Frames,
		)
	})
}

// Enqueue places a datagram on the queue without blocking. It returns false
// and counts a drop when the queue is full.
func (r *Receiver) Enqueue(pkt []byte) bool {
	r.received.Add(1)
	r.metrics.RecordPacket(context.Background(), string(r.cfg.Speaker), len(pkt))
	select {
	case r.queue <- pkt:
		return true
	default:
	}
	n := r.dropped.Add(1)
	r.metrics.RecordDrop(context.Background(), string(r.cfg.Speaker), observe.DropQueueFull)
	if n%dropLogInterval == 1 {
		r.log.Warn("ingress queue full, dropping packets", "dropped", n, "queue_size", cap(r.queue))
	}
	return false
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Received:   r.received.Load(),
		Dropped:    r.dropped.Load(),
		Malformed:  r.malformed.Load(),
		Rejected:   r.rejected.Load(),
		Frames:     r.frames.Load(),
		QueueDepth: len(r.queue),
		QueueCap:   cap(r.queue),
	}
}

// Healthy reports whether the queue has headroom.
func (r *Receiver) Healthy() bool {
	return float64(len(r.queue)) < unhealthyFill*float64(cap(r.queue))
}

func (r *Receiver) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn("ingress read failed", "err", err)
			continue
		}
		if !r.accept(src) {
			r.rejected.Add(1)
			r.metrics.RecordDrop(ctx, string(r.cfg.Speaker), observe.DropRejected)
			continue
		}
		r.Enqueue(slices.Clone(buf[:n]))
	}
}

func (r *Receiver) accept(src *net.UDPAddr) bool {
	if len(r.allowed) == 0 {
		return true
	}
	for _, ip := range r.allowed {
		if ip.Equal(src.IP) {
			return true
		}
	}
	return false
}

func (r *Receiver) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-r.queue:
			r.process(ctx, pkt)
		}
	}
}

// process runs one datagram through parse, decode and the frame handler.
// Failures are counted and logged; nothing escapes into the consumer loop.
func (r *Receiver) process(ctx context.Context, pkt []byte) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("ingress packet handler panicked", "panic", v)
		}
	}()

	p, err := codec.Parse(pkt)
	if err != nil {
		r.malformed.Add(1)
		r.metrics.RecordDrop(ctx, string(r.cfg.Speaker), observe.DropMalformed)
		r.log.Debug("dropping malformed packet", "bytes", len(pkt), "err", err)
		return
	}
	pcm, err := r.decoder.Decode(p)
	if err != nil {
		r.metrics.RecordDrop(ctx, string(r.cfg.Speaker), observe.DropUnsupported)
		r.log.Debug("dropping undecodable packet", "payload_type", p.PayloadType, "err", err)
		return
	}

	if !r.started {
		r.started = true
		if r.onFirst != nil {
			r.onFirst()
		}
	}

	frame := types.AudioFrame{
		Data:       pcm,
		SampleRate: audio.WidebandRate,
		Channels:   1,
		Speaker:    r.cfg.Speaker,
		Timestamp:  r.offset,
	}
	r.offset += frame.Duration()
	r.frames.Add(1)
	r.handler.HandleFrame(frame)
}
