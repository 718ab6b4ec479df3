package ingress_test

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/aicc/internal/ingress"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/pkg/audio/codec"
	"github.com/MrWong99/aicc/pkg/types"
)

// frameSink collects frames delivered by a receiver.
type frameSink struct {
	mu     sync.Mutex
	frames []types.AudioFrame
	notify chan struct{}
}

func newFrameSink() *frameSink {
	return &frameSink{notify: make(chan struct{}, 1024)}
}

func (s *frameSink) HandleFrame(f types.AudioFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *frameSink) Frames() []types.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.AudioFrame(nil), s.frames...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func ulawPacket(t *testing.T, seq uint16) []byte {
	t.Helper()
	b, err := codec.Marshal(codec.PayloadPCMU, seq, uint32(seq)*160, 0x1234, bytes.Repeat([]byte{0xFF}, 160))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	sink := newFrameSink()
	tests := []struct {
		name    string
		cfg     ingress.Config
		handler ingress.FrameHandler
	}{
		{"nil handler", ingress.Config{}, nil},
		{"negative port", ingress.Config{Port: -1}, sink},
		{"port too large", ingress.Config{Port: 70000}, sink},
		{"bad source", ingress.Config{AllowedSources: []string{"not-an-ip"}}, sink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ingress.New(tt.cfg, tt.handler); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnqueue_DropsNewestWhenFull(t *testing.T) {
	t.Parallel()
	r, err := ingress.New(ingress.Config{QueueSize: 4, Speaker: types.SpeakerCustomer}, newFrameSink(),
		ingress.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Not started, so nothing drains the queue.
	for i := range 4 {
		if !r.Enqueue([]byte{byte(i)}) {
			t.Fatalf("enqueue %d rejected before queue was full", i)
		}
	}
	for range 3 {
		if r.Enqueue([]byte{0xEE}) {
			t.Fatal("enqueue succeeded on a full queue")
		}
	}
	st := r.Stats()
	if st.Dropped != 3 || st.Received != 7 || st.QueueDepth != 4 || st.QueueCap != 4 {
		t.Errorf("stats = %+v", st)
	}
	if r.Healthy() {
		t.Error("full queue should report unhealthy")
	}
}

func TestReceiver_DecodesPacketsInOrder(t *testing.T) {
	t.Parallel()
	sink := newFrameSink()
	var first int
	r, err := ingress.New(ingress.Config{CallID: "c1", Speaker: types.SpeakerAgent}, sink,
		ingress.WithMetrics(testMetrics(t)),
		ingress.WithFirstPacket(func() { first++ }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := t.Context()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	conn, err := net.Dial("udp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	for seq := range uint16(5) {
		if _, err := conn.Write(ulawPacket(t, seq)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	waitFor(t, func() bool { return len(sink.Frames()) == 5 })

	frames := sink.Frames()
	for i, f := range frames {
		if f.Speaker != types.SpeakerAgent || f.SampleRate != 16000 {
			t.Errorf("frame %d: speaker=%s rate=%d", i, f.Speaker, f.SampleRate)
		}
		if len(f.Data) != 640 {
			t.Errorf("frame %d: %d bytes, want 640", i, len(f.Data))
		}
		if want := time.Duration(i) * 20 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d: timestamp %v, want %v", i, f.Timestamp, want)
		}
	}
	if first != 1 {
		t.Errorf("first-packet hook ran %d times, want 1", first)
	}
}

func TestReceiver_MalformedPacketsAreCounted(t *testing.T) {
	t.Parallel()
	sink := newFrameSink()
	r, err := ingress.New(ingress.Config{Speaker: types.SpeakerCustomer}, sink, ingress.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	conn, err := net.Dial("udp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	unsupported, _ := codec.Marshal(96, 1, 1, 1, []byte{1, 2, 3})
	for _, pkt := range [][]byte{{0x80, 0x00}, unsupported, ulawPacket(t, 1)} {
		if _, err := conn.Write(pkt); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	waitFor(t, func() bool { return len(sink.Frames()) == 1 })

	st := r.Stats()
	if st.Malformed != 1 || st.Frames != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReceiver_RejectsUnknownSources(t *testing.T) {
	t.Parallel()
	sink := newFrameSink()
	r, err := ingress.New(ingress.Config{AllowedSources: []string{"192.0.2.1"}}, sink,
		ingress.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	conn, err := net.Dial("udp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(ulawPacket(t, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, func() bool { return r.Stats().Rejected == 1 })
	if n := len(sink.Frames()); n != 0 {
		t.Errorf("got %d frames from a rejected source", n)
	}
}

func TestReceiver_StopReleasesSocket(t *testing.T) {
	t.Parallel()
	r, err := ingress.New(ingress.Config{}, newFrameSink(), ingress.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := r.Addr().(*net.UDPAddr)
	r.Stop()
	r.Stop()

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("port not released after Stop: %v", err)
	}
	conn.Close()
}

func TestReceiver_StartTwice(t *testing.T) {
	t.Parallel()
	r, err := ingress.New(ingress.Config{}, newFrameSink(), ingress.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()
	if err := r.Start(t.Context()); err == nil {
		t.Error("second Start should fail")
	}
}
