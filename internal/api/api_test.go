package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/aicc/internal/api"
	"github.com/MrWong99/aicc/internal/call"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/internal/pipeline"
	"github.com/MrWong99/aicc/internal/portpool"
	"github.com/MrWong99/aicc/pkg/types"
)

// stubRegistry returns canned errors from Register and End.
type stubRegistry struct {
	registerErr error
	endErr      error
	metaErr     error
}

func (s *stubRegistry) Register(_ context.Context, info call.Info) (*call.Session, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return &call.Session{CallID: info.CallID, Ports: portpool.Allocation{Customer: 20000, Agent: 20001}}, nil
}

func (s *stubRegistry) End(context.Context, string) error { return s.endErr }

func (s *stubRegistry) Get(string) (*call.Session, bool) { return nil, false }

func (s *stubRegistry) List() []*call.Session { return nil }

func (s *stubRegistry) SetMetadata(string, string, string) error { return s.metaErr }

func (s *stubRegistry) Stats() call.Stats { return call.Stats{PortPairs: 1} }

func newMux(reg api.Registry, opts ...api.Option) *http.ServeMux {
	mux := http.NewServeMux()
	api.New(reg, opts...).Register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestRegisterCall_StatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"registered", `{"call_id":"c1","customer_number":"010"}`, nil, http.StatusCreated},
		{"missing id", `{"customer_number":"010"}`, nil, http.StatusBadRequest},
		{"empty body", ``, nil, http.StatusBadRequest},
		{"bad json", `{"call_id":`, nil, http.StatusBadRequest},
		{"duplicate", `{"call_id":"c1"}`, fmt.Errorf("%w: c1", call.ErrDuplicateRegistration), http.StatusConflict},
		{"exhausted", `{"call_id":"c1"}`, fmt.Errorf("call: register c1: %w", portpool.ErrPoolExhausted), http.StatusServiceUnavailable},
		{"shutting down", `{"call_id":"c1"}`, call.ErrClosed, http.StatusServiceUnavailable},
		{"bind failure", `{"call_id":"c1"}`, errors.New("call: start c1: address in use"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, newMux(&stubRegistry{registerErr: tt.err}), "POST", "/api/calls", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
			body := decodeBody(t, rec)
			if tt.want == http.StatusCreated {
				if body["status"] != "registered" || body["call_id"] != "c1" ||
					body["customer_port"] != 20000.0 || body["agent_port"] != 20001.0 {
					t.Errorf("body = %v", body)
				}
			} else if body["error"] == "" {
				t.Errorf("missing error message: %v", body)
			}
		})
	}
}

func TestEndCall_StatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ended", nil, http.StatusOK},
		{"unknown", call.ErrUnknownCall, http.StatusNotFound},
		{"teardown error", errors.New("grace period exceeded"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, newMux(&stubRegistry{endErr: tt.err}), "DELETE", "/api/calls/c1", "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK {
				if body := decodeBody(t, rec); body["status"] != "ended" || body["call_id"] != "c1" {
					t.Errorf("body = %v", body)
				}
			}
		})
	}
}

func TestUpdateCall_Unknown(t *testing.T) {
	t.Parallel()
	rec := do(t, newMux(&stubRegistry{metaErr: call.ErrUnknownCall}), "PATCH", "/api/calls/c9", `{"agent_id":"a1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetCall_NotFound(t *testing.T) {
	t.Parallel()
	rec := do(t, newMux(&stubRegistry{}), "GET", "/api/calls/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	rec := do(t, newMux(&stubRegistry{}), "PUT", "/api/calls/c1", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

type idleProc struct{}

func (idleProc) HandleFrame(types.AudioFrame) {}
func (idleProc) Stats() pipeline.SpeakerStats { return pipeline.SpeakerStats{} }
func (idleProc) Close(context.Context) error  { return nil }

func TestCallLifecycle(t *testing.T) {
	t.Parallel()
	pool, err := portpool.New(47900, 47906)
	if err != nil {
		t.Fatalf("portpool.New: %v", err)
	}
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg := call.NewRegistry(pool, func(context.Context, string, types.Speaker) (call.Processor, error) {
		return idleProc{}, nil
	}, call.WithMetrics(m))
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	mux := newMux(reg, api.WithStats("events", func() any { return map[string]int{"sent_count": 3} }))

	rec := do(t, mux, "POST", "/api/calls", `{"call_id":"c1","customer_number":"01012345678"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["customer_port"] != 47900.0 || body["agent_port"] != 47901.0 {
		t.Errorf("ports = %v/%v", body["customer_port"], body["agent_port"])
	}

	if rec := do(t, mux, "POST", "/api/calls", `{"call_id":"c1"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate register: %d", rec.Code)
	}

	if rec := do(t, mux, "PATCH", "/api/calls/c1", `{"agent_id":"agent-7"}`); rec.Code != http.StatusOK {
		t.Errorf("patch: %d", rec.Code)
	}

	rec = do(t, mux, "GET", "/api/calls/c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var snap call.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.CallID != "c1" || snap.AgentID != "agent-7" || snap.CustomerNumber != "01012345678" {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = do(t, mux, "GET", "/api/calls", "")
	if list := decodeBody(t, rec); list["count"] != 1.0 {
		t.Errorf("list = %v", list)
	}

	rec = do(t, mux, "GET", "/api/stats", "")
	stats := decodeBody(t, rec)
	calls, _ := stats["calls"].(map[string]any)
	if calls["active_calls"] != 1.0 {
		t.Errorf("stats.calls = %v", stats["calls"])
	}
	if ev, _ := stats["events"].(map[string]any); ev["sent_count"] != 3.0 {
		t.Errorf("stats.events = %v", stats["events"])
	}

	if rec := do(t, mux, "DELETE", "/api/calls/c1", ""); rec.Code != http.StatusOK {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := do(t, mux, "DELETE", "/api/calls/c1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", rec.Code)
	}
	if pool.Allocated() != 0 {
		t.Errorf("ports still allocated after DELETE")
	}
}
