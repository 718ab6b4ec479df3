package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/aicc/internal/app"
	"github.com/MrWong99/aicc/internal/config"
	"github.com/MrWong99/aicc/internal/observe"
	"github.com/MrWong99/aicc/pkg/provider/stt"
	sttmock "github.com/MrWong99/aicc/pkg/provider/stt/mock"
	"github.com/MrWong99/aicc/pkg/provider/vad"
	vadmock "github.com/MrWong99/aicc/pkg/provider/vad/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testConfig(start, end int) *config.Config {
	cfg := &config.Config{
		Ports: config.PortsConfig{Start: start, End: end, BindAddr: "127.0.0.1"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		Transcriber:     &sttmock.Provider{},
		TranscriberName: "mock",
		VAD:             &vadmock.Engine{},
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    *app.Providers
	}{
		{"nil", nil},
		{"no transcriber", &app.Providers{VAD: &vadmock.Engine{}}},
		{"no vad", &app.Providers{Transcriber: &sttmock.Provider{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(testConfig(48000, 48004), tt.p, app.WithMetrics(testMetrics(t))); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_InvalidPortRange(t *testing.T) {
	t.Parallel()
	cfg := testConfig(48011, 48010)
	if _, err := app.New(cfg, testProviders(), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for inverted port range")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := app.New(testConfig(48020, 48024), testProviders(),
		app.WithListener(ln), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	client := &http.Client{Timeout: 5 * time.Second}

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = client.Get(base + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = client.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"call_id": "c-1", "customer_number": "010"})
	resp, err = client.Post(base+"/api/calls", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/calls: %v", err)
	}
	var reg struct {
		CustomerPort int `json:"customer_port"`
		AgentPort    int `json:"agent_port"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reg)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	if reg.CustomerPort != 48020 || reg.AgentPort != 48021 {
		t.Errorf("ports = %d/%d, want 48020/48021", reg.CustomerPort, reg.AgentPort)
	}
	if a.Calls().Count() != 1 {
		t.Errorf("active calls = %d, want 1", a.Calls().Count())
	}

	resp, err = client.Get(base + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats: %v", err)
	}
	var stats map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	for _, section := range []string{"calls", "events", "transcription", "ingress", "turn"} {
		if _, ok := stats[section]; !ok {
			t.Errorf("stats missing section %q", section)
		}
	}

	resp, err = client.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run: %v", err)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Calls().Count() != 0 {
		t.Errorf("active calls after shutdown = %d, want 0", a.Calls().Count())
	}
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	a, err := app.New(testConfig(48030, 48032), testProviders(),
		app.WithLevelVar(level), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	old := testConfig(48030, 48032)
	next := testConfig(48030, 48032)
	next.Server.LogLevel = config.LogDebug
	next.Turn.Threshold = 0.8
	a.Reload(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := a.TurnParams().Threshold; got != 0.8 {
		t.Errorf("threshold = %v, want 0.8", got)
	}

	bad := testConfig(48030, 48032)
	bad.Turn.Threshold = 3
	a.Reload(next, bad)
	if got := a.TurnParams().Threshold; got != 0.8 {
		t.Errorf("invalid reload changed threshold to %v", got)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	newReg := func(primaryErr error) *config.Registry {
		reg := config.NewRegistry()
		reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) { return &vadmock.Engine{}, nil })
		reg.RegisterSTT("primary", func(config.ProviderEntry) (stt.Provider, error) {
			return &sttmock.Provider{Err: primaryErr}, nil
		})
		reg.RegisterSTT("backup", func(config.ProviderEntry) (stt.Provider, error) {
			return &sttmock.Provider{Results: []stt.Result{{Text: "네 알겠습니다"}}}, nil
		})
		return reg
	}

	t.Run("none configured", func(t *testing.T) {
		t.Parallel()
		p, err := app.BuildProviders(testConfig(48040, 48042), newReg(nil), nil)
		if err != nil {
			t.Fatalf("BuildProviders: %v", err)
		}
		res, err := p.Transcriber.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}})
		if err != nil || res.Text != "" {
			t.Errorf("empty provider returned %+v, %v", res, err)
		}
		if p.Available != nil {
			t.Error("Available should be nil without backends")
		}
	})

	t.Run("fails over", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(48040, 48042)
		cfg.Transcription.Providers = []config.ProviderEntry{{Name: "primary"}, {Name: "backup"}}
		p, err := app.BuildProviders(cfg, newReg(errors.New("boom")), nil)
		if err != nil {
			t.Fatalf("BuildProviders: %v", err)
		}
		if p.TranscriberName != "primary" {
			t.Errorf("name = %q, want primary", p.TranscriberName)
		}
		res, err := p.Transcriber.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}})
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if res.Text != "네 알겠습니다" {
			t.Errorf("text = %q, want backup result", res.Text)
		}
		if !p.Available() {
			t.Error("Available = false, want true")
		}
		if st := p.Breakers(); len(st) != 2 {
			t.Errorf("breakers = %v, want 2 entries", st)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(48040, 48042)
		cfg.Transcription.Providers = []config.ProviderEntry{{Name: "missing"}}
		if _, err := app.BuildProviders(cfg, newReg(nil), nil); !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("error = %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("unknown vad", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(48040, 48042)
		cfg.VAD.Provider = "silero"
		if _, err := app.BuildProviders(cfg, newReg(nil), nil); err == nil {
			t.Error("expected error for unregistered VAD engine")
		}
	})
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
