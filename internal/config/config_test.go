package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aicc/internal/config"
	"github.com/MrWong99/aicc/pkg/provider/stt"
	"github.com/MrWong99/aicc/pkg/provider/stt/mock"
	"github.com/MrWong99/aicc/pkg/provider/vad"
	vadmock "github.com/MrWong99/aicc/pkg/provider/vad/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  shutdown_timeout: 20s
ports:
  start: 30000
  end: 30010
  bind_addr: 127.0.0.1
ingress:
  queue_size: 500
  allowed_sources: [10.0.0.5]
codec:
  opus_payload_type: 96
vad:
  provider: energy
  threshold: 0.45
  min_speech: 300ms
  max_speech: 30s
  pre_roll: 150ms
turn:
  morpheme_weight: 0.5
  duration_weight: 0.25
  silence_weight: 0.25
  threshold: 0.7
transcription:
  providers:
    - name: whisper
      base_url: http://localhost:8178
      options:
        temperature: "0.2"
    - name: deepgram
      api_key: dg-test
  max_attempts: 3
  retry_delay: 250ms
  language: ko-KR
  phrases: [상담원, 해지, 상담원]
events:
  urls: [ws://localhost:9000/events, wss://consumer.example.com/ws]
  queue_size: 200
  auth:
    secret_key: s3cret
    client_id: aicc-pipeline
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.ShutdownTimeout != 20*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Ports != (config.PortsConfig{Start: 30000, End: 30010, BindAddr: "127.0.0.1"}) {
		t.Errorf("ports = %+v", cfg.Ports)
	}
	if cfg.VAD.MinSpeech != 300*time.Millisecond || cfg.VAD.PreRoll != 150*time.Millisecond {
		t.Errorf("vad = %+v", cfg.VAD)
	}
	if len(cfg.Transcription.Providers) != 2 || cfg.Transcription.Providers[1].APIKey != "dg-test" {
		t.Errorf("providers = %+v", cfg.Transcription.Providers)
	}
	if got := cfg.Transcription.Phrases; len(got) != 2 || got[0] != "상담원" || got[1] != "해지" {
		t.Errorf("phrases = %v, want deduplicated", got)
	}
	if cfg.Turn.Language != "ko-KR" {
		t.Errorf("turn.language = %q, want transcription language", cfg.Turn.Language)
	}
	if cfg.Events.Auth.ClientID != "aicc-pipeline" || len(cfg.Events.URLs) != 2 {
		t.Errorf("events = %+v", cfg.Events)
	}
	if cfg.Transcription.MaxAttempts != 3 || cfg.Transcription.RetryDelay != 250*time.Millisecond {
		t.Errorf("retry = %d attempts every %v", cfg.Transcription.MaxAttempts, cfg.Transcription.RetryDelay)
	}
}

func TestLoadFromReader_RetryKeyIsAttempts(t *testing.T) {
	t.Parallel()
	// The retry bound counts attempts; the ambiguous retries spelling is rejected.
	_, err := config.LoadFromReader(strings.NewReader("transcription:\n  max_retries: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "max_retries") {
		t.Errorf("error = %v, want unknown field max_retries", err)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Ports.Start != config.DefaultPortStart || cfg.Ports.End != config.DefaultPortEnd {
		t.Errorf("port defaults = %+v", cfg.Ports)
	}
	if cfg.VAD.Provider != "energy" || cfg.Transcription.Boost != config.DefaultBoost {
		t.Errorf("vad/transcription defaults = %q %v", cfg.VAD.Provider, cfg.Transcription.Boost)
	}
	if cfg.Turn.MorphemeWeight != 0.6 || cfg.Turn.Threshold != 0.65 {
		t.Errorf("turn defaults = %+v", cfg.Turn)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: :80\n"))
	if err == nil || !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error = %v, want unknown field", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"port range too small", "ports:\n  start: 20000\n  end: 20001\n", "no port pair"},
		{"port out of range", "ports:\n  start: 65000\n  end: 70000\n", "outside valid ports"},
		{"vad threshold", "vad:\n  threshold: 1.5\n", "vad.threshold"},
		{"max below min speech", "vad:\n  min_speech: 500ms\n  max_speech: 100ms\n", "vad.max_speech"},
		{"negative weight", "turn:\n  morpheme_weight: -1\n", "weights must not be negative"},
		{"turn threshold", "turn:\n  threshold: 2\n", "turn.threshold"},
		{"provider without name", "transcription:\n  providers:\n    - model: x\n", "providers[0].name"},
		{"negative attempts", "transcription:\n  max_attempts: -1\n", "max_attempts"},
		{"correction threshold", "transcription:\n  correction:\n    fuzzy_threshold: 1.2\n", "transcription.correction"},
		{"http event url", "events:\n  urls: [http://example.com]\n", "events.urls[0]"},
		{"auth without client", "events:\n  auth:\n    secret_key: k\n", "client_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nvad:\n  threshold: 3\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "vad.threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_PhrasesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	phrases := filepath.Join(dir, "phrases.txt")
	if err := os.WriteFile(phrases, []byte("# products\n요금제\n\n해지\n요금제\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	yaml := "transcription:\n  phrases: [해지]\n  phrases_path: " + phrases + "\n"
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.Transcription.Phrases; len(got) != 2 || got[0] != "해지" || got[1] != "요금제" {
		t.Errorf("phrases = %v", got)
	}
}

func TestParse_ExampleConfig(t *testing.T) {
	t.Parallel()
	data, err := os.ReadFile(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("read example: %v", err)
	}
	cfg, err := config.Parse(data, func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Transcription.Providers) != 1 || !cfg.Transcription.Correction.Enabled {
		t.Errorf("transcription = %+v", cfg.Transcription)
	}
	if cfg.VAD.MaxSpeech != 30*time.Second || cfg.Events.URLs[0] != "ws://localhost:8765/ws" {
		t.Errorf("unexpected values: vad %+v events %+v", cfg.VAD, cfg.Events)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT error = %v", err)
	}
	if _, err := reg.CreateVAD(config.VADConfig{Provider: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD error = %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("mock", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return want, nil
	})
	engine := &vadmock.Engine{}
	reg.RegisterVAD("mock", func(config.VADConfig) (vad.Engine, error) { return engine, nil })

	p, err := reg.CreateSTT(config.ProviderEntry{Name: "mock", APIKey: "k"})
	if err != nil || p != want || gotEntry.APIKey != "k" {
		t.Errorf("CreateSTT = %v, %v (entry %+v)", p, err, gotEntry)
	}
	e, err := reg.CreateVAD(config.VADConfig{Provider: "mock"})
	if err != nil || e != engine {
		t.Errorf("CreateVAD = %v, %v", e, err)
	}
	if names := reg.STTNames(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("STTNames = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("model file missing")
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) { return nil, boom })
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped factory error", err)
	}
}

func TestDecodeOptions(t *testing.T) {
	t.Parallel()
	type whisperOpts struct {
		Temperature float64       `mapstructure:"temperature"`
		Timeout     time.Duration `mapstructure:"timeout"`
		Diarize     bool          `mapstructure:"diarize"`
	}

	got, err := config.DecodeOptions[whisperOpts](map[string]any{
		"temperature": "0.2",
		"timeout":     "3s",
		"diarize":     "true",
	})
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if got.Temperature != 0.2 || got.Timeout != 3*time.Second || !got.Diarize {
		t.Errorf("decoded = %+v", got)
	}

	if _, err := config.DecodeOptions[whisperOpts](map[string]any{"temprature": 1}); err == nil {
		t.Error("expected error for unknown key")
	}
	if got, err := config.DecodeOptions[whisperOpts](nil); err != nil || got != (whisperOpts{}) {
		t.Errorf("nil options = %+v, %v", got, err)
	}
}
