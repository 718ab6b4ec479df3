package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. [Validate]
// warns about names not listed here.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "deepgram", "openai"},
	"vad": {"energy"},
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path loads from the
// environment alone.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := Parse(data, os.LookupEnv)
	if err != nil && path != "" {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, err
}

// LoadFromReader decodes a YAML config from r without environment
// overrides. Useful in tests where configs are built from literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data, nil)
}

// Parse decodes data, applies overrides from lookup when it is non-nil,
// fills defaults, loads the phrase file and validates.
func Parse(data []byte, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := loadPhrases(&cfg.Transcription); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPhrases appends the phrases from PhrasesPath and removes duplicates
// while keeping first-seen order.
func loadPhrases(t *TranscriptionConfig) error {
	if t.PhrasesPath != "" {
		f, err := os.Open(t.PhrasesPath)
		if err != nil {
			return fmt.Errorf("config: transcription.phrases_path: %w", err)
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				t.Phrases = append(t.Phrases, line)
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("config: read %q: %w", t.PhrasesPath, err)
		}
	}
	seen := make(map[string]bool, len(t.Phrases))
	t.Phrases = slices.DeleteFunc(t.Phrases, func(p string) bool {
		if p == "" || seen[p] {
			return true
		}
		seen[p] = true
		return false
	})
	return nil
}

// Validate checks that cfg is coherent. It returns a joined error listing
// every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	p := cfg.Ports
	switch {
	case p.Start <= 0 || p.End > 65536:
		errs = append(errs, fmt.Errorf("ports: range [%d, %d) outside valid ports", p.Start, p.End))
	case p.End-p.Start < 2:
		errs = append(errs, fmt.Errorf("ports: range [%d, %d) holds no port pair", p.Start, p.End))
	}
	if cfg.Ingress.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("ingress.queue_size %d must not be negative", cfg.Ingress.QueueSize))
	}

	v := cfg.VAD
	validateProviderName("vad", v.Provider)
	if v.Threshold < 0 || v.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", v.Threshold))
	}
	if v.MinSpeech < 0 || v.MaxSpeech < 0 || v.PreRoll < 0 || v.MinTurn < 0 {
		errs = append(errs, errors.New("vad: durations must not be negative"))
	}
	if v.MaxSpeech > 0 && v.MaxSpeech < v.MinSpeech {
		errs = append(errs, fmt.Errorf("vad.max_speech %s is shorter than vad.min_speech %s", v.MaxSpeech, v.MinSpeech))
	}
	if v.FrameMs < 0 || v.SmoothingWindow < 0 {
		errs = append(errs, errors.New("vad: frame_ms and smoothing_window must not be negative"))
	}

	t := cfg.Turn
	if t.MorphemeWeight < 0 || t.DurationWeight < 0 || t.SilenceWeight < 0 {
		errs = append(errs, errors.New("turn: weights must not be negative"))
	}
	if t.Threshold < 0 || t.Threshold > 1 {
		errs = append(errs, fmt.Errorf("turn.threshold %.2f is out of range [0, 1]", t.Threshold))
	}

	tr := cfg.Transcription
	if len(tr.Providers) == 0 {
		slog.Warn("no transcription provider configured; turns will carry empty transcripts")
	}
	for i, e := range tr.Providers {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("transcription.providers[%d].name is required", i))
			continue
		}
		validateProviderName("stt", e.Name)
	}
	if tr.Workers < 0 || tr.QueueSize < 0 || tr.MaxAttempts < 0 {
		errs = append(errs, errors.New("transcription: workers, queue_size and max_attempts must not be negative"))
	}
	if c := tr.Correction; c.PhoneticThreshold < 0 || c.PhoneticThreshold > 1 || c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		errs = append(errs, errors.New("transcription.correction: thresholds must be in [0, 1]"))
	}

	ev := cfg.Events
	if len(ev.URLs) == 0 {
		slog.Warn("no event destination configured; set events.urls or AICC_WS_URL")
	}
	for i, raw := range ev.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("events.urls[%d] %q must be a ws:// or wss:// url", i, raw))
		}
	}
	if ev.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("events.queue_size %d must not be negative", ev.QueueSize))
	}
	if ev.Auth.SecretKey != "" && ev.Auth.ClientID == "" {
		errs = append(errs, errors.New("events.auth.client_id is required when a secret key is set"))
	}

	return errors.Join(errs...)
}

// validateProviderName warns when name is not in [ValidProviderNames].
func validateProviderName(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
