// Package config provides the configuration schema, loader, environment
// overrides, and provider registry for the aicc call-audio service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration. It is typically loaded with [Load].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Ports         PortsConfig         `yaml:"ports"`
	Ingress       IngressConfig       `yaml:"ingress"`
	Codec         CodecConfig         `yaml:"codec"`
	VAD           VADConfig           `yaml:"vad"`
	Turn          TurnConfig          `yaml:"turn"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Events        EventsConfig        `yaml:"events"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves the call API, health endpoints and /metrics.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown after a signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PortsConfig is the UDP range calls draw their port pairs from. End is
// exclusive.
type PortsConfig struct {
	Start    int    `yaml:"start"`
	End      int    `yaml:"end"`
	BindAddr string `yaml:"bind_addr"`
}

// IngressConfig tunes the per-leg UDP receivers.
type IngressConfig struct {
	QueueSize int `yaml:"queue_size"`

	// AllowedSources restricts accepted datagrams to these IPs. Empty
	// accepts any source.
	AllowedSources []string `yaml:"allowed_sources"`
}

// CodecConfig selects payload decoders.
type CodecConfig struct {
	// OpusPayloadType is the dynamic RTP payload type decoded as Opus.
	// Zero disables Opus.
	OpusPayloadType uint8 `yaml:"opus_payload_type"`
}

// VADConfig selects and tunes speech segmentation.
type VADConfig struct {
	// Provider names the engine in the [Registry]. Default: "energy".
	Provider string `yaml:"provider"`

	Threshold       float64       `yaml:"threshold"`
	MinSpeech       time.Duration `yaml:"min_speech"`
	MaxSpeech       time.Duration `yaml:"max_speech"`
	FrameMs         int           `yaml:"frame_ms"`
	SmoothingWindow int           `yaml:"smoothing_window"`

	// ZCRThreshold attenuates noisy, high zero-crossing windows in the
	// energy engine.
	ZCRThreshold float64 `yaml:"zcr_threshold"`

	// PreRoll is the audio kept ahead of the detected speech start.
	PreRoll time.Duration `yaml:"pre_roll"`

	// MinTurn drops segments shorter than this before transcription.
	MinTurn time.Duration `yaml:"min_turn"`
}

// TurnConfig holds the fusion weights and decision threshold. All of it can
// be changed without a restart.
type TurnConfig struct {
	Language       string  `yaml:"language"`
	MorphemeWeight float64 `yaml:"morpheme_weight"`
	DurationWeight float64 `yaml:"duration_weight"`
	SilenceWeight  float64 `yaml:"silence_weight"`
	Threshold      float64 `yaml:"threshold"`
}

// ProviderEntry configures one transcription backend. Name selects the
// constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider (e.g. "whisper", "deepgram").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values, decoded with [DecodeOptions].
	Options map[string]any `yaml:"options"`
}

// TranscriptionConfig lists the backends in fallback order and tunes the
// dispatcher in front of them.
type TranscriptionConfig struct {
	Providers []ProviderEntry `yaml:"providers"`

	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	Language string   `yaml:"language"`
	Phrases  []string `yaml:"phrases"`

	// PhrasesPath names a file with one phrase per line; "#" starts a
	// comment line.
	PhrasesPath string  `yaml:"phrases_path"`
	Boost       float64 `yaml:"boost"`

	// Breaker tunes the circuit breaker in front of each backend.
	Breaker BreakerConfig `yaml:"breaker"`

	// Correction snaps misrecognised spans onto Phrases after transcription.
	Correction CorrectionConfig `yaml:"correction"`
}

// CorrectionConfig tunes phrase correction. Zero thresholds take the
// matcher defaults (0.70 phonetic, 0.90 fuzzy).
type CorrectionConfig struct {
	Enabled           bool    `yaml:"enabled"`
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// EventsConfig lists the downstream websocket consumers.
type EventsConfig struct {
	URLs              []string      `yaml:"urls"`
	QueueSize         int           `yaml:"queue_size"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	Auth              AuthConfig    `yaml:"auth"`
}

// AuthConfig enables bearer-token auth on outbound connections when
// SecretKey is set.
type AuthConfig struct {
	SecretKey string        `yaml:"secret_key"`
	ClientID  string        `yaml:"client_id"`
	TTL       time.Duration `yaml:"ttl"`
}

// Defaults mirror what the telephony deployment expects.
const (
	DefaultListenAddr      = ":8081"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultPortStart       = 20000
	DefaultPortEnd         = 20100
	DefaultBindAddr        = "0.0.0.0"
	DefaultVADProvider     = "energy"
	DefaultLanguage        = "ko-KR"
	DefaultBoost           = 10.0

	DefaultMorphemeWeight = 0.6
	DefaultDurationWeight = 0.2
	DefaultSilenceWeight  = 0.2
	DefaultTurnThreshold  = 0.65
)

// ApplyDefaults fills zero fields of cfg. Component packages apply their own
// defaults for anything left zero here.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Ports.Start == 0 && cfg.Ports.End == 0 {
		cfg.Ports.Start, cfg.Ports.End = DefaultPortStart, DefaultPortEnd
	}
	if cfg.Ports.BindAddr == "" {
		cfg.Ports.BindAddr = DefaultBindAddr
	}
	if cfg.VAD.Provider == "" {
		cfg.VAD.Provider = DefaultVADProvider
	}
	if cfg.Turn.Language == "" {
		cfg.Turn.Language = cfg.Transcription.Language
	}
	if cfg.Turn.Language == "" {
		cfg.Turn.Language = DefaultLanguage
	}
	t := &cfg.Turn
	if t.MorphemeWeight == 0 && t.DurationWeight == 0 && t.SilenceWeight == 0 {
		t.MorphemeWeight, t.DurationWeight, t.SilenceWeight = DefaultMorphemeWeight, DefaultDurationWeight, DefaultSilenceWeight
	}
	if t.Threshold == 0 {
		t.Threshold = DefaultTurnThreshold
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = DefaultLanguage
	}
	if cfg.Transcription.Boost == 0 {
		cfg.Transcription.Boost = DefaultBoost
	}
}
