package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with the AICC_* and WS_AUTH_* variables found via
// lookup. AICC_WS_URL and AICC_WS_URL_1, AICC_WS_URL_2, ... replace the
// configured destinations when any of them is set; numbering stops at the
// first gap. Unparsable values are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("AICC_LISTEN_ADDR", &cfg.Server.ListenAddr)
	var level string
	if e.str("AICC_LOG_LEVEL", &level) {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}
	var debug bool
	if e.boolean("AICC_DEBUG", &debug) && debug {
		cfg.Server.LogLevel = LogDebug
	}

	e.integer("AICC_PORT_START", &cfg.Ports.Start)
	e.integer("AICC_PORT_END", &cfg.Ports.End)
	e.str("AICC_BIND_ADDR", &cfg.Ports.BindAddr)
	e.integer("AICC_INGRESS_QUEUE_SIZE", &cfg.Ingress.QueueSize)

	e.float("AICC_VAD_THRESHOLD", &cfg.VAD.Threshold)
	e.millis("AICC_MIN_SPEECH_MS", &cfg.VAD.MinSpeech)
	e.millis("AICC_MAX_SPEECH_MS", &cfg.VAD.MaxSpeech)

	e.float("AICC_TURN_MORPHEME_WEIGHT", &cfg.Turn.MorphemeWeight)
	e.float("AICC_TURN_DURATION_WEIGHT", &cfg.Turn.DurationWeight)
	e.float("AICC_TURN_SILENCE_WEIGHT", &cfg.Turn.SilenceWeight)
	e.float("AICC_TURN_COMPLETE_THRESHOLD", &cfg.Turn.Threshold)

	e.str("AICC_STT_LANGUAGE", &cfg.Transcription.Language)
	var phrases string
	if e.str("AICC_STT_PHRASES", &phrases) {
		for p := range strings.SplitSeq(phrases, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Transcription.Phrases = append(cfg.Transcription.Phrases, p)
			}
		}
	}
	e.str("AICC_STT_PHRASES_PATH", &cfg.Transcription.PhrasesPath)
	e.float("AICC_STT_PHRASE_BOOST", &cfg.Transcription.Boost)
	e.boolean("AICC_STT_PHRASE_CORRECTION", &cfg.Transcription.Correction.Enabled)

	if urls := wsURLs(lookup); len(urls) > 0 {
		cfg.Events.URLs = urls
	}
	e.seconds("AICC_WS_RECONNECT_INTERVAL", &cfg.Events.ReconnectInterval)
	e.integer("AICC_WS_QUEUE_MAXSIZE", &cfg.Events.QueueSize)
	e.str("WS_AUTH_SECRET_KEY", &cfg.Events.Auth.SecretKey)
	e.str("WS_AUTH_CLIENT_ID", &cfg.Events.Auth.ClientID)

	return errors.Join(e.errs...)
}

func wsURLs(lookup LookupFunc) []string {
	var urls []string
	if u, ok := lookup("AICC_WS_URL"); ok && u != "" {
		urls = append(urls, u)
	}
	for i := 1; ; i++ {
		u, ok := lookup("AICC_WS_URL_" + strconv.Itoa(i))
		if !ok || u == "" {
			return urls
		}
		urls = append(urls, u)
	}
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("config: env %s=%q: %w", key, v, err))
}

func (e *envReader) str(key string, dst *string) bool {
	v, ok := e.get(key)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) bool {
	v, ok := e.get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return false
	}
	*dst = b
	return true
}

// millis reads a number of milliseconds, fractions allowed.
func (e *envReader) millis(key string, dst *time.Duration) {
	var f float64
	before := len(e.errs)
	e.float(key, &f)
	if _, ok := e.get(key); ok && len(e.errs) == before {
		*dst = time.Duration(f * float64(time.Millisecond))
	}
}

// seconds reads a number of seconds, fractions allowed.
func (e *envReader) seconds(key string, dst *time.Duration) {
	var f float64
	before := len(e.errs)
	e.float(key, &f)
	if _, ok := e.get(key); ok && len(e.errs) == before {
		*dst = time.Duration(f * float64(time.Second))
	}
}
