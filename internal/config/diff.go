package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked; everything else needs one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged is true when weights or threshold changed. Language
	// changes need a restart and are reported in RestartRequired.
	TurnChanged bool
	NewTurn     TurnConfig

	// RestartRequired names the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TurnChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ot, nt := old.Turn, new.Turn
	if ot.MorphemeWeight != nt.MorphemeWeight || ot.DurationWeight != nt.DurationWeight ||
		ot.SilenceWeight != nt.SilenceWeight || ot.Threshold != nt.Threshold {
		d.TurnChanged = true
		d.NewTurn = nt
	}

	if ot.Language != nt.Language {
		d.RestartRequired = append(d.RestartRequired, "turn.language")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.ShutdownTimeout != new.Server.ShutdownTimeout {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Ports != new.Ports {
		d.RestartRequired = append(d.RestartRequired, "ports")
	}
	if !slices.Equal(old.Ingress.AllowedSources, new.Ingress.AllowedSources) || old.Ingress.QueueSize != new.Ingress.QueueSize {
		d.RestartRequired = append(d.RestartRequired, "ingress")
	}
	if old.Codec != new.Codec {
		d.RestartRequired = append(d.RestartRequired, "codec")
	}
	if old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if !equalTranscription(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if !slices.Equal(old.Events.URLs, new.Events.URLs) || old.Events.QueueSize != new.Events.QueueSize ||
		old.Events.ReconnectInterval != new.Events.ReconnectInterval || old.Events.WriteTimeout != new.Events.WriteTimeout ||
		old.Events.DialTimeout != new.Events.DialTimeout || old.Events.Auth != new.Events.Auth {
		d.RestartRequired = append(d.RestartRequired, "events")
	}
	return d
}

func equalTranscription(a, b TranscriptionConfig) bool {
	return reflect.DeepEqual(a.Providers, b.Providers) &&
		a.Workers == b.Workers && a.QueueSize == b.QueueSize && a.MaxAttempts == b.MaxAttempts &&
		a.RetryDelay == b.RetryDelay && a.AttemptTimeout == b.AttemptTimeout &&
		a.Language == b.Language && a.Boost == b.Boost && a.Breaker == b.Breaker &&
		a.Correction == b.Correction &&
		slices.Equal(a.Phrases, b.Phrases)
}
