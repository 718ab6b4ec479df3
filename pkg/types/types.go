// Package types defines the shared types used across the aicc packages.
//
// These types are the common vocabulary between the codec, the VAD engines,
// the transcription providers and the per-call pipeline. Each package defines
// its own domain types; only data that crosses package boundaries lives here
// to avoid circular imports.
package types

import "time"

// Speaker identifies which leg of a call an audio stream belongs to.
type Speaker string

const (
	// SpeakerCustomer is the caller side of the call.
	SpeakerCustomer Speaker = "customer"

	// SpeakerAgent is the contact-center agent side of the call.
	SpeakerAgent Speaker = "agent"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerCustomer || s == SpeakerAgent
}

// AudioFrame represents a single decoded frame of audio flowing through the
// pipeline. After decoding, frames are always 16 kHz mono PCM16 little-endian.
type AudioFrame struct {
	// PCM audio data (little-endian int16 samples).
	Data []byte

	// SampleRate in Hz. 16000 after the codec stage.
	SampleRate int

	// Channels is always 1 for telephony streams.
	Channels int

	// Speaker is the call leg that produced the frame.
	Speaker Speaker

	// Timestamp marks where the frame starts, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// KeywordBoost is a phrase hint passed to transcription backends that
// support speech adaptation.
type KeywordBoost struct {
	// Keyword is the phrase to boost.
	Keyword string

	// Boost is the backend-specific boost weight. Zero means backend default.
	Boost float64
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the smoothed speech probability (0.0–1.0).
	Probability float64

	// SegmentStart is the stream offset at which the current speech segment
	// began. Set for VADSpeechStart, VADSpeechContinue and VADSpeechEnd.
	SegmentStart time.Duration

	// SegmentEnd is the stream offset at which the speech segment ended
	// (the onset of the silence that closed it). Set for VADSpeechEnd only.
	SegmentEnd time.Duration

	// Silence is the trailing silence that closed the segment. Set for
	// VADSpeechEnd only.
	Silence time.Duration
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns a lowercase name for the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
