// Package events defines the turn events streamed to downstream consumers and
// the dispatcher that delivers them over outbound websocket connections.
//
// [Event] is a closed set: [MetadataStart], [TurnComplete] and [MetadataEnd]
// are its only implementations. Consumers handle events with a type switch;
// the JSON form carries a "type" discriminator so the wire format can be
// decoded back with [Decode].
package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Kind is the wire discriminator of an event.
type Kind string

const (
	KindMetadataStart Kind = "metadata_start"
	KindTurnComplete  Kind = "turn_complete"
	KindMetadataEnd   Kind = "metadata_end"
)

// Event is one of [MetadataStart], [TurnComplete] or [MetadataEnd].
type Event interface {
	// Kind returns the wire discriminator.
	Kind() Kind

	// Call returns the id of the call the event belongs to.
	Call() string

	sealed()
}

// MetadataStart announces a call once its first customer audio arrives.
type MetadataStart struct {
	ID             string    `json:"event_id"`
	CallID         string    `json:"call_id"`
	CustomerNumber string    `json:"customer_number"`
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// TurnComplete carries one transcribed and scored speaker turn. StartTime and
// EndTime are seconds from the start of the speaker's stream.
type TurnComplete struct {
	ID                string    `json:"event_id"`
	CallID            string    `json:"call_id"`
	Speaker           string    `json:"speaker"`
	StartTime         float64   `json:"start_time"`
	EndTime           float64   `json:"end_time"`
	Transcript        string    `json:"transcript"`
	Decision          string    `json:"decision"`
	FusionScore       float64   `json:"fusion_score"`
	MorphemeScore     float64   `json:"morpheme_score"`
	DurationScore     float64   `json:"duration_score"`
	SilenceScore      float64   `json:"silence_score"`
	SilenceDurationMs float64   `json:"silence_duration_ms"`
	Timestamp         time.Time `json:"timestamp"`
}

// MetadataEnd summarises a call at teardown. TotalDuration is in seconds;
// SpeechRatio is total speech time over TotalDuration.
type MetadataEnd struct {
	ID              string    `json:"event_id"`
	CallID          string    `json:"call_id"`
	TotalDuration   float64   `json:"total_duration"`
	TurnCount       int       `json:"turn_count"`
	CompleteCount   int       `json:"complete_turns"`
	IncompleteCount int       `json:"incomplete_turns"`
	SpeechRatio     float64   `json:"speech_ratio"`
	Timestamp       time.Time `json:"timestamp"`
}

func (MetadataStart) Kind() Kind { return KindMetadataStart }
func (TurnComplete) Kind() Kind  { return KindTurnComplete }
func (MetadataEnd) Kind() Kind   { return KindMetadataEnd }

func (e MetadataStart) Call() string { return e.CallID }
func (e TurnComplete) Call() string  { return e.CallID }
func (e MetadataEnd) Call() string   { return e.CallID }

func (MetadataStart) sealed() {}
func (TurnComplete) sealed()  {}
func (MetadataEnd) sealed()   {}

// MarshalJSON adds the "type" discriminator.
func (e MetadataStart) MarshalJSON() ([]byte, error) {
	type plain MetadataStart
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

// MarshalJSON adds the "type" discriminator.
func (e TurnComplete) MarshalJSON() ([]byte, error) {
	type plain TurnComplete
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

// MarshalJSON adds the "type" discriminator.
func (e MetadataEnd) MarshalJSON() ([]byte, error) {
	type plain MetadataEnd
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{e.Kind(), plain(e)})
}

// Decode parses the JSON form of an event.
func Decode(b []byte) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch head.Type {
	case KindMetadataStart:
		var e MetadataStart
		err = json.Unmarshal(b, &e)
		ev = e
	case KindTurnComplete:
		var e TurnComplete
		err = json.Unmarshal(b, &e)
		ev = e
	case KindMetadataEnd:
		var e MetadataEnd
		err = json.Unmarshal(b, &e)
		ev = e
	default:
		return nil, fmt.Errorf("events: decode: unknown type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", head.Type, err)
	}
	return ev, nil
}

// Stamp fills in a missing event id and timestamp.
func Stamp(e Event, now time.Time) Event {
	now = now.UTC()
	switch e := e.(type) {
	case MetadataStart:
		e.ID, e.Timestamp = stampID(e.ID), stampTime(e.Timestamp, now)
		return e
	case TurnComplete:
		e.ID, e.Timestamp = stampID(e.ID), stampTime(e.Timestamp, now)
		return e
	case MetadataEnd:
		e.ID, e.Timestamp = stampID(e.ID), stampTime(e.Timestamp, now)
		return e
	}
	return e
}

func stampID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func stampTime(ts, now time.Time) time.Time {
	if !ts.IsZero() {
		return ts
	}
	return now
}

// Seconds converts d to seconds rounded to the given number of decimals.
func Seconds(d time.Duration, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(d.Seconds()*p) / p
}
