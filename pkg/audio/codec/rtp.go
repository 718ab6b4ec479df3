// Package codec turns inbound RTP datagrams into 16 kHz PCM frames.
//
// Parsing delegates to pion/rtp and adds the checks the telephony side relies
// on (minimum header size, RTP version 2). Payload decoding is table-driven
// for G.711 and uses libopus for dynamic Opus payloads.
package codec

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// HeaderSize is the size of the fixed RTP header in bytes.
const HeaderSize = 12

// rtpVersion is the only RTP version accepted.
const rtpVersion = 2

// Static RTP payload types (RFC 3551).
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// DefaultOpusPayloadType is the dynamic payload type most SBCs assign to Opus.
const DefaultOpusPayloadType uint8 = 111

// ErrMalformedPacket is returned when a datagram is not a usable RTP packet.
var ErrMalformedPacket = errors.New("codec: malformed packet")

// Packet holds the RTP header fields the pipeline uses and the payload with
// padding, CSRCs and extensions already stripped.
type Packet struct {
	Version        uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
}

// Parse decodes an RTP datagram. Any structural problem is reported as an
// error wrapping [ErrMalformedPacket].
func Parse(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), HeaderSize)
	}
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if p.Version != rtpVersion {
		return Packet{}, fmt.Errorf("%w: version %d", ErrMalformedPacket, p.Version)
	}
	return Packet{
		Version:        p.Version,
		Marker:         p.Marker,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
		Payload:        p.Payload,
	}, nil
}

// Marshal builds an RTP datagram. It is used by test senders and tools that
// replay captured audio into the pipeline.
func Marshal(pt uint8, seq uint16, ts, ssrc uint32, payload []byte) ([]byte, error) {
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	b, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("codec: marshal rtp: %w", err)
	}
	return b, nil
}
