package codec

import (
	"errors"
	"fmt"

	"github.com/MrWong99/aicc/pkg/audio"
)

// ErrUnsupportedPayload is returned for RTP payload types without a decoder.
var ErrUnsupportedPayload = errors.New("codec: unsupported payload type")

// Decoder expands one RTP payload into little-endian PCM16 mono and reports
// the sample rate of the result.
type Decoder interface {
	Decode(payload []byte) (pcm []byte, sampleRate int, err error)
}

// DecoderFunc adapts a stateless function to [Decoder].
type DecoderFunc func(payload []byte) ([]byte, int, error)

// Decode calls f.
func (f DecoderFunc) Decode(payload []byte) ([]byte, int, error) { return f(payload) }

var (
	ulawDecoder = DecoderFunc(func(p []byte) ([]byte, int, error) {
		return DecodeUlaw(p), audio.NarrowbandRate, nil
	})
	alawDecoder = DecoderFunc(func(p []byte) ([]byte, int, error) {
		return DecodeAlaw(p), audio.NarrowbandRate, nil
	})
)

// NewDecoder returns the decoder for one payload type: μ-law (0), A-law (8)
// or Opus on the configured dynamic type. The Opus decoder is stateful and
// must not be shared between streams.
func NewDecoder(pt uint8, opts ...StreamOption) (Decoder, error) {
	return NewStreamDecoder(opts...).decoderFor(pt)
}

// StreamOption configures a [StreamDecoder].
type StreamOption func(*StreamDecoder)

// WithOpusPayloadType sets the dynamic payload type treated as Opus.
// Zero disables Opus support.
func WithOpusPayloadType(pt uint8) StreamOption {
	return func(d *StreamDecoder) { d.opusPT = pt }
}

// StreamDecoder converts the packets of a single RTP stream into 16 kHz PCM.
// It selects the payload decoder per packet and keeps per-stream codec state.
// Not safe for concurrent use; each ingress consumer owns one.
type StreamDecoder struct {
	opusPT uint8
	opus   *opusDecoder
}

// NewStreamDecoder returns a decoder for one RTP stream.
func NewStreamDecoder(opts ...StreamOption) *StreamDecoder {
	d := &StreamDecoder{opusPT: DefaultOpusPayloadType}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decode expands the packet payload and resamples it to 16 kHz.
func (d *StreamDecoder) Decode(p Packet) ([]byte, error) {
	dec, err := d.decoderFor(p.PayloadType)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := dec.Decode(p.Payload)
	if err != nil {
		return nil, err
	}
	if rate == audio.NarrowbandRate {
		return audio.Upsample8kTo16k(pcm), nil
	}
	return audio.ResampleMono16(pcm, rate, audio.WidebandRate), nil
}

func (d *StreamDecoder) decoderFor(pt uint8) (Decoder, error) {
	switch {
	case pt == PayloadPCMU:
		return ulawDecoder, nil
	case pt == PayloadPCMA:
		return alawDecoder, nil
	case d.opusPT != 0 && pt == d.opusPT:
		if d.opus == nil {
			od, err := newOpusDecoder()
			if err != nil {
				return nil, err
			}
			d.opus = od
		}
		return d.opus, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPayload, pt)
	}
}
