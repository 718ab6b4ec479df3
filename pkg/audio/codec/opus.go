package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/aicc/pkg/audio"
)

// Opus is decoded straight to the pipeline rate so no resampling is needed.
const (
	opusSampleRate = audio.WidebandRate
	opusChannels   = 1
	// opusMaxFrameSize is 120 ms at 16 kHz, the longest frame Opus allows.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// opusDecoder wraps a gopus decoder for one RTP stream. Opus decoding is
// stateful, so every stream needs its own instance.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(payload []byte) ([]byte, int, error) {
	pcm, err := d.dec.Decode(payload, opusMaxFrameSize, false)
	if err != nil {
		return nil, 0, fmt.Errorf("codec: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), opusSampleRate, nil
}
