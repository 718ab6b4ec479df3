package codec

import "encoding/binary"

const (
	ulawBias = 0x84 >> 2
	ulawClip = 8159
)

var (
	ulawSegEnd = [8]int16{0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF}
	alawSegEnd = [8]int16{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}
)

// DecodeUlaw expands G.711 μ-law bytes into little-endian PCM16 at the same
// sample rate. Each input byte yields one sample.
func DecodeUlaw(payload []byte) []byte {
	return expand(payload, &ulawTable)
}

// DecodeAlaw expands G.711 A-law bytes into little-endian PCM16.
func DecodeAlaw(payload []byte) []byte {
	return expand(payload, &alawTable)
}

func expand(payload []byte, table *[256]int16) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(table[b]))
	}
	return out
}

// EncodeUlaw compresses little-endian PCM16 into G.711 μ-law. Decoding the
// result with DecodeUlaw and encoding again is lossless for every code except
// 0x7F (negative zero), which encodes back to 0xFF.
func EncodeUlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToUlaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// EncodeAlaw compresses little-endian PCM16 into G.711 A-law.
func EncodeAlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToAlaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

func linearToUlaw(sample int16) byte {
	v := sample >> 2
	mask := byte(0xFF)
	if v < 0 {
		v = -v
		mask = 0x7F
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	seg := segment(v, &ulawSegEnd)
	if seg >= 8 {
		return 0x7F ^ mask
	}
	code := byte(seg<<4) | byte((v>>(seg+1))&0x0F)
	return code ^ mask
}

func linearToAlaw(sample int16) byte {
	v := sample >> 3
	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := segment(v, &alawSegEnd)
	if seg >= 8 {
		return 0x7F ^ mask
	}
	code := byte(seg << 4)
	if seg < 2 {
		code |= byte((v >> 1) & 0x0F)
	} else {
		code |= byte((v >> seg) & 0x0F)
	}
	return code ^ mask
}

func segment(v int16, ends *[8]int16) int {
	for i, end := range ends {
		if v <= end {
			return i
		}
	}
	return len(ends)
}
