// Package audio holds PCM helpers shared by the codec, VAD and transcription
// stages. All functions operate on little-endian int16 mono PCM.
package audio

import (
	"encoding/binary"
	"math"
)

// Telephony and pipeline sample rates.
const (
	NarrowbandRate = 8000
	WidebandRate   = 16000
)

// Upsample8kTo16k doubles the sample rate of 8 kHz PCM. The output always has
// exactly twice as many samples as the input.
func Upsample8kTo16k(pcm []byte) []byte {
	return ResampleMono16(pcm, NarrowbandRate, WidebandRate)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged. A trailing odd byte is ignored.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}
	return out
}

// Int16sToBytes converts int16 samples to little-endian PCM bytes.
func Int16sToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16s converts little-endian PCM bytes to int16 samples.
func BytesToInt16s(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = sampleAt(pcm, i)
	}
	return samples
}

// PCMToFloat32 converts PCM to float32 samples normalised to [-1.0, 1.0].
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(sampleAt(pcm, i)) / 32768.0
	}
	return out
}

// RMS returns the root-mean-square amplitude of the samples on the int16
// scale. Returns 0 for fewer than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ZeroCrossingRate returns the fraction of samples at which the signal
// changes sign. Zero-valued samples count as their own sign, matching
// numpy's sign semantics.
func ZeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / 2
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := sign(sampleAt(pcm, 0))
	for i := 1; i < n; i++ {
		cur := sign(sampleAt(pcm, i))
		if cur != prev {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n)
}

// DurationMs returns the playback length in milliseconds of mono PCM at rate.
func DurationMs(pcm []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return (len(pcm) / 2) * 1000 / rate
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func sign(s int16) int {
	switch {
	case s > 0:
		return 1
	case s < 0:
		return -1
	default:
		return 0
	}
}
