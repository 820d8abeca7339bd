package audio

import (
	"encoding/binary"
	"math"
)

// pcmScale maps int16 samples onto [-1, 1).
const pcmScale = 32768.0

// BytesToFloat decodes 16-bit little-endian PCM into samples normalised by
// 32768. A trailing odd byte is ignored.
func BytesToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/BytesPerSample)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float64(s) / pcmScale
	}
	return out
}

// FloatToBytes encodes normalised samples as 16-bit little-endian PCM. Samples
// are clamped to [-1, 1] before rescaling and +1.0 saturates at 32767. NaN is
// written as silence.
func FloatToBytes(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, f := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToSample(f)))
	}
	return out
}

func floatToSample(f float64) int16 {
	if math.IsNaN(f) {
		return 0
	}
	f = max(-1, min(1, f))
	v := math.Round(f * pcmScale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Truncate returns pcm cut to at most limit bytes, rounded down to an even
// length. A non-positive limit only enforces the even length. The returned
// slice aliases pcm.
func Truncate(pcm []byte, limit int) []byte {
	if limit > 0 && len(pcm) > limit {
		pcm = pcm[:limit]
	}
	return pcm[:len(pcm)&^1]
}

// RMS returns the root-mean-square level of 16-bit PCM normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
