package live

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts float samples in [-1, 1] to 16-bit little-endian PCM.
// Samples are clamped first; negatives scale by 32768 and positives by 32767,
// and the scaled value is truncated toward zero.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(float64(s) * 0x8000)
	}
	return int16(float64(s) * 0x7FFF)
}

// PCM16ToFloat decodes 16-bit little-endian PCM into float samples by
// dividing by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(sample) / 32768
	}
	return out
}

// CalculateRMSEnergy computes the root-mean-square energy of PCM16 audio in [0, 1].
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		normalized := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}
