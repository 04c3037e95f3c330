package audio

import "math"

// RMS computes the root-mean-square level of little-endian 16-bit PCM,
// normalized to [0, 1]. A trailing odd byte is ignored; empty input is 0.
// Levels below roughly 0.0025 are indistinguishable from line noise on
// typical browser capture chains.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples*2; i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}

// Silence returns n zero bytes, the PCM encoding of pure silence.
func Silence(n int) []byte {
	return make([]byte, n)
}
