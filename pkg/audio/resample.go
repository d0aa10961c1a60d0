// Package audio implements the receive-side playout path: rate
// conversion, a jitter buffer with underrun concealment, and
// multi-talker mixing with per-channel gain.
package audio

import "math"

// Resample converts mono PCM between sample rates using linear
// interpolation. Speech at these block sizes does not justify a
// polyphase filter.
func Resample(pcm []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(pcm) == 0 {
		return pcm
	}
	n := int(math.Round(float64(len(pcm)) * float64(toRate) / float64(fromRate)))
	if n < 1 {
		n = 1
	}
	out := make([]float32, n)
	step := float64(len(pcm)) / float64(n)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = pcm[j] + (pcm[j+1]-pcm[j])*frac
	}
	return out
}
