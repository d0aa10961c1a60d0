// Package codec converts between network audio payloads and mono
// float32 PCM. The preferred path is Opus (when the toolchain links
// libopus); raw PCM payloads are the interoperability fallback.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// DefaultRate is the native sample rate of the audio path.
	DefaultRate = 48000
	// DefaultFrameMS is the frame duration carried per packet.
	DefaultFrameMS = 10
	// DefaultFrameSamples is the mono sample count per frame.
	DefaultFrameSamples = DefaultRate * DefaultFrameMS / 1000
)

// DecodePCM interprets a raw PCM payload as mono float32 in [-1, 1].
//
// Payloads are tried as float32 little-endian first, then int16
// little-endian. When the length aligns to neither width, up to 3
// trailing bytes are trimmed to recover a valid frame, preferring
// float32 alignment. Multi-channel input is downmixed by averaging.
func DecodePCM(data []byte, channels int) ([]float32, error) {
	if channels < 1 {
		channels = 1
	}
	n := len(data)
	if n == 0 {
		return []float32{}, nil
	}

	if n%4 == 0 {
		return downmix(decodeFloat32LE(data), channels), nil
	}
	if n%2 == 0 {
		return downmix(decodeInt16LE(data), channels), nil
	}

	for drop := 1; drop <= 3; drop++ {
		m := n - drop
		if m <= 0 {
			break
		}
		if m%4 == 0 {
			return downmix(decodeFloat32LE(data[:m]), channels), nil
		}
		if m%2 == 0 {
			return downmix(decodeInt16LE(data[:m]), channels), nil
		}
	}
	return nil, fmt.Errorf("buffer size must be a multiple of 4 or 2 (got %d bytes)", n)
}

func decodeFloat32LE(data []byte) []float32 {
	pcm := make([]float32, len(data)/4)
	for i := range pcm {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		v := math.Float32frombits(bits)
		if v != v { // NaN
			v = 0
		}
		pcm[i] = clamp1(v)
	}
	return pcm
}

func decodeInt16LE(data []byte) []float32 {
	pcm := make([]float32, len(data)/2)
	for i := range pcm {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		pcm[i] = float32(v) / 32767.0
	}
	return pcm
}

// downmix averages interleaved channels into mono. Input whose length
// does not divide evenly by the channel count is passed through.
func downmix(pcm []float32, channels int) []float32 {
	if channels <= 1 || len(pcm)%channels != 0 {
		return pcm
	}
	out := make([]float32, len(pcm)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += pcm[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodePCMFloat32 packs mono float32 samples as float32-LE bytes,
// clamping to [-1, 1].
func EncodePCMFloat32(pcm []float32) []byte {
	out := make([]byte, len(pcm)*4)
	for i, v := range pcm {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(clamp1(v)))
	}
	return out
}

// EncodePCMInt16 packs mono float32 samples as int16-LE bytes.
func EncodePCMInt16(pcm []float32) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamp1(v)*32767.0)))
	}
	return out
}

func clamp1(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
