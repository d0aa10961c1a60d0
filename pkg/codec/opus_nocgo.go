//go:build !cgo

package codec

import "errors"

var errDisabled = errors.New("opus codec disabled: built without cgo")

// Opus is the codec shim in a build without cgo. It reports itself
// disabled and callers fall back to raw PCM payloads.
type Opus struct {
	samplesPerFrame int
}

// NewOpus builds the disabled shim.
func NewOpus(rate, channels, frameMS int) *Opus {
	_ = channels
	return &Opus{samplesPerFrame: rate * frameMS / 1000}
}

// Enabled reports whether Opus encode/decode is available.
func (o *Opus) Enabled() bool { return false }

// Err returns the reason the shim is disabled.
func (o *Opus) Err() error { return errDisabled }

// SamplesPerFrame returns the mono sample count per frame.
func (o *Opus) SamplesPerFrame() int { return o.samplesPerFrame }

// EncodeFloat32 always fails on a disabled shim.
func (o *Opus) EncodeFloat32(pcm []float32) ([]byte, error) {
	return nil, errDisabled
}

// DecodeToFloat32 always fails on a disabled shim.
func (o *Opus) DecodeToFloat32(data []byte, ssrc uint32) ([]float32, error) {
	return nil, errDisabled
}

// DecoderCount returns the number of cached per-sender decoders.
func (o *Opus) DecoderCount() int { return 0 }
