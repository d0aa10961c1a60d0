//go:build cgo

package codec

import (
	"errors"
	"sync"

	opus "gopkg.in/hraban/opus.v2"
)

// maxDecoders bounds the per-sender decoder cache so stale SSRCs do not
// leak decoder state.
const maxDecoders = 32

// Opus wraps a single encoder and a per-sender decoder cache. Opus
// decode is stateful, so each remote SSRC gets its own decoder; the
// cache evicts oldest-first once it passes maxDecoders.
type Opus struct {
	mu              sync.Mutex
	rate            int
	channels        int
	samplesPerFrame int
	enabled         bool
	err             error

	enc      *opus.Encoder
	decoders map[uint32]*opus.Decoder
	order    []uint32
}

// NewOpus builds the codec shim. On any initialization failure the shim
// stays usable but reports itself disabled, and callers fall back to
// raw PCM payloads.
func NewOpus(rate, channels, frameMS int) *Opus {
	o := &Opus{
		rate:            rate,
		channels:        channels,
		samplesPerFrame: rate * frameMS / 1000,
		decoders:        make(map[uint32]*opus.Decoder),
	}

	enc, err := opus.NewEncoder(rate, channels, opus.AppVoIP)
	if err != nil {
		o.err = err
		return o
	}
	// Quality tuning without raising the target bitrate further. FEC
	// and loss padding stay off to avoid artifacts on a clean link.
	if err := enc.SetBitrate(128000); err != nil {
		o.err = err
		return o
	}
	if err := enc.SetComplexity(10); err != nil {
		o.err = err
		return o
	}
	if err := enc.SetInBandFEC(false); err != nil {
		o.err = err
		return o
	}
	if err := enc.SetPacketLossPerc(0); err != nil {
		o.err = err
		return o
	}
	if err := enc.SetDTX(false); err != nil {
		o.err = err
		return o
	}
	o.enc = enc
	o.enabled = true
	return o
}

// Enabled reports whether Opus encode/decode is available.
func (o *Opus) Enabled() bool { return o.enabled }

// Err returns the initialization error when the shim is disabled.
func (o *Opus) Err() error { return o.err }

// SamplesPerFrame returns the mono sample count per encoded frame.
func (o *Opus) SamplesPerFrame() int { return o.samplesPerFrame }

// EncodeFloat32 encodes one frame of mono float32 PCM. Short input is
// zero-padded to a full frame; samples are clamped to [-1, 1].
func (o *Opus) EncodeFloat32(pcm []float32) ([]byte, error) {
	if !o.enabled {
		return nil, errors.New("opus codec disabled")
	}
	frame := make([]float32, o.samplesPerFrame)
	for i := 0; i < len(frame) && i < len(pcm); i++ {
		frame[i] = clamp1(pcm[i])
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	buf := make([]byte, 4000)
	n, err := o.enc.EncodeFloat32(frame, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeToFloat32 decodes one Opus frame from the given sender into
// mono float32 PCM.
func (o *Opus) DecodeToFloat32(data []byte, ssrc uint32) ([]float32, error) {
	if !o.enabled {
		return nil, errors.New("opus codec disabled")
	}

	o.mu.Lock()
	dec, err := o.decoderFor(ssrc)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pcm := make([]float32, o.samplesPerFrame)
	n, err := dec.DecodeFloat32(data, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n], nil
}

// DecoderCount returns the number of cached per-sender decoders.
func (o *Opus) DecoderCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.decoders)
}

func (o *Opus) decoderFor(ssrc uint32) (*opus.Decoder, error) {
	if dec, ok := o.decoders[ssrc]; ok {
		return dec, nil
	}
	dec, err := opus.NewDecoder(o.rate, o.channels)
	if err != nil {
		return nil, err
	}
	o.decoders[ssrc] = dec
	o.order = append(o.order, ssrc)
	for len(o.decoders) > maxDecoders && len(o.order) > 0 {
		oldest := o.order[0]
		o.order = o.order[1:]
		if oldest != ssrc {
			delete(o.decoders, oldest)
		}
	}
	return dec, nil
}
