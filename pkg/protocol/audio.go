package protocol

import (
	"encoding/binary"
	"fmt"
)

// AudioFrame is the audio sub-header plus payload that follows the
// common header on MsgAudio packets.
type AudioFrame struct {
	Flags   byte
	Payload []byte
}

// Parse decodes an audio body ([flags:1][len:2][payload]).
func (a *AudioFrame) Parse(body []byte) error {
	if len(body) < AudioHeaderSize {
		return fmt.Errorf("%w: audio body needs %d bytes, got %d", ErrMalformedPacket, AudioHeaderSize, len(body))
	}
	a.Flags = body[0]
	length := int(binary.BigEndian.Uint16(body[1:3]))
	if length == 0 || len(body) < AudioHeaderSize+length {
		return fmt.Errorf("%w: audio payload declares %d bytes, %d available", ErrMalformedPacket, length, len(body)-AudioHeaderSize)
	}
	a.Payload = body[AudioHeaderSize : AudioHeaderSize+length]
	return nil
}

// Encode renders the audio sub-header plus payload.
func (a *AudioFrame) Encode() []byte {
	body := make([]byte, AudioHeaderSize+len(a.Payload))
	body[0] = a.Flags
	binary.BigEndian.PutUint16(body[1:3], uint16(len(a.Payload)))
	copy(body[AudioHeaderSize:], a.Payload)
	return body
}

// PTT reports whether the sender had PTT engaged.
func (a *AudioFrame) PTT() bool { return a.Flags&AudioFlagPTT != 0 }

// IsPCM reports whether the payload is raw PCM rather than Opus.
func (a *AudioFrame) IsPCM() bool { return a.Flags&AudioFlagPCM != 0 }

// PCMInt16 reports whether a raw PCM payload is int16 samples.
func (a *AudioFrame) PCMInt16() bool { return a.Flags&AudioFlagPCMInt16 != 0 }

// ChannelIndex extracts the receiver channel index the server stamped
// into bits 4-5 when relaying.
func (a *AudioFrame) ChannelIndex() int {
	return int(a.Flags&AudioFlagChanMask) >> AudioFlagChanShift
}

// WithChannelIndex returns the flags byte with the receiver channel
// index stamped into bits 4-5 and the low nibble preserved.
func WithChannelIndex(flags byte, chanIdx int) byte {
	return (flags & 0x0F) | byte(chanIdx&0x03)<<AudioFlagChanShift
}

// ParseAudio decodes an audio body.
func ParseAudio(body []byte) (*AudioFrame, error) {
	a := &AudioFrame{}
	err := a.Parse(body)
	return a, err
}

// PackAudio builds a complete audio packet: header + sub-header + payload.
func PackAudio(seq uint16, ts48, ssrc uint32, flags byte, payload []byte) []byte {
	frame := AudioFrame{Flags: flags, Payload: payload}
	return append(PackHeader(MsgAudio, seq, ts48, ssrc), frame.Encode()...)
}
