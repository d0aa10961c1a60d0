package protocol

import (
	"encoding/binary"
	"fmt"
)

// ErrMalformedPacket is returned when a buffer is too short for the
// layout it claims to carry. Callers drop such packets silently.
var ErrMalformedPacket = fmt.Errorf("malformed packet")

// Header is the fixed 12-byte header present on every packet.
type Header struct {
	Version byte
	Type    byte   // MsgAudio, MsgCtrl, MsgAck
	Seq     uint16 // per-sender counter, wraps; diagnostics only
	TS48    uint32 // synthetic 48 kHz sample clock
	SSRC    uint32 // session identifier
}

// Parse decodes the common header from raw bytes.
func (h *Header) Parse(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedPacket, HeaderSize, len(data))
	}
	h.Version = data[OffsetVersion]
	h.Type = data[OffsetType]
	h.Seq = binary.BigEndian.Uint16(data[OffsetSeq : OffsetSeq+2])
	h.TS48 = binary.BigEndian.Uint32(data[OffsetTS48 : OffsetTS48+4])
	h.SSRC = binary.BigEndian.Uint32(data[OffsetSSRC : OffsetSSRC+4])
	return nil
}

// Encode renders the header to its wire form.
func (h *Header) Encode() []byte {
	data := make([]byte, HeaderSize)
	data[OffsetVersion] = h.Version
	data[OffsetType] = h.Type
	binary.BigEndian.PutUint16(data[OffsetSeq:OffsetSeq+2], h.Seq)
	binary.BigEndian.PutUint32(data[OffsetTS48:OffsetTS48+4], h.TS48)
	binary.BigEndian.PutUint32(data[OffsetSSRC:OffsetSSRC+4], h.SSRC)
	return data
}

// ParseHeader decodes the common header from raw bytes.
func ParseHeader(data []byte) (*Header, error) {
	h := &Header{}
	err := h.Parse(data)
	return h, err
}

// PackHeader builds a common header in one call.
func PackHeader(msgType byte, seq uint16, ts48, ssrc uint32) []byte {
	h := Header{Version: Version, Type: msgType, Seq: seq, TS48: ts48, SSRC: ssrc}
	return h.Encode()
}
