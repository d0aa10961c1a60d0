package protocol

import (
	"encoding/binary"
	"fmt"
)

// CtrlFrame is the control sub-header plus body that follows the common
// header on MsgCtrl packets. The body is UTF-8 JSON for most codes;
// CtrlPosition may carry a fixed-binary 3-float body instead.
type CtrlFrame struct {
	Code byte
	Body []byte
}

// Parse decodes a client-format control body ([code:1][len:2][body]).
// A body shorter than its declared length is treated as empty rather
// than rejected, matching the tolerant server dispatch.
func (c *CtrlFrame) Parse(body []byte) error {
	if len(body) < CtrlHeaderSize {
		return fmt.Errorf("%w: ctrl body needs %d bytes, got %d", ErrMalformedPacket, CtrlHeaderSize, len(body))
	}
	c.Code = body[0]
	length := int(binary.BigEndian.Uint16(body[1:3]))
	if length > 0 && len(body) >= CtrlHeaderSize+length {
		c.Body = body[CtrlHeaderSize : CtrlHeaderSize+length]
	} else {
		c.Body = nil
	}
	return nil
}

// Encode renders the compact client-format control sub-header plus body.
func (c *CtrlFrame) Encode() []byte {
	body := make([]byte, CtrlHeaderSize+len(c.Body))
	body[0] = c.Code
	binary.BigEndian.PutUint16(body[1:3], uint16(len(c.Body)))
	copy(body[CtrlHeaderSize:], c.Body)
	return body
}

// EncodeReply renders the extended server-reply sub-header
// ([code:1][reserved:1][len:2][body]) used for presence poll answers.
func (c *CtrlFrame) EncodeReply() []byte {
	body := make([]byte, CtrlReplySize+len(c.Body))
	body[0] = c.Code
	binary.BigEndian.PutUint16(body[2:4], uint16(len(c.Body)))
	copy(body[CtrlReplySize:], c.Body)
	return body
}

// ParseCtrl decodes a client-format control body.
func ParseCtrl(body []byte) (*CtrlFrame, error) {
	c := &CtrlFrame{}
	err := c.Parse(body)
	return c, err
}

// ParseCtrlReply decodes the extended server-reply control body.
func ParseCtrlReply(body []byte) (*CtrlFrame, error) {
	if len(body) < CtrlReplySize {
		return nil, fmt.Errorf("%w: ctrl reply needs %d bytes, got %d", ErrMalformedPacket, CtrlReplySize, len(body))
	}
	c := &CtrlFrame{Code: body[0]}
	length := int(binary.BigEndian.Uint16(body[2:4]))
	if length > 0 && len(body) >= CtrlReplySize+length {
		c.Body = body[CtrlReplySize : CtrlReplySize+length]
	}
	return c, nil
}

// PackCtrl builds a complete control packet: header + sub-header + body.
func PackCtrl(seq uint16, ts48, ssrc uint32, code byte, body []byte) []byte {
	frame := CtrlFrame{Code: code, Body: body}
	return append(PackHeader(MsgCtrl, seq, ts48, ssrc), frame.Encode()...)
}

// CodeName returns a human-readable name for a control code, for logs.
func CodeName(code byte) string {
	switch code {
	case CtrlRegister:
		return "REGISTER"
	case CtrlHeartbeat:
		return "HEARTBEAT"
	case CtrlPTT:
		return "PTT"
	case CtrlChanUpdate:
		return "CHAN_UPD"
	case CtrlPosition:
		return "POSITION"
	case CtrlPresence:
		return "PRESENCE"
	case CtrlAdminNetMerge:
		return "ADMIN_NET_MERGE"
	case CtrlUpdateOffer:
		return "UPDATE_OFFER"
	case CtrlUpdateResponse:
		return "UPDATE_RESPONSE"
	case CtrlAdminAutoMerge:
		return "ADMIN_NET_AUTOMERGE"
	case CtrlAdminUnmergeAll:
		return "ADMIN_NET_UNMERGE_ALL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", code)
	}
}
