package protocol

// Protocol version carried in the first header byte
const Version = 1

// Message types (byte 1 of the common header)
const (
	MsgAudio = 0
	MsgCtrl  = 1
	MsgAck   = 2
)

// Control codes (byte 0 of the control sub-header)
const (
	CtrlRegister        = 1
	CtrlHeartbeat       = 2
	CtrlPTT             = 3
	CtrlChanUpdate      = 4
	CtrlPosition        = 5
	CtrlPresence        = 6
	CtrlAdminNetMerge   = 7
	CtrlUpdateOffer     = 8
	CtrlUpdateResponse  = 9
	CtrlAdminAutoMerge  = 10
	CtrlAdminUnmergeAll = 11
)

// Audio flag bits (byte 0 of the audio sub-header)
const (
	AudioFlagPTT      = 0x01 // bit 0: PTT active on the sender
	AudioFlagPCM      = 0x02 // bit 1: payload is raw PCM, not Opus
	AudioFlagPCMInt16 = 0x04 // bit 2: PCM payload is int16 (else float32)

	// Bits 4-5 on server->client packets carry the receiver's matched
	// channel index (0-3). The low nibble is forwarded unchanged.
	AudioFlagChanShift = 4
	AudioFlagChanMask  = 0x30
)

// Packet size constants (in bytes)
const (
	HeaderSize      = 12 // version + type + seq + ts48 + ssrc
	AudioHeaderSize = 3  // flags + payload length
	CtrlHeaderSize  = 3  // code + body length
	CtrlReplySize   = 4  // code + reserved + body length (presence reply)
	MaxDatagramSize = 65535
)

// Common header field offsets
const (
	OffsetVersion = 0 // 1 byte
	OffsetType    = 1 // 1 byte
	OffsetSeq     = 2 // 2 bytes, big-endian, wraps
	OffsetTS48    = 4 // 4 bytes, 48 kHz sample clock
	OffsetSSRC    = 8 // 4 bytes, session identifier
)

// SamplesPerSecond is the rate of the synthetic timestamp clock and of
// every PCM frame on the wire.
const SamplesPerSecond = 48000

// FrameSamples is the fixed audio frame length: 10 ms at 48 kHz.
const FrameSamples = 480
