package session

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// NumChannels is the fixed channel count per radio: A through D.
const NumChannels = 4

// ActiveTimeout is the liveness window: a session that has not sent any
// packet for longer than this is hidden from snapshots and routing. It
// is not deleted; any inbound packet re-activates it.
const ActiveTimeout = 15 * time.Second

var channelLabels = [NumChannels]string{"A", "B", "C", "D"}

// Session is the server-side state for one active SSRC.
// Fields are guarded by the owning Store's lock.
type Session struct {
	SSRC     uint32
	Addr     *net.UDPAddr
	ClientID string // stable identity across reconnects; empty if unknown
	Nick     string

	ActiveChannel int
	Freqs         [NumChannels]float64
	Scan          bool
	ScanChannels  [NumChannels]bool

	PTT      bool
	TXFreq   float64 // current transmit frequency in MHz; 0 when idle
	Loopback bool
	Position map[string]interface{}
	LastSeen time.Time

	// Random 3-letter prefixes assigned once at creation, one per
	// channel. Stable for the session's lifetime; the numeric part of
	// each network identity comes from the channel frequency.
	NetPrefixes [NumChannels]string
}

// newSession creates a session with fresh random network prefixes.
func newSession(addr *net.UDPAddr, ssrc uint32) *Session {
	s := &Session{
		SSRC:     ssrc,
		Addr:     addr,
		LastSeen: time.Now(),
	}
	for i := range s.NetPrefixes {
		s.NetPrefixes[i] = makePrefix()
	}
	return s
}

func makePrefix() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, 3)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// FreqSuffix converts a frequency in MHz to the 4-digit numeric part of
// a network identity: multiply by 10, truncate, clamp to [0, 9999],
// zero-pad to 4 digits.
func FreqSuffix(freq float64) string {
	n := int(freq * 10.0)
	if n < 0 {
		n = 0
	}
	if n > 9999 {
		n = 9999
	}
	return fmt.Sprintf("%04d", n)
}

// NetworkID returns the raw (pre-canonicalization) network identity for
// one of the session's channels.
func (s *Session) NetworkID(chanIdx int) string {
	if chanIdx < 0 || chanIdx >= NumChannels {
		return ""
	}
	return s.NetPrefixes[chanIdx] + FreqSuffix(s.Freqs[chanIdx])
}

// Networks returns the raw network identities for all channels plus the
// active channel's identity.
func (s *Session) Networks() (ids [NumChannels]string, active string) {
	for i := range ids {
		ids[i] = s.NetworkID(i)
	}
	idx := clampChannel(s.ActiveChannel)
	return ids, ids[idx]
}

// IsActive reports whether the session has been heard from within the
// liveness window.
func (s *Session) IsActive(now time.Time) bool {
	return now.Sub(s.LastSeen) <= ActiveTimeout
}

// Row is the JSON presence snapshot of one session, consumed by the
// admin dashboard and the presence poll reply.
type Row struct {
	ClientID      string                 `json:"client_id"`
	Nick          string                 `json:"nick"`
	Net           string                 `json:"net"` // human-readable summary of all channels
	NetIDs        []string               `json:"net_ids"`
	ActiveNet     string                 `json:"active_net"`
	SSRC          uint32                 `json:"ssrc"`
	Addr          string                 `json:"addr"`
	ActiveChannel int                    `json:"active_channel"`
	Freqs         []float64              `json:"freqs"`
	Scan          bool                   `json:"scan"`
	ScanChannels  []bool                 `json:"scan_channels"`
	TXFreq        float64                `json:"tx_freq"`
	PTT           bool                   `json:"ptt"`
	LastSeen      float64                `json:"last_seen"`
	Position      map[string]interface{} `json:"position,omitempty"`
}

// snapshot builds a Row from raw per-channel identities. The caller
// canonicalizes net ids first when presenting merged networks.
func (s *Session) snapshot(netIDs [NumChannels]string, activeNet string) Row {
	idx := clampChannel(s.ActiveChannel)
	addr := ""
	if s.Addr != nil {
		addr = s.Addr.String()
	}
	return Row{
		ClientID:      s.ClientID,
		Nick:          s.Nick,
		Net:           Summary(netIDs, idx),
		NetIDs:        netIDs[:],
		ActiveNet:     activeNet,
		SSRC:          s.SSRC,
		Addr:          addr,
		ActiveChannel: idx,
		Freqs:         append([]float64(nil), s.Freqs[:]...),
		Scan:          s.Scan,
		ScanChannels:  append([]bool(nil), s.ScanChannels[:]...),
		TXFreq:        s.TXFreq,
		PTT:           s.PTT,
		LastSeen:      float64(s.LastSeen.UnixNano()) / 1e9,
		Position:      s.Position,
	}
}

// Summary renders the per-channel network list as a single line, with
// the active channel starred: "A:*ABC1000  B:DEF1010  ...".
func Summary(netIDs [NumChannels]string, activeIdx int) string {
	parts := make([]string, 0, NumChannels)
	for i, label := range channelLabels {
		mark := ""
		if i == activeIdx {
			mark = "*"
		}
		parts = append(parts, fmt.Sprintf("%s:%s%s", label, mark, netIDs[i]))
	}
	return strings.Join(parts, "  ")
}

func clampChannel(idx int) int {
	if idx < 0 {
		return 0
	}
	if idx >= NumChannels {
		return NumChannels - 1
	}
	return idx
}
