package testhelpers

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/protocol"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
)

// ReceivedAudio is one audio datagram captured by a mock station.
type ReceivedAudio struct {
	Header  *protocol.Header
	Flags   byte
	ChanIdx int
	Payload []byte
}

// RosterRow mirrors the presence reply row shape used by admin pollers.
type RosterRow struct {
	Nick      string   `json:"nick"`
	ClientID  string   `json:"client_id"`
	SSRC      uint32   `json:"ssrc"`
	ActiveNet string   `json:"active_net"`
	NetIDs    []string `json:"net_ids"`
}

// rosterReply is the decoded body of a presence poll reply.
type rosterReply struct {
	OK              bool        `json:"ok"`
	Rows            []RosterRow `json:"rows"`
	AutoMergeByFreq bool        `json:"auto_merge_by_freq"`
	ManualMerges    int         `json:"manual_merge_count"`
}

// MockStation simulates a radio client for testing. It speaks the raw
// wire protocol over a real UDP socket so relay tests exercise the
// server exactly as production clients would.
type MockStation struct {
	SSRC     uint32
	Nick     string
	ClientID string

	conn *net.UDPConn
	seq  *protocol.SeqGen

	mu      sync.RWMutex
	audio   []ReceivedAudio
	rosters []rosterReply
	closed  bool
	done    chan struct{}
}

// NewMockStation creates a new mock station
func NewMockStation(nick, clientID string) *MockStation {
	return &MockStation{
		SSRC:     uint32(rand.Int31n(0x7FFFFFF0)) + 1,
		Nick:     nick,
		ClientID: clientID,
		seq:      protocol.NewSeqGen(uint16(rand.Intn(1 << 16))),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and starts the receive pump.
func (m *MockStation) Connect(serverAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	m.conn = conn
	go m.readPump()
	return nil
}

func (m *MockStation) readPump() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-m.done:
			return
		default:
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := m.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		m.record(buf[:n])
	}
}

func (m *MockStation) record(data []byte) {
	hdr, err := protocol.ParseHeader(data)
	if err != nil {
		return
	}
	body := data[protocol.HeaderSize:]
	switch hdr.Type {
	case protocol.MsgAudio:
		frame, err := protocol.ParseAudio(body)
		if err != nil {
			return
		}
		payload := make([]byte, len(frame.Payload))
		copy(payload, frame.Payload)
		m.mu.Lock()
		m.audio = append(m.audio, ReceivedAudio{
			Header:  hdr,
			Flags:   frame.Flags,
			ChanIdx: frame.ChannelIndex(),
			Payload: payload,
		})
		m.mu.Unlock()
	case protocol.MsgCtrl:
		if len(body) == 0 || body[0] != protocol.CtrlPresence {
			return
		}
		frame, err := protocol.ParseCtrlReply(body)
		if err != nil {
			return
		}
		var reply rosterReply
		if json.Unmarshal(frame.Body, &reply) != nil {
			return
		}
		m.mu.Lock()
		m.rosters = append(m.rosters, reply)
		m.mu.Unlock()
	}
}

func (m *MockStation) sendCtrl(code byte, v interface{}) error {
	if m.conn == nil {
		return fmt.Errorf("station not connected")
	}
	var body []byte
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = b
	}
	_, err := m.conn.Write(protocol.PackCtrl(m.seq.Next(), protocol.NowTS48(), m.SSRC, code, body))
	return err
}

// Register sends the station's REGISTER control frame.
func (m *MockStation) Register(loopback bool) error {
	return m.sendCtrl(protocol.CtrlRegister, map[string]interface{}{
		"nick":      m.Nick,
		"client_id": m.ClientID,
		"ssrc":      m.SSRC,
		"loopback":  loopback,
	})
}

// SetChannels pushes the station's channel bank state.
func (m *MockStation) SetChannels(active int, freqs []float64, scanChannels []bool) error {
	return m.sendCtrl(protocol.CtrlChanUpdate, session.ChanUpdate{
		Active:       active,
		Freqs:        freqs,
		Scan:         true,
		ScanChannels: scanChannels,
	})
}

// Heartbeat sends an empty HEARTBEAT control frame.
func (m *MockStation) Heartbeat() error {
	return m.sendCtrl(protocol.CtrlHeartbeat, nil)
}

// SetPTT sends a PTT state change.
func (m *MockStation) SetPTT(on bool) error {
	return m.sendCtrl(protocol.CtrlPTT, map[string]bool{"ptt": on})
}

// MergeNets sends an admin network merge request.
func (m *MockStation) MergeNets(from, into string) error {
	return m.sendCtrl(protocol.CtrlAdminNetMerge, map[string]string{"from": from, "into": into})
}

// SetAutoMerge toggles server-side frequency auto-merge.
func (m *MockStation) SetAutoMerge(enabled bool) error {
	return m.sendCtrl(protocol.CtrlAdminAutoMerge, map[string]bool{"auto_merge": enabled})
}

// SendAudio transmits one audio frame with the PTT flag set.
func (m *MockStation) SendAudio(payload []byte, extraFlags byte) error {
	if m.conn == nil {
		return fmt.Errorf("station not connected")
	}
	flags := protocol.AudioFlagPTT | extraFlags
	_, err := m.conn.Write(protocol.PackAudio(m.seq.Next(), protocol.NowTS48(), m.SSRC, flags, payload))
	return err
}

// PollPresence sends an empty presence poll; the reply lands in Rosters.
func (m *MockStation) PollPresence() error {
	return m.sendCtrl(protocol.CtrlPresence, nil)
}

// AudioFrames returns a copy of all audio datagrams received so far.
func (m *MockStation) AudioFrames() []ReceivedAudio {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ReceivedAudio, len(m.audio))
	copy(out, m.audio)
	return out
}

// AudioCount returns the number of audio datagrams received so far.
func (m *MockStation) AudioCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audio)
}

// LastRoster returns the most recent presence reply, if any.
func (m *MockStation) LastRoster() (rows []RosterRow, autoMerge bool, manualMerges int, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.rosters) == 0 {
		return nil, false, 0, false
	}
	last := m.rosters[len(m.rosters)-1]
	return last.Rows, last.AutoMergeByFreq, last.ManualMerges, true
}

// Close shuts the station down.
func (m *MockStation) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
