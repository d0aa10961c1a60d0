package network

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/codec"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/config"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/protocol"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/update"
)

// RosterReply is the decoded body of a presence poll answer.
type RosterReply struct {
	OK              bool          `json:"ok"`
	Rows            []session.Row `json:"rows"`
	AutoMergeByFreq bool          `json:"auto_merge_by_freq"`
	ManualMerges    int           `json:"manual_merge_count"`
}

// probeTimeout bounds the reachability check that gates every connect
// attempt.
const probeTimeout = 2 * time.Second

// Client is a headless voice client: it registers with the relay, keeps
// the session alive with heartbeats and presence updates, sends
// PTT-gated audio, and delivers received audio and control frames
// through callbacks. Transmission is Opus-only; raw PCM payloads are
// still accepted on receive.
type Client struct {
	config  config.ClientConfig
	log     *logger.Logger
	conn    *net.UDPConn
	ssrc    uint32
	seq     *protocol.SeqGen
	enc     *codec.Opus
	started chan struct{}

	mu          sync.Mutex
	ptt         bool
	loopback    bool
	codecWarned bool

	// Callbacks fire on the receive goroutine; keep them fast.
	OnAudio       func(pcm []float32, rate int, ssrc uint32, chanIdx int)
	OnUpdateOffer func(offer update.Offer)
	OnRoster      func(reply RosterReply)
}

// NewClient creates a client with a fresh random SSRC.
func NewClient(cfg config.ClientConfig, log *logger.Logger) *Client {
	ssrc := uint32(time.Now().Unix()) ^ uint32(rand.Int31n(0x7FFFFFFF)+1)
	if ssrc == 0 {
		ssrc = 1
	}
	return &Client{
		config:   cfg,
		log:      log.WithComponent("network.client"),
		ssrc:     ssrc,
		seq:      protocol.NewSeqGen(uint16(rand.Intn(0x10000))),
		enc:      codec.NewOpus(codec.DefaultRate, 1, codec.DefaultFrameMS),
		started:  make(chan struct{}),
		loopback: cfg.Loopback,
	}
}

// SSRC returns the client's session identifier.
func (c *Client) SSRC() uint32 { return c.ssrc }

// OpusEnabled reports whether the Opus codec is usable; when false the
// client cannot transmit audio.
func (c *Client) OpusEnabled() bool { return c.enc.Enabled() }

// Start probes the relay for reachability, then connects the UDP
// socket, registers, and runs the receive and heartbeat loops until the
// context is canceled. A dead server fails the connect attempt
// immediately rather than leaving a silently broken session.
func (c *Client) Start(ctx context.Context) error {
	if ok, err := Probe(c.config.ServerHost, c.config.ServerPort, probeTimeout); err != nil {
		return fmt.Errorf("server %s:%d unreachable: %w", c.config.ServerHost, c.config.ServerPort, err)
	} else if !ok {
		return fmt.Errorf("server %s:%d unreachable", c.config.ServerHost, c.config.ServerPort)
	}

	serverAddr := &net.UDPAddr{
		IP:   net.ParseIP(c.config.ServerHost),
		Port: c.config.ServerPort,
	}
	if serverAddr.IP == nil {
		ips, err := net.LookupIP(c.config.ServerHost)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("cannot resolve server host %q: %w", c.config.ServerHost, err)
		}
		serverAddr.IP = ips[0]
	}

	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}
	c.conn = conn
	select {
	case <-c.started:
	default:
		close(c.started)
	}
	defer func() {
		_ = c.conn.Close()
	}()

	c.log.Info("Client started",
		logger.String("server", serverAddr.String()),
		logger.Uint32("ssrc", c.ssrc),
		logger.Bool("opus", c.enc.Enabled()))

	if err := c.sendRegister(); err != nil {
		c.log.Warn("Register failed", logger.Error(err))
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- c.receiveLoop(ctx)
	}()
	go func() {
		errChan <- c.heartbeatLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// WaitStarted blocks until the socket is connected or the context is
// canceled.
func (c *Client) WaitStarted(ctx context.Context) error {
	select {
	case <-c.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendCtrl(code byte, body []byte) error {
	pkt := protocol.PackCtrl(c.seq.Next(), protocol.NowTS48(), c.ssrc, code, body)
	_, err := c.conn.Write(pkt)
	return err
}

func (c *Client) sendRegister() error {
	c.mu.Lock()
	loopback := c.loopback
	c.mu.Unlock()
	body, err := json.Marshal(map[string]interface{}{
		"nick":      c.config.Nick,
		"client_id": c.config.ClientID,
		"ssrc":      c.ssrc,
		"loopback":  loopback,
	})
	if err != nil {
		return err
	}
	return c.sendCtrl(protocol.CtrlRegister, body)
}

// SendPresence pushes the client's metadata so roster consumers see
// the current nick and loopback state without a re-register.
func (c *Client) SendPresence() error {
	c.mu.Lock()
	loopback := c.loopback
	c.mu.Unlock()
	body, err := json.Marshal(map[string]interface{}{
		"nick":      c.config.Nick,
		"client_id": c.config.ClientID,
		"loopback":  loopback,
	})
	if err != nil {
		return err
	}
	return c.sendCtrl(protocol.CtrlPresence, body)
}

// SetPTT records the local PTT state and notifies the relay.
func (c *Client) SetPTT(on bool) error {
	c.mu.Lock()
	c.ptt = on
	c.mu.Unlock()
	body, _ := json.Marshal(map[string]bool{"ptt": on})
	return c.sendCtrl(protocol.CtrlPTT, body)
}

// SetLoopback asks the relay to route our own transmissions back to
// us. The change is pushed via a presence update.
func (c *Client) SetLoopback(enabled bool) error {
	c.mu.Lock()
	changed := c.loopback != enabled
	c.loopback = enabled
	c.mu.Unlock()
	if !changed {
		return nil
	}
	return c.SendPresence()
}

// UpdateChannels pushes full channel state: active index, per-channel
// frequencies, and scan flags. The state is normalized to exactly
// NumChannels entries before it goes on the wire.
func (c *Client) UpdateChannels(upd session.ChanUpdate) error {
	freqs := make([]float64, session.NumChannels)
	copy(freqs, upd.Freqs)
	upd.Freqs = freqs
	scan := make([]bool, session.NumChannels)
	copy(scan, upd.ScanChannels)
	upd.ScanChannels = scan
	if upd.Active < 0 || upd.Active >= session.NumChannels {
		upd.Active = 0
	}
	body, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	return c.sendCtrl(protocol.CtrlChanUpdate, body)
}

// SendPosition reports a 3D world position for range handling.
func (c *Client) SendPosition(x, y, z float64) error {
	body, _ := json.Marshal(map[string]float64{"x": x, "y": y, "z": z})
	return c.sendCtrl(protocol.CtrlPosition, body)
}

// SendUpdateResponse answers an update offer. Declining tells the
// relay to drop this session.
func (c *Client) SendUpdateResponse(accept bool, reason string) error {
	body, _ := json.Marshal(map[string]interface{}{"accept": accept, "reason": reason})
	return c.sendCtrl(protocol.CtrlUpdateResponse, body)
}

// SendAudio encodes and transmits one frame of mono float32 PCM. The
// frame is dropped silently when PTT is off. Transmission is Opus-only:
// when the codec is unavailable or the encode fails, the frame is
// dropped rather than sent in a format receivers may not expect.
func (c *Client) SendAudio(pcm []float32) error {
	c.mu.Lock()
	ptt := c.ptt
	c.mu.Unlock()
	if !ptt {
		return nil
	}

	if !c.enc.Enabled() {
		c.mu.Lock()
		warned := c.codecWarned
		c.codecWarned = true
		c.mu.Unlock()
		if !warned {
			c.log.Warn("Audio transmit disabled: codec unavailable", logger.Error(c.enc.Err()))
		}
		return nil
	}

	payload, err := c.enc.EncodeFloat32(pcm)
	if err != nil {
		c.log.Debug("Opus encode failed, frame dropped", logger.Error(err))
		return nil
	}

	pkt := protocol.PackAudio(c.seq.Next(), protocol.NowTS48(), c.ssrc, protocol.AudioFlagPTT, payload)
	_, err = c.conn.Write(pkt)
	return err
}

// heartbeatLoop sends a heartbeat every HeartbeatInterval and a
// presence update every PresenceInterval.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	hbInterval := time.Duration(c.config.HeartbeatInterval) * time.Second
	if hbInterval <= 0 {
		hbInterval = time.Second
	}
	presInterval := time.Duration(c.config.PresenceInterval) * time.Second
	if presInterval <= 0 {
		presInterval = 5 * time.Second
	}

	ticker := time.NewTicker(hbInterval)
	defer ticker.Stop()
	lastPresence := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.sendCtrl(protocol.CtrlHeartbeat, nil); err != nil {
				c.log.Debug("Heartbeat failed", logger.Error(err))
			}
			if time.Since(lastPresence) >= presInterval {
				lastPresence = time.Now()
				if err := c.SendPresence(); err != nil {
					c.log.Debug("Presence failed", logger.Error(err))
				}
			}
		}
	}
}

// receiveLoop reads packets and dispatches them to callbacks.
func (c *Client) receiveLoop(ctx context.Context) error {
	buffer := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			continue
		}
		n, err := c.conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.log.Debug("Read failed", logger.Error(err))
			continue
		}

		hdr, err := protocol.ParseHeader(buffer[:n])
		if err != nil {
			continue
		}
		if hdr.Version != protocol.Version {
			continue
		}
		body := buffer[protocol.HeaderSize:n]

		switch hdr.Type {
		case protocol.MsgAudio:
			c.handleAudio(hdr, body)
		case protocol.MsgCtrl:
			c.handleCtrl(hdr, body)
		}
	}
}

// handleAudio decodes one relayed frame and hands the PCM to OnAudio
// along with the receiver channel index the relay stamped in.
func (c *Client) handleAudio(hdr *protocol.Header, body []byte) {
	frame, err := protocol.ParseAudio(body)
	if err != nil {
		return
	}

	c.mu.Lock()
	loopback := c.loopback
	c.mu.Unlock()
	if hdr.SSRC == c.ssrc && !loopback {
		return
	}

	var pcm []float32
	if frame.IsPCM() {
		pcm, err = codec.DecodePCM(frame.Payload, 1)
		if err != nil {
			c.log.Debug("PCM decode failed", logger.Error(err))
			return
		}
	} else {
		if !c.enc.Enabled() {
			c.log.Debug("Dropped Opus frame: codec unavailable",
				logger.Uint32("ssrc", hdr.SSRC))
			return
		}
		pcm, err = c.enc.DecodeToFloat32(frame.Payload, hdr.SSRC)
		if err != nil {
			c.log.Debug("Opus decode failed", logger.Error(err))
			return
		}
	}

	if c.OnAudio != nil {
		c.OnAudio(pcm, codec.DefaultRate, hdr.SSRC, frame.ChannelIndex())
	}
}

// handleCtrl dispatches server-originated control frames. Presence
// replies use the extended sub-header; everything else uses the
// compact one.
func (c *Client) handleCtrl(hdr *protocol.Header, body []byte) {
	if len(body) > 0 && body[0] == protocol.CtrlPresence {
		if reply, err := protocol.ParseCtrlReply(body); err == nil && len(reply.Body) > 0 {
			var roster RosterReply
			if err := json.Unmarshal(reply.Body, &roster); err == nil && c.OnRoster != nil {
				c.OnRoster(roster)
			}
			return
		}
	}

	frame, err := protocol.ParseCtrl(body)
	if err != nil {
		return
	}

	switch frame.Code {
	case protocol.CtrlUpdateOffer:
		var offer update.Offer
		if err := json.Unmarshal(frame.Body, &offer); err != nil {
			return
		}
		c.log.Info("Update offered",
			logger.String("name", offer.Name),
			logger.Int64("size", offer.Size))
		if c.OnUpdateOffer != nil {
			c.OnUpdateOffer(offer)
		}
	default:
		c.log.Debug("Ignoring control frame",
			logger.String("code", protocol.CodeName(frame.Code)))
	}
}

// Probe sends an empty presence poll and waits for the roster reply to
// confirm a relay is reachable at the address.
func Probe(host string, port int, timeout time.Duration) (bool, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	if addr.IP == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return false, fmt.Errorf("cannot resolve host %q: %w", host, err)
		}
		addr.IP = ips[0]
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = conn.Close()
	}()

	pkt := protocol.PackCtrl(0, protocol.NowTS48(), 0, protocol.CtrlPresence, nil)
	if _, err := conn.Write(pkt); err != nil {
		return false, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	buffer := make([]byte, 65536)
	n, err := conn.Read(buffer)
	if err != nil {
		return false, fmt.Errorf("no response from server: %w", err)
	}

	hdr, err := protocol.ParseHeader(buffer[:n])
	if err != nil {
		return false, fmt.Errorf("short response from server: %w", err)
	}
	if hdr.Type != protocol.MsgCtrl {
		return false, fmt.Errorf("unexpected message type %d", hdr.Type)
	}
	if n <= protocol.HeaderSize || buffer[protocol.HeaderSize] != protocol.CtrlPresence {
		return false, fmt.Errorf("unexpected control code in response")
	}
	return true, nil
}
