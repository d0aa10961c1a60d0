package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/config"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/metrics"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/protocol"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/routing"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/storage"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/update"
)

// Server is the UDP voice relay. A single receive loop parses each
// datagram, updates session state, and fans audio frames out to every
// matching recipient with a fresh sequence number and timestamp. The
// sender's SSRC is preserved on relayed packets so receivers can keep
// per-talker jitter and decoder state.
type Server struct {
	config  config.ServerConfig
	log     *logger.Logger
	conn    *net.UDPConn
	store   *session.Store
	engine  *routing.Engine
	seq     *protocol.SeqGen
	started chan struct{}

	// Optional collaborators; each is nil-safe.
	collector *metrics.Collector
	tracker   *storage.TransmissionTracker
	updates   *update.Manager

	// offered maps SSRC to the version tag of the update last offered
	// to it, so re-registrations do not spam duplicate offers. A new
	// upload changes the tag and re-arms every entry.
	offeredMu sync.Mutex
	offered   map[uint32]string

	seenAudioMu sync.Mutex
	seenAudio   map[uint32]bool

	lastSummary time.Time
	lastCleanup time.Time

	// trackerStaleAfter is how long a keyed sender may stay silent
	// before its transmission is force-closed. Defaults to the session
	// liveness window.
	trackerStaleAfter time.Duration
}

// trackerCleanupInterval is how often the relay sweeps for senders that
// went quiet mid-PTT, so their transmission rows still get persisted.
const trackerCleanupInterval = 5 * time.Second

// NewServer creates a relay server around a session store and routing
// engine.
func NewServer(cfg config.ServerConfig, store *session.Store, engine *routing.Engine, log *logger.Logger) *Server {
	return &Server{
		config:    cfg,
		log:       log.WithComponent("network.server"),
		store:     store,
		engine:    engine,
		seq:       protocol.NewSeqGen(0),
		started:   make(chan struct{}),
		offered:   make(map[uint32]string),
		seenAudio: make(map[uint32]bool),

		trackerStaleAfter: session.ActiveTimeout,
	}
}

// WithCollector injects a metrics collector.
func (s *Server) WithCollector(c *metrics.Collector) *Server {
	s.collector = c
	return s
}

// WithTracker injects a transmission tracker that persists completed
// transmissions.
func (s *Server) WithTracker(t *storage.TransmissionTracker) *Server {
	s.tracker = t
	return s
}

// WithUpdateManager injects the update host so registrations trigger
// update offers.
func (s *Server) WithUpdateManager(m *update.Manager) *Server {
	s.updates = m
	if m != nil {
		m.SetOnNewUpdate(func(offer update.Offer) {
			s.BroadcastUpdateOffer(offer)
		})
	}
	return s
}

// Start binds the UDP socket and runs the receive loop until the
// context is canceled.
func (s *Server) Start(ctx context.Context) error {
	host := s.config.Host
	if host == "" {
		host = "0.0.0.0"
	}
	localAddr := &net.UDPAddr{
		IP:   net.ParseIP(host),
		Port: s.config.Port,
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn
	select {
	case <-s.started: // already closed
	default:
		close(s.started)
	}
	defer func() {
		_ = s.conn.Close()
	}()

	s.log.Info("Relay started",
		logger.String("addr", conn.LocalAddr().String()))

	s.lastSummary = time.Now()
	return s.receiveLoop(ctx)
}

// WaitStarted blocks until the UDP listener is bound or the context is
// canceled.
func (s *Server) WaitStarted(ctx context.Context) error {
	select {
	case <-s.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the local UDP address the relay is bound to. Call after
// WaitStarted.
func (s *Server) Addr() (*net.UDPAddr, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("server not started")
	}
	udpAddr, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("not a UDP address")
	}
	return udpAddr, nil
}

// receiveLoop reads and dispatches datagrams. Packets are handled
// inline on this goroutine so relay ordering matches arrival order.
func (s *Server) receiveLoop(ctx context.Context) error {
	buffer := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			s.log.Warn("Failed to set read deadline", logger.Error(err))
			continue
		}
		n, addr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.maybeLogSummary()
				s.maybeCleanupTransmissions()
				continue
			}
			s.log.Error("Failed to read from UDP", logger.Error(err))
			continue
		}

		s.handlePacket(buffer[:n], addr)
		s.maybeLogSummary()
		s.maybeCleanupTransmissions()
	}
}

// handlePacket dispatches one datagram by message type. Unknown types
// and short packets are dropped without a reply.
func (s *Server) handlePacket(data []byte, addr *net.UDPAddr) {
	hdr, err := protocol.ParseHeader(data)
	if err != nil {
		if s.collector != nil {
			s.collector.FrameDropped("short_header")
		}
		return
	}
	body := data[protocol.HeaderSize:]

	switch hdr.Type {
	case protocol.MsgAudio:
		s.handleAudio(hdr.SSRC, body)
	case protocol.MsgCtrl:
		s.handleCtrl(addr, hdr.SSRC, body)
	default:
		s.log.Debug("Unknown message type",
			logger.Int("type", int(hdr.Type)),
			logger.String("addr", addr.String()))
		if s.collector != nil {
			s.collector.FrameDropped("unknown_type")
		}
	}
}

// handleAudio relays one audio frame to every matching recipient. The
// relayed packet keeps the sender's SSRC and payload but carries a
// fresh sequence number, a fresh timestamp, and the receiver's matched
// channel index in the upper flag bits.
func (s *Server) handleAudio(ssrc uint32, body []byte) {
	frame, err := protocol.ParseAudio(body)
	if err != nil {
		if s.collector != nil {
			s.collector.FrameDropped("malformed_audio")
		}
		return
	}

	s.noteFirstAudio(ssrc, len(frame.Payload))
	s.store.NoteAudio(ssrc, len(frame.Payload))
	if s.collector != nil {
		s.collector.AudioReceived(len(frame.Payload))
	}

	recipients, activeNet, chanIdx, chanNet := s.engine.RecipientsFor(ssrc)

	netLabel := chanNet
	if netLabel == "" {
		netLabel = activeNet
	}
	if netLabel == "" {
		netLabel = "NONE"
	}
	s.log.Debug("Audio frame",
		logger.Uint32("ssrc", ssrc),
		logger.Int("chan", chanIdx),
		logger.String("net", netLabel),
		logger.Int("recipients", len(recipients)))

	s.logTransmission(ssrc, chanIdx, chanNet, frame.PTT())

	if len(recipients) == 0 {
		if s.collector != nil {
			s.collector.FrameDropped("no_recipients")
		}
		return
	}

	seq := s.seq.Next()
	ts48 := protocol.NowTS48()
	for _, r := range recipients {
		flagsOut := protocol.WithChannelIndex(frame.Flags, r.ChanIdx)
		pkt := protocol.PackAudio(seq, ts48, ssrc, flagsOut, frame.Payload)
		if _, err := s.conn.WriteToUDP(pkt, r.Session.Addr); err != nil {
			s.log.Debug("Failed to relay audio",
				logger.Uint32("to", r.Session.SSRC),
				logger.Error(err))
			continue
		}
	}
	if s.collector != nil {
		s.collector.AudioRelayed(len(recipients), len(frame.Payload))
	}
}

// logTransmission feeds the transmission tracker, which opens a record
// on the first keyed frame and persists it on unkey.
func (s *Server) logTransmission(ssrc uint32, chanIdx int, chanNet string, ptt bool) {
	if s.tracker == nil {
		return
	}
	sess := s.store.Get(ssrc)
	if sess == nil {
		return
	}
	freq := 0.0
	if chanIdx >= 0 && chanIdx < session.NumChannels {
		freq = sess.Freqs[chanIdx]
	}
	s.tracker.LogFrame(ssrc, sess.ClientID, sess.Nick, chanNet, chanIdx, freq, ptt)
}

func (s *Server) noteFirstAudio(ssrc uint32, nbytes int) {
	s.seenAudioMu.Lock()
	seen := s.seenAudio[ssrc]
	s.seenAudio[ssrc] = true
	s.seenAudioMu.Unlock()
	if !seen {
		s.log.Info("First audio frame",
			logger.Uint32("ssrc", ssrc),
			logger.Int("bytes", nbytes))
	}
}

// registerBody is the JSON body of REGISTER and PRESENCE frames.
type registerBody struct {
	Nick     string `json:"nick"`
	ClientID string `json:"client_id"`
	Loopback *bool  `json:"loopback"`
}

func (b registerBody) meta() session.Meta {
	return session.Meta{ClientID: b.ClientID, Nick: b.Nick, Loopback: b.Loopback}
}

// handleCtrl dispatches one control frame. Every control packet counts
// as liveness for its sender, so the session is upserted before the
// per-code handling.
func (s *Server) handleCtrl(addr *net.UDPAddr, ssrc uint32, body []byte) {
	frame, err := protocol.ParseCtrl(body)
	if err != nil {
		if s.collector != nil {
			s.collector.FrameDropped("malformed_ctrl")
		}
		return
	}

	s.log.Debug("Control frame",
		logger.String("code", protocol.CodeName(frame.Code)),
		logger.Uint32("ssrc", ssrc),
		logger.String("addr", addr.String()),
		logger.Int("len", len(frame.Body)))
	if s.collector != nil {
		s.collector.ControlReceived(protocol.CodeName(frame.Code))
	}

	s.store.Upsert(addr, ssrc, session.Meta{})
	if s.collector != nil {
		s.collector.SetSessions(s.store.Count())
	}

	switch frame.Code {
	case protocol.CtrlRegister:
		var info registerBody
		if err := json.Unmarshal(frame.Body, &info); err == nil {
			s.store.Upsert(addr, ssrc, info.meta())
			s.log.Info("Client registered",
				logger.Uint32("ssrc", ssrc),
				logger.String("nick", info.Nick),
				logger.String("client_id", info.ClientID),
				logger.String("addr", addr.String()))
		}
		s.offerUpdateIfAny(addr, ssrc, nil, false)

	case protocol.CtrlHeartbeat:
		s.store.NoteHeartbeat(ssrc)

	case protocol.CtrlPTT:
		var info struct {
			PTT bool `json:"ptt"`
		}
		_ = json.Unmarshal(frame.Body, &info)
		s.store.NotePTT(ssrc, info.PTT)
		if !info.PTT {
			if s.tracker != nil {
				s.tracker.Unkey(ssrc)
			}
			if s.collector != nil {
				s.collector.TransmissionEnded()
			}
		}

	case protocol.CtrlChanUpdate:
		var upd session.ChanUpdate
		if err := json.Unmarshal(frame.Body, &upd); err == nil {
			s.store.NoteChanUpdate(ssrc, upd)
		}

	case protocol.CtrlPosition:
		var pos map[string]interface{}
		if err := json.Unmarshal(frame.Body, &pos); err == nil && pos != nil {
			s.store.NotePosition(ssrc, pos)
		}

	case protocol.CtrlPresence:
		s.handlePresence(addr, ssrc, frame.Body)

	case protocol.CtrlAdminNetMerge:
		var req struct {
			From string `json:"from"`
			Into string `json:"into"`
		}
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			return
		}
		if req.From == "" || req.Into == "" {
			return
		}
		s.engine.MergeNet(req.From, req.Into)
		s.log.Info("Networks merged",
			logger.String("from", req.From),
			logger.String("into", req.Into),
			logger.String("canon", s.engine.CanonicalNet(req.From)))

	case protocol.CtrlAdminAutoMerge:
		var req struct {
			AutoMerge bool `json:"auto_merge"`
		}
		_ = json.Unmarshal(frame.Body, &req)
		s.engine.SetAutoMerge(req.AutoMerge)
		s.log.Info("Auto-merge by frequency toggled",
			logger.Bool("enabled", req.AutoMerge))

	case protocol.CtrlAdminUnmergeAll:
		s.engine.ResetAliases()
		s.log.Info("Cleared all manual network aliases")

	case protocol.CtrlUpdateResponse:
		var resp struct {
			Accept bool   `json:"accept"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(frame.Body, &resp)
		if resp.Accept {
			s.log.Info("Update accepted",
				logger.Uint32("ssrc", ssrc),
				logger.String("reason", resp.Reason))
		} else {
			s.log.Info("Update declined, dropping session",
				logger.Uint32("ssrc", ssrc),
				logger.String("reason", resp.Reason))
			s.store.Drop(ssrc)
			if s.collector != nil {
				s.collector.SetSessions(s.store.Count())
			}
		}

	default:
		s.log.Debug("Unknown control code",
			logger.Int("code", int(frame.Code)))
	}
}

// presenceReply is the roster payload returned to presence polls.
type presenceReply struct {
	OK              bool          `json:"ok"`
	Rows            []session.Row `json:"rows"`
	AutoMergeByFreq bool          `json:"auto_merge_by_freq"`
	ManualMerges    int           `json:"manual_merge_count"`
}

// handlePresence serves two callers: regular clients refreshing their
// metadata (JSON body) and the admin poller (empty body, ssrc 0). Both
// get the current roster back in the extended reply format.
func (s *Server) handlePresence(addr *net.UDPAddr, ssrc uint32, body []byte) {
	if len(body) > 0 {
		var info registerBody
		if err := json.Unmarshal(body, &info); err == nil {
			s.store.NotePresence(ssrc, info.meta())
		}
	}

	reply := presenceReply{
		OK:              true,
		Rows:            s.engine.PresenceSnapshot(),
		AutoMergeByFreq: s.engine.AutoMerge(),
		ManualMerges:    s.engine.AliasCount(),
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		payload = []byte(`{"ok":false,"rows":[]}`)
	}

	// Reply header carries seq 0 and ssrc 0: this is server-originated
	// state, not part of any client's packet stream.
	frame := protocol.CtrlFrame{Code: protocol.CtrlPresence, Body: payload}
	pkt := append(protocol.PackHeader(protocol.MsgCtrl, 0, protocol.NowTS48(), 0), frame.EncodeReply()...)
	if _, err := s.conn.WriteToUDP(pkt, addr); err != nil {
		s.log.Debug("Failed to send presence reply", logger.Error(err))
	}
}

// offerUpdateIfAny sends the current update offer to one client unless
// that exact version was already offered to it. force bypasses the
// dedup, used when a new payload is uploaded.
func (s *Server) offerUpdateIfAny(addr *net.UDPAddr, ssrc uint32, override *update.Offer, force bool) {
	if s.updates == nil {
		return
	}

	var offer update.Offer
	if override != nil {
		offer = *override
	} else {
		var ok bool
		offer, ok = s.updates.CurrentOffer()
		if !ok {
			return
		}
	}

	versionTag := offer.SHA256
	if versionTag == "" {
		versionTag = fmt.Sprintf("%f", offer.UploadedAt)
	}

	s.offeredMu.Lock()
	if !force && s.offered[ssrc] == versionTag {
		s.offeredMu.Unlock()
		return
	}
	s.offered[ssrc] = versionTag
	s.offeredMu.Unlock()

	body, err := json.Marshal(offer)
	if err != nil {
		return
	}
	pkt := protocol.PackCtrl(s.seq.Next(), protocol.NowTS48(), 0, protocol.CtrlUpdateOffer, body)
	if _, err := s.conn.WriteToUDP(pkt, addr); err != nil {
		s.log.Warn("Failed to send update offer", logger.Error(err))
		return
	}
	s.log.Info("Update offered",
		logger.String("name", offer.Name),
		logger.String("addr", addr.String()))
}

// BroadcastUpdateOffer pushes an update offer to every active session,
// bypassing the per-client dedup so a fresh upload reaches everyone.
func (s *Server) BroadcastUpdateOffer(offer update.Offer) {
	if s.conn == nil {
		return
	}
	for _, sess := range s.store.Active() {
		if sess.SSRC == 0 || sess.Addr == nil {
			continue
		}
		s.offerUpdateIfAny(sess.Addr, sess.SSRC, &offer, true)
	}
}

// maybeLogSummary emits a periodic digest of the busiest transmit
// frequencies.
func (s *Server) maybeLogSummary() {
	interval := time.Duration(s.config.SummaryInterval) * time.Second
	if interval <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(s.lastSummary) < interval {
		return
	}
	s.lastSummary = now

	stats := s.store.SummarizeFrequencies(6)
	if len(stats) == 0 {
		s.log.Info("Audio summary", logger.String("traffic", "none"))
		return
	}
	for _, row := range stats {
		s.log.Info("Audio summary",
			logger.String("freq", row.Freq),
			logger.Uint64("frames", row.Frames),
			logger.Float64("kbytes", row.KBytes))
	}
}

// maybeCleanupTransmissions closes out tracked transmissions whose
// sender vanished without unkeying, using the session liveness window
// as the cutoff.
func (s *Server) maybeCleanupTransmissions() {
	if s.tracker == nil {
		return
	}
	now := time.Now()
	if now.Sub(s.lastCleanup) < trackerCleanupInterval {
		return
	}
	s.lastCleanup = now
	s.tracker.CleanupStale(s.trackerStaleAfter)
}
