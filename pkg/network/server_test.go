package network

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/config"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/protocol"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/routing"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/storage"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "console"})
}

func startTestServer(t *testing.T) (*Server, *net.UDPAddr, context.CancelFunc) {
	t.Helper()

	store := session.NewStore()
	engine := routing.NewEngine(store)
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, store, engine, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = srv.Start(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := srv.WaitStarted(waitCtx); err != nil {
		cancel()
		t.Fatalf("Server did not start: %v", err)
	}
	addr, err := srv.Addr()
	if err != nil {
		cancel()
		t.Fatalf("Addr() error: %v", err)
	}
	return srv, addr, cancel
}

func dialServer(t *testing.T, addr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendCtrlFrom(t *testing.T, conn *net.UDPConn, ssrc uint32, code byte, body interface{}) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal ctrl body: %v", err)
		}
	}
	pkt := protocol.PackCtrl(0, protocol.NowTS48(), ssrc, code, raw)
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("Failed to send ctrl: %v", err)
	}
}

func pollPresence(t *testing.T, addr *net.UDPAddr) RosterReply {
	t.Helper()
	conn := dialServer(t, addr)
	pkt := protocol.PackCtrl(0, protocol.NowTS48(), 0, protocol.CtrlPresence, nil)
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("Failed to send presence poll: %v", err)
	}

	buf := make([]byte, 65536)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("No presence reply: %v", err)
	}

	hdr, err := protocol.ParseHeader(buf[:n])
	if err != nil {
		t.Fatalf("Bad reply header: %v", err)
	}
	if hdr.Type != protocol.MsgCtrl {
		t.Errorf("Expected ctrl reply, got type %d", hdr.Type)
	}
	if hdr.Seq != 0 || hdr.SSRC != 0 {
		t.Errorf("Expected seq=0 ssrc=0 on reply, got seq=%d ssrc=%d", hdr.Seq, hdr.SSRC)
	}

	frame, err := protocol.ParseCtrlReply(buf[protocol.HeaderSize:n])
	if err != nil {
		t.Fatalf("Bad reply sub-header: %v", err)
	}
	if frame.Code != protocol.CtrlPresence {
		t.Errorf("Expected presence code, got %d", frame.Code)
	}

	var reply RosterReply
	if err := json.Unmarshal(frame.Body, &reply); err != nil {
		t.Fatalf("Bad reply body: %v", err)
	}
	return reply
}

// registerStation registers an SSRC and pushes channel state in one go.
func registerStation(t *testing.T, conn *net.UDPConn, ssrc uint32, nick string, loopback bool, active int, freqs []float64, scanChannels []bool) {
	t.Helper()
	sendCtrlFrom(t, conn, ssrc, protocol.CtrlRegister, map[string]interface{}{
		"nick":      nick,
		"client_id": nick + "-id",
		"loopback":  loopback,
	})
	sendCtrlFrom(t, conn, ssrc, protocol.CtrlChanUpdate, session.ChanUpdate{
		Active:       active,
		Freqs:        freqs,
		Scan:         scanChannels != nil,
		ScanChannels: scanChannels,
	})
	// Give the single-threaded dispatch loop time to apply both frames.
	time.Sleep(50 * time.Millisecond)
}

func TestServerRegisterAndPresence(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	conn := dialServer(t, addr)
	registerStation(t, conn, 42, "alpha", false, 0, []float64{100.0, 101.0, 102.0, 111.1}, nil)

	reply := pollPresence(t, addr)
	if !reply.OK {
		t.Fatalf("Expected ok reply")
	}
	if len(reply.Rows) != 1 {
		t.Fatalf("Expected 1 roster row, got %d", len(reply.Rows))
	}
	row := reply.Rows[0]
	if row.Nick != "alpha" {
		t.Errorf("Expected nick alpha, got %q", row.Nick)
	}
	if row.ClientID != "alpha-id" {
		t.Errorf("Expected client_id alpha-id, got %q", row.ClientID)
	}
	if row.SSRC != 42 {
		t.Errorf("Expected ssrc 42, got %d", row.SSRC)
	}
	if row.ActiveChannel != 0 {
		t.Errorf("Expected active channel 0, got %d", row.ActiveChannel)
	}
	if len(row.Freqs) != 4 || row.Freqs[0] != 100.0 {
		t.Errorf("Unexpected freqs in roster row: %v", row.Freqs)
	}
}

func TestServerAudioRelay(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	sender := dialServer(t, addr)
	scanner := dialServer(t, addr)
	deaf := dialServer(t, addr)

	// Raw network identities never collide between sessions, so route
	// by frequency instead.
	admin := dialServer(t, addr)
	sendCtrlFrom(t, admin, 0, protocol.CtrlAdminAutoMerge, map[string]bool{"auto_merge": true})

	registerStation(t, sender, 1, "tx", false, 0, []float64{100.0, 0, 0, 0}, nil)
	registerStation(t, scanner, 2, "rx", false, 0, []float64{90.0, 100.0, 0, 0}, []bool{false, true, false, false})
	registerStation(t, deaf, 3, "other", false, 0, []float64{101.0, 0, 0, 0}, nil)

	sendCtrlFrom(t, sender, 1, protocol.CtrlPTT, map[string]bool{"ptt": true})
	time.Sleep(20 * time.Millisecond)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	flags := byte(protocol.AudioFlagPTT | protocol.AudioFlagPCM)
	pkt := protocol.PackAudio(7, protocol.NowTS48(), 1, flags, payload)
	if _, err := sender.Write(pkt); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}

	buf := make([]byte, 65536)
	_ = scanner.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := scanner.Read(buf)
	if err != nil {
		t.Fatalf("Scanner got no relayed audio: %v", err)
	}

	hdr, err := protocol.ParseHeader(buf[:n])
	if err != nil {
		t.Fatalf("Bad relayed header: %v", err)
	}
	if hdr.Type != protocol.MsgAudio {
		t.Errorf("Expected audio packet, got type %d", hdr.Type)
	}
	if hdr.SSRC != 1 {
		t.Errorf("Expected sender ssrc 1 preserved, got %d", hdr.SSRC)
	}

	frame, err := protocol.ParseAudio(buf[protocol.HeaderSize:n])
	if err != nil {
		t.Fatalf("Bad relayed audio body: %v", err)
	}
	if frame.ChannelIndex() != 1 {
		t.Errorf("Expected receiver channel index 1, got %d", frame.ChannelIndex())
	}
	if !frame.PTT() || !frame.IsPCM() {
		t.Errorf("Expected low flag nibble preserved, got 0x%02X", frame.Flags)
	}
	if string(frame.Payload) != string(payload) {
		t.Errorf("Payload mangled in relay: %v", frame.Payload)
	}

	// The station on a different frequency must hear nothing.
	_ = deaf.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := deaf.Read(buf); err == nil {
		t.Errorf("Station on other frequency received %d bytes", n)
	}

	// The sender has loopback off and must not hear itself.
	_ = sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := sender.Read(buf); err == nil {
		t.Errorf("Sender received its own audio (%d bytes) without loopback", n)
	}
}

func TestServerLoopback(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	admin := dialServer(t, addr)
	sendCtrlFrom(t, admin, 0, protocol.CtrlAdminAutoMerge, map[string]bool{"auto_merge": true})

	conn := dialServer(t, addr)
	registerStation(t, conn, 5, "echo", true, 2, []float64{0, 0, 100.0, 0}, nil)

	pkt := protocol.PackAudio(1, protocol.NowTS48(), 5, protocol.AudioFlagPTT|protocol.AudioFlagPCM, []byte{1, 2, 3})
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}

	buf := make([]byte, 65536)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Loopback client got no audio back: %v", err)
	}
	frame, err := protocol.ParseAudio(buf[protocol.HeaderSize:n])
	if err != nil {
		t.Fatalf("Bad loopback audio body: %v", err)
	}
	if frame.ChannelIndex() != 2 {
		t.Errorf("Expected loopback on active channel 2, got %d", frame.ChannelIndex())
	}
}

func TestServerManualMerge(t *testing.T) {
	srv, addr, cancel := startTestServer(t)
	defer cancel()

	admin := dialServer(t, addr)
	sendCtrlFrom(t, admin, 0, protocol.CtrlAdminNetMerge, map[string]string{
		"from": "ABC1000",
		"into": "OPS",
	})
	time.Sleep(50 * time.Millisecond)

	reply := pollPresence(t, addr)
	if reply.ManualMerges != 1 {
		t.Errorf("Expected 1 manual merge, got %d", reply.ManualMerges)
	}
	if got := srv.engine.CanonicalNet("ABC1000"); got != "OPS" {
		t.Errorf("Expected ABC1000 to canonicalize to OPS, got %q", got)
	}

	sendCtrlFrom(t, admin, 0, protocol.CtrlAdminUnmergeAll, nil)
	time.Sleep(50 * time.Millisecond)

	reply = pollPresence(t, addr)
	if reply.ManualMerges != 0 {
		t.Errorf("Expected aliases cleared, got %d", reply.ManualMerges)
	}
}

func TestServerAutoMergeToggle(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	reply := pollPresence(t, addr)
	if reply.AutoMergeByFreq {
		t.Errorf("Expected auto-merge off by default")
	}

	admin := dialServer(t, addr)
	sendCtrlFrom(t, admin, 0, protocol.CtrlAdminAutoMerge, map[string]bool{"auto_merge": true})
	time.Sleep(50 * time.Millisecond)

	reply = pollPresence(t, addr)
	if !reply.AutoMergeByFreq {
		t.Errorf("Expected auto-merge enabled after admin toggle")
	}
}

func TestServerUpdateDeclineDropsSession(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	conn := dialServer(t, addr)
	registerStation(t, conn, 9, "victim", false, 0, []float64{100.0, 0, 0, 0}, nil)

	reply := pollPresence(t, addr)
	if len(reply.Rows) != 1 {
		t.Fatalf("Expected 1 row before decline, got %d", len(reply.Rows))
	}

	sendCtrlFrom(t, conn, 9, protocol.CtrlUpdateResponse, map[string]interface{}{
		"accept": false,
		"reason": "user said no",
	})
	time.Sleep(50 * time.Millisecond)

	// The decline handler drops the session, but the control frame that
	// carried it re-upserted first; the drop wins because it runs after.
	reply = pollPresence(t, addr)
	if len(reply.Rows) != 0 {
		t.Errorf("Expected session dropped after decline, got %d rows", len(reply.Rows))
	}
}

func TestServerSweepsStaleTransmissions(t *testing.T) {
	db, err := storage.NewDB(storage.Config{Path: filepath.Join(t.TempDir(), "radio.db")}, testLogger())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	tracker := storage.NewTransmissionTracker(storage.NewTransmissionRepository(db.GetDB()), testLogger())

	store := session.NewStore()
	engine := routing.NewEngine(store)
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, store, engine, testLogger()).WithTracker(tracker)
	srv.trackerStaleAfter = 50 * time.Millisecond

	// A sender keyed up and then vanished without ever unkeying.
	tracker.LogFrame(3001, "ghost", "ghost", "OPS1000", 0, 100.0, true)
	if tracker.ActiveCount() != 1 {
		t.Fatalf("Expected 1 active transmission, got %d", tracker.ActiveCount())
	}
	time.Sleep(120 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = srv.Start(ctx)
	}()
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := srv.WaitStarted(waitCtx); err != nil {
		t.Fatalf("Server did not start: %v", err)
	}
	addr, err := srv.Addr()
	if err != nil {
		t.Fatalf("Addr() error: %v", err)
	}

	// Any inbound traffic gives the loop a chance to sweep.
	conn := dialServer(t, addr)
	sendCtrlFrom(t, conn, 42, protocol.CtrlHeartbeat, nil)

	deadline := time.Now().Add(2 * time.Second)
	for tracker.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected stale transmission swept, still %d active", tracker.ActiveCount())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServerMalformedPacketsIgnored(t *testing.T) {
	_, addr, cancel := startTestServer(t)
	defer cancel()

	conn := dialServer(t, addr)
	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Failed to send runt packet: %v", err)
	}
	if _, err := conn.Write(protocol.PackHeader(protocol.MsgAudio, 0, 0, 77)); err != nil {
		t.Fatalf("Failed to send headerless audio: %v", err)
	}

	// Server must still answer normal traffic afterwards.
	reply := pollPresence(t, addr)
	if !reply.OK {
		t.Errorf("Expected server to survive malformed packets")
	}
}
