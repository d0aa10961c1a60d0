package routing

import (
	"net"
	"testing"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

// addStation registers a session and pins its network prefixes so tests
// can construct deterministic network identities.
func addStation(st *session.Store, ssrc uint32, prefix string, freqs [session.NumChannels]float64) *session.Session {
	s := st.Upsert(testAddr(40000+int(ssrc)), ssrc, session.Meta{})
	for i := range s.NetPrefixes {
		s.NetPrefixes[i] = prefix
	}
	s.Freqs = freqs
	return s
}

func TestCanonicalize_NoAlias(t *testing.T) {
	got := Canonicalize("ABC1000", nil, false)
	if got != "ABC1000" {
		t.Errorf("Expected ABC1000, got %q", got)
	}
	if got := Canonicalize("  ", nil, false); got != "" {
		t.Errorf("Expected empty for blank input, got %q", got)
	}
}

func TestCanonicalize_FollowsChain(t *testing.T) {
	aliases := map[string]string{
		"AAA1000": "BBB1000",
		"BBB1000": "CCC1000",
	}
	if got := Canonicalize("AAA1000", aliases, false); got != "CCC1000" {
		t.Errorf("Expected CCC1000, got %q", got)
	}
}

func TestCanonicalize_CycleTerminates(t *testing.T) {
	aliases := map[string]string{
		"AAA1000": "BBB1000",
		"BBB1000": "AAA1000",
	}
	got := Canonicalize("AAA1000", aliases, false)
	if got != "AAA1000" && got != "BBB1000" {
		t.Errorf("Expected a member of the cycle, got %q", got)
	}
}

func TestCanonicalize_AutoMerge(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"ABC1000", "FREQ-100"},
		{"XYZ1000", "FREQ-100"},
		{"ABC1005", "FREQ-100.5"},
		{"ABC0000", "ABC0000"}, // zero suffix never auto-merges
		{"ABCD", "ABCD"},
		{"AB", "AB"},
		{"FREQ-100", "FREQ-100"}, // synthetic ids are already canonical
	}
	for _, tt := range tests {
		if got := Canonicalize(tt.id, nil, true); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestCanonicalize_ManualAliasDisablesAutoMerge(t *testing.T) {
	aliases := map[string]string{"ABC1000": "OPS1000"}
	if got := Canonicalize("ABC1000", aliases, true); got != "OPS1000" {
		t.Errorf("Expected OPS1000, got %q", got)
	}
	// Unaliased ids still collapse by frequency.
	if got := Canonicalize("XYZ1000", aliases, true); got != "FREQ-100" {
		t.Errorf("Expected FREQ-100, got %q", got)
	}
}

func TestEngine_MergeNet(t *testing.T) {
	e := NewEngine(session.NewStore())

	e.MergeNet("BBB1000", "CCC1000")
	e.MergeNet("AAA1000", "BBB1000")
	// Destination is canonicalized at merge time, so the chain stays flat.
	if got := e.CanonicalNet("AAA1000"); got != "CCC1000" {
		t.Errorf("Expected CCC1000, got %q", got)
	}
	if e.AliasCount() != 2 {
		t.Errorf("Expected 2 aliases, got %d", e.AliasCount())
	}

	// No-ops must not add entries.
	e.MergeNet("", "CCC1000")
	e.MergeNet("AAA1000", "")
	e.MergeNet("SAME", "SAME")
	if e.AliasCount() != 2 {
		t.Errorf("Expected 2 aliases after no-op merges, got %d", e.AliasCount())
	}

	e.ResetAliases()
	if e.AliasCount() != 0 {
		t.Errorf("Expected 0 aliases after reset, got %d", e.AliasCount())
	}
	if got := e.CanonicalNet("AAA1000"); got != "AAA1000" {
		t.Errorf("Expected AAA1000 after reset, got %q", got)
	}
}

func TestEngine_SetAutoMerge(t *testing.T) {
	e := NewEngine(session.NewStore())
	if e.AutoMerge() {
		t.Error("Expected auto-merge off by default")
	}
	e.SetAutoMerge(true)
	if !e.AutoMerge() {
		t.Error("Expected auto-merge on")
	}
	if got := e.CanonicalNet("ABC1000"); got != "FREQ-100" {
		t.Errorf("Expected FREQ-100, got %q", got)
	}
}

func TestRecipientsFor_ActiveChannelMatch(t *testing.T) {
	st := session.NewStore()
	e := NewEngine(st)

	sender := addStation(st, 1, "AAA", [session.NumChannels]float64{100.0, 101.0, 102.0, 103.0})
	sender.ActiveChannel = 0
	rcv := addStation(st, 2, "AAA", [session.NumChannels]float64{100.0, 200.0, 300.0, 400.0})
	rcv.ActiveChannel = 0
	// Same prefix, different frequency on every channel: no overlap.
	addStation(st, 3, "AAA", [session.NumChannels]float64{150.0, 151.0, 152.0, 153.0})

	recips, _, chanIdx, chanNet := e.RecipientsFor(1)
	if chanIdx != 0 {
		t.Errorf("Expected channel 0, got %d", chanIdx)
	}
	if chanNet != "AAA1000" {
		t.Errorf("Expected chanNet AAA1000, got %q", chanNet)
	}
	if len(recips) != 1 {
		t.Fatalf("Expected 1 recipient, got %d", len(recips))
	}
	if recips[0].Session.SSRC != 2 || recips[0].ChanIdx != 0 {
		t.Errorf("Expected ssrc=2 chan=0, got ssrc=%d chan=%d",
			recips[0].Session.SSRC, recips[0].ChanIdx)
	}
}

func TestRecipientsFor_ScannedChannelMatch(t *testing.T) {
	st := session.NewStore()
	e := NewEngine(st)

	sender := addStation(st, 1, "AAA", [session.NumChannels]float64{100.0, 0, 0, 0})
	sender.ActiveChannel = 0

	// Receiver is parked on channel 0 but shares the sender's net on
	// channel 2, which it scans.
	rcv := addStation(st, 2, "AAA", [session.NumChannels]float64{500.0, 600.0, 100.0, 700.0})
	rcv.ActiveChannel = 0
	rcv.Scan = true
	rcv.ScanChannels[2] = true

	// Matching channel present but neither active nor scanned.
	deaf := addStation(st, 3, "AAA", [session.NumChannels]float64{500.0, 100.0, 600.0, 700.0})
	deaf.ActiveChannel = 0

	recips, _, _, _ := e.RecipientsFor(1)
	if len(recips) != 1 {
		t.Fatalf("Expected 1 recipient, got %d", len(recips))
	}
	if recips[0].Session.SSRC != 2 || recips[0].ChanIdx != 2 {
		t.Errorf("Expected ssrc=2 chan=2, got ssrc=%d chan=%d",
			recips[0].Session.SSRC, recips[0].ChanIdx)
	}
}

func TestRecipientsFor_PrefersActiveOverScanned(t *testing.T) {
	st := session.NewStore()
	e := NewEngine(st)
	e.SetAutoMerge(true) // collapse differing prefixes by frequency

	sender := addStation(st, 1, "AAA", [session.NumChannels]float64{100.0, 0, 0, 0})
	sender.ActiveChannel = 0

	// Channels 0 and 2 both land on FREQ-100; channel 2 is the active
	// one and should win even though 0 comes first in index order.
	rcv := addStation(st, 2, "BBB", [session.NumChannels]float64{100.0, 0, 100.0, 0})
	rcv.ActiveChannel = 2
	rcv.Scan = true
	rcv.ScanChannels[0] = true

	recips, _, _, chanNet := e.RecipientsFor(1)
	if chanNet != "FREQ-100" {
		t.Errorf("Expected chanNet FREQ-100, got %q", chanNet)
	}
	if len(recips) != 1 {
		t.Fatalf("Expected 1 recipient, got %d", len(recips))
	}
	if recips[0].ChanIdx != 2 {
		t.Errorf("Expected delivery on active channel 2, got %d", recips[0].ChanIdx)
	}
}

func TestRecipientsFor_Loopback(t *testing.T) {
	st := session.NewStore()
	e := NewEngine(st)

	sender := addStation(st, 1, "AAA", [session.NumChannels]float64{100.0, 0, 0, 0})
	sender.ActiveChannel = 0
	sender.Loopback = true

	recips, _, chanIdx, _ := e.RecipientsFor(1)
	if len(recips) != 1 {
		t.Fatalf("Expected sender echoed back, got %d recipients", len(recips))
	}
	if recips[0].Session != sender || recips[0].ChanIdx != chanIdx {
		t.Errorf("Expected loopback on sender's active channel %d", chanIdx)
	}
}

func TestRecipientsFor_UnknownSender(t *testing.T) {
	e := NewEngine(session.NewStore())
	recips, activeNet, _, chanNet := e.RecipientsFor(999)
	if recips != nil || activeNet != "" || chanNet != "" {
		t.Errorf("Expected empty result for unknown sender, got %v %q %q",
			recips, activeNet, chanNet)
	}
}

func TestRecipientsFor_MergedNetworks(t *testing.T) {
	st := session.NewStore()
	e := NewEngine(st)

	sender := addStation(st, 1, "AAA", [session.NumChannels]float64{100.0, 0, 0, 0})
	sender.ActiveChannel = 0
	rcv := addStation(st, 2, "BBB", [session.NumChannels]float64{100.0, 0, 0, 0})
	rcv.ActiveChannel = 0

	// Different prefixes keep the stations apart until merged.
	if recips, _, _, _ := e.RecipientsFor(1); len(recips) != 0 {
		t.Fatalf("Expected no recipients before merge, got %d", len(recips))
	}

	e.MergeNet("AAA1000", "BBB1000")
	recips, _, _, _ := e.RecipientsFor(1)
	if len(recips) != 1 {
		t.Fatalf("Expected 1 recipient after merge, got %d", len(recips))
	}
	if recips[0].Session.SSRC != 2 {
		t.Errorf("Expected ssrc=2, got %d", recips[0].Session.SSRC)
	}
}

func TestPresenceSnapshot_Canonicalizes(t *testing.T) {
	st := session.NewStore()
	e := NewEngine(st)

	s := addStation(st, 1, "AAA", [session.NumChannels]float64{100.0, 0, 0, 0})
	s.ActiveChannel = 0
	e.MergeNet("AAA1000", "OPS1000")

	rows := e.PresenceSnapshot()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if rows[0].ActiveNet != "OPS1000" {
		t.Errorf("Expected active net OPS1000, got %q", rows[0].ActiveNet)
	}
}
