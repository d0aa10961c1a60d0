package session

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Meta carries the optional fields a REGISTER or PRESENCE body may
// update on a session. Nil/empty fields are left untouched.
type Meta struct {
	ClientID string
	Nick     string
	Loopback *bool
}

// ChanUpdate is the normalized body of a CHAN_UPD control frame. It is
// always full state, never a delta.
type ChanUpdate struct {
	Active       int       `json:"active"`
	Freqs        []float64 `json:"freqs"`
	Scan         bool      `json:"scan"`
	ScanChannels []bool    `json:"scan_channels"`
}

// FreqStat is one row of the per-frequency audio traffic summary.
type FreqStat struct {
	Freq   string
	Frames uint64
	KBytes float64
}

// Store is the in-memory table of sessions keyed by SSRC, safe for
// concurrent use. The UDP dispatch loop is the only writer; dashboard
// and metrics readers take snapshots.
type Store struct {
	mu     sync.RWMutex
	bySSRC map[uint32]*Session

	freqFrames map[string]uint64
	freqBytes  map[string]uint64
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		bySSRC:     make(map[uint32]*Session),
		freqFrames: make(map[string]uint64),
		freqBytes:  make(map[string]uint64),
	}
}

// Upsert creates or updates the session for an SSRC and bumps LastSeen.
// If no session exists for the SSRC but one exists with the same stable
// client identifier, that session is migrated to the new (addr, ssrc)
// pair instead of creating a duplicate. This handles a client
// reconnecting with a fresh ephemeral port and SSRC.
func (st *Store) Upsert(addr *net.UDPAddr, ssrc uint32, meta Meta) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.bySSRC[ssrc]
	if s == nil && meta.ClientID != "" {
		for oldSSRC, existing := range st.bySSRC {
			if existing.ClientID != "" && existing.ClientID == meta.ClientID {
				s = existing
				if oldSSRC != ssrc {
					delete(st.bySSRC, oldSSRC)
					s.SSRC = ssrc
					st.bySSRC[ssrc] = s
				}
				break
			}
		}
	}

	if s == nil {
		s = newSession(addr, ssrc)
		st.bySSRC[ssrc] = s
	}

	s.Addr = addr
	if meta.ClientID != "" {
		s.ClientID = meta.ClientID
	}
	if meta.Nick != "" {
		s.Nick = meta.Nick
	}
	if meta.Loopback != nil {
		s.Loopback = *meta.Loopback
	}
	s.LastSeen = time.Now()
	return s
}

// Get returns the session for an SSRC, or nil.
func (st *Store) Get(ssrc uint32) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.bySSRC[ssrc]
}

// FindByIdentity returns the session with the given stable client
// identifier, or nil. Kept distinct from Get so reconnect migration is
// explicit rather than an accident of map iteration.
func (st *Store) FindByIdentity(clientID string) *Session {
	if clientID == "" {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.bySSRC {
		if s.ClientID == clientID {
			return s
		}
	}
	return nil
}

// Drop removes a session outright. Used when a client declines a
// mandatory update; ordinary timeouts only hide sessions.
func (st *Store) Drop(ssrc uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.bySSRC, ssrc)
}

// Count returns the number of tracked sessions, active or not.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.bySSRC)
}

// NoteHeartbeat bumps LastSeen for an SSRC. Unknown SSRCs are ignored.
func (st *Store) NoteHeartbeat(ssrc uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s := st.bySSRC[ssrc]; s != nil {
		s.LastSeen = time.Now()
	}
}

// NotePTT records a PTT transition. Keying up latches the transmit
// frequency from the active channel; unkeying clears it.
func (st *Store) NotePTT(ssrc uint32, on bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.bySSRC[ssrc]
	if s == nil {
		return
	}
	s.PTT = on
	if on {
		s.TXFreq = s.Freqs[clampChannel(s.ActiveChannel)]
	} else {
		s.TXFreq = 0
	}
	s.LastSeen = time.Now()
}

// NoteChanUpdate applies a full channel-state update. Malformed or
// missing fields are ignored rather than rejected; the slot count is
// always normalized back to exactly NumChannels.
func (st *Store) NoteChanUpdate(ssrc uint32, upd ChanUpdate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.bySSRC[ssrc]
	if s == nil {
		return
	}
	s.ActiveChannel = clampChannel(upd.Active)
	if len(upd.Freqs) == NumChannels {
		copy(s.Freqs[:], upd.Freqs)
	}
	s.Scan = upd.Scan
	if upd.ScanChannels != nil {
		var sc [NumChannels]bool
		copy(sc[:], upd.ScanChannels)
		s.ScanChannels = sc
	}
	s.LastSeen = time.Now()
}

// NotePosition attaches a free-form position blob to a session.
func (st *Store) NotePosition(ssrc uint32, pos map[string]interface{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.bySSRC[ssrc]
	if s == nil {
		return
	}
	if pos != nil {
		s.Position = pos
	}
	s.LastSeen = time.Now()
}

// NotePresence applies presence metadata (nick, client id, loopback)
// without touching channel state.
func (st *Store) NotePresence(ssrc uint32, meta Meta) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.bySSRC[ssrc]
	if s == nil {
		return
	}
	if meta.Nick != "" {
		s.Nick = meta.Nick
	}
	if meta.ClientID != "" {
		s.ClientID = meta.ClientID
	}
	if meta.Loopback != nil {
		s.Loopback = *meta.Loopback
	}
	s.LastSeen = time.Now()
}

// NoteAudio records audio traffic stats against the sender's current
// transmit frequency and bumps LastSeen.
func (st *Store) NoteAudio(ssrc uint32, nbytes int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := "unknown"
	if s := st.bySSRC[ssrc]; s != nil {
		if s.TXFreq != 0 {
			key = fmt.Sprintf("%.3f", s.TXFreq)
		}
		s.LastSeen = time.Now()
	}
	st.freqFrames[key]++
	st.freqBytes[key] += uint64(nbytes)
}

// SummarizeFrequencies returns the busiest transmit frequencies by
// frame count, at most topN rows.
func (st *Store) SummarizeFrequencies(topN int) []FreqStat {
	st.mu.RLock()
	defer st.mu.RUnlock()
	stats := make([]FreqStat, 0, len(st.freqFrames))
	for key, frames := range st.freqFrames {
		stats = append(stats, FreqStat{
			Freq:   key,
			Frames: frames,
			KBytes: float64(st.freqBytes[key]) / 1024.0,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Frames > stats[j].Frames })
	if topN > 0 && len(stats) > topN {
		stats = stats[:topN]
	}
	return stats
}

// Active returns all sessions heard from within the liveness window.
// The returned slice is a copy; the Sessions themselves are shared.
func (st *Store) Active() []*Session {
	now := time.Now()
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.bySSRC))
	for _, s := range st.bySSRC {
		if s.IsActive(now) {
			out = append(out, s)
		}
	}
	return out
}

// SnapshotRows builds presence rows for all active sessions, with
// network identities passed through the supplied canonicalizer.
// Sessions with ssrc==0 (the administrative poller) are excluded.
func (st *Store) SnapshotRows(canon func(string) string) []Row {
	if canon == nil {
		canon = func(id string) string { return id }
	}
	now := time.Now()
	st.mu.RLock()
	defer st.mu.RUnlock()

	rows := make([]Row, 0, len(st.bySSRC))
	for _, s := range st.bySSRC {
		if s.SSRC == 0 || !s.IsActive(now) {
			continue
		}
		ids, _ := s.Networks()
		for i := range ids {
			ids[i] = canon(ids[i])
		}
		rows = append(rows, s.snapshot(ids, ids[clampChannel(s.ActiveChannel)]))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SSRC < rows[j].SSRC })
	return rows
}
