package storage

import (
	"sync"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
)

// minDuration filters out spurious key-ups; anything shorter is not
// worth a row.
const minDuration = 0.5

// TransmissionTracker turns the audio frame stream into transmission
// records. A sender's first PTT frame opens a tracking entry; the entry
// is closed and persisted when the sender unkeys or goes quiet.
type TransmissionTracker struct {
	repo   *TransmissionRepository
	logger *logger.Logger
	active map[uint32]*activeTX
	mu     sync.RWMutex
}

// activeTX tracks an ongoing keyed transmission
type activeTX struct {
	ssrc       uint32
	clientID   string
	nick       string
	network    string
	channel    int
	freq       float64
	startTime  time.Time
	lastSeen   time.Time
	frameCount int
}

// NewTransmissionTracker creates a new transmission tracker
func NewTransmissionTracker(repo *TransmissionRepository, log *logger.Logger) *TransmissionTracker {
	return &TransmissionTracker{
		repo:   repo,
		logger: log,
		active: make(map[uint32]*activeTX),
	}
}

// LogFrame records one audio frame from a keyed sender. When ptt goes
// false the transmission is closed and saved.
func (tt *TransmissionTracker) LogFrame(ssrc uint32, clientID, nick, network string, channel int, freq float64, ptt bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	now := time.Now()

	tx, exists := tt.active[ssrc]
	if !exists {
		if !ptt {
			return
		}
		tx = &activeTX{
			ssrc:       ssrc,
			clientID:   clientID,
			nick:       nick,
			network:    network,
			channel:    channel,
			freq:       freq,
			startTime:  now,
			lastSeen:   now,
			frameCount: 1,
		}
		tt.active[ssrc] = tx
		tt.logger.Debug("Started tracking transmission",
			logger.Uint32("ssrc", ssrc),
			logger.String("network", network))
		return
	}

	tx.lastSeen = now
	tx.frameCount++

	if !ptt {
		tt.finishLocked(ssrc, tx)
	}
}

// Unkey closes the sender's transmission if one is being tracked.
func (tt *TransmissionTracker) Unkey(ssrc uint32) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tx, ok := tt.active[ssrc]; ok {
		tx.lastSeen = time.Now()
		tt.finishLocked(ssrc, tx)
	}
}

// CleanupStale closes transmissions whose sender went quiet without
// unkeying. Should be called periodically.
func (tt *TransmissionTracker) CleanupStale(maxAge time.Duration) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	now := time.Now()
	for ssrc, tx := range tt.active {
		if now.Sub(tx.lastSeen) > maxAge {
			tt.finishLocked(ssrc, tx)
		}
	}
}

// ActiveCount returns the number of transmissions currently tracked.
func (tt *TransmissionTracker) ActiveCount() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return len(tt.active)
}

func (tt *TransmissionTracker) finishLocked(ssrc uint32, tx *activeTX) {
	delete(tt.active, ssrc)

	duration := tx.lastSeen.Sub(tx.startTime).Seconds()
	if duration < minDuration {
		tt.logger.Debug("Skipped saving very short transmission",
			logger.Uint32("ssrc", ssrc),
			logger.Float64("duration", duration))
		return
	}

	rec := &Transmission{
		SSRC:       tx.ssrc,
		ClientID:   tx.clientID,
		Nick:       tx.nick,
		Network:    tx.network,
		Channel:    tx.channel,
		Freq:       tx.freq,
		Duration:   duration,
		StartTime:  tx.startTime,
		EndTime:    tx.lastSeen,
		FrameCount: tx.frameCount,
	}
	if err := tt.repo.Create(rec); err != nil {
		tt.logger.Error("Failed to save transmission",
			logger.Error(err),
			logger.Uint32("ssrc", ssrc))
		return
	}
	tt.logger.Debug("Saved transmission",
		logger.Uint32("ssrc", ssrc),
		logger.String("network", tx.network),
		logger.Float64("duration", duration))
}
