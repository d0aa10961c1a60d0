package protocol

import (
	"sync"
	"time"
)

var (
	clockOnce  sync.Once
	clockEpoch time.Time
)

// NowTS48 returns a monotonic 48 kHz sample counter. The epoch is fixed
// at first use so the counter is process-monotonic, not wall-clock.
// Used only for latency/jitter diagnostics.
func NowTS48() uint32 {
	clockOnce.Do(func() { clockEpoch = time.Now() })
	// Convert via milliseconds so the intermediate product stays well
	// inside int64 for any realistic process uptime.
	ms := time.Since(clockEpoch).Milliseconds()
	return uint32(ms * (SamplesPerSecond / 1000))
}

// SeqGen is a 16-bit wrapping sequence-number generator safe for
// concurrent use.
type SeqGen struct {
	mu  sync.Mutex
	seq uint16
}

// NewSeqGen creates a generator starting after the given initial value.
func NewSeqGen(initial uint16) *SeqGen {
	return &SeqGen{seq: initial}
}

// Next returns the next sequence number, wrapping at 16 bits.
func (g *SeqGen) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.seq
}
