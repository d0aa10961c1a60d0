package audio

import (
	"sync"
	"time"
)

const (
	// DefaultRate is the playout sample rate.
	DefaultRate = 48000
	// DefaultBlock is the playout block size in samples.
	DefaultBlock = 480

	// EnqueueStale drops backlog older than this at push time so a
	// half-second-old burst is not replayed after unkeying.
	EnqueueStale = 700 * time.Millisecond
	// DequeueStale drops frames older than this at pull time.
	DequeueStale = 600 * time.Millisecond
	// TargetDepth is the pre-roll depth before playout starts,
	// roughly 60ms of buffered audio.
	TargetDepth = 6
	// MaxDepth caps the queue so a stalled consumer cannot grow it
	// without bound.
	MaxDepth = 80
	// MaxBatch limits how many overlapping frames mix into one block.
	MaxBatch = 6
	// JoinWindow is how far apart frame arrivals may be and still be
	// treated as overlapping talkers rather than sequential speech.
	JoinWindow = 50 * time.Millisecond
)

// Frame is one queued block of decoded audio with routing metadata.
type Frame struct {
	PCM     []float32
	ChanIdx int
	SSRC    uint32
	At      time.Time
}

// JitterBuffer smooths bursty frame arrival into steady fixed-size
// playout blocks. Overlapping talkers within the join window are mixed;
// sequential frames from the same talker are kept in order. Brief
// underruns are concealed by replaying a decayed copy of the last good
// block.
type JitterBuffer struct {
	mu         sync.Mutex
	queue      []Frame
	started    bool
	lastFrame  []float32
	lastRepeat int

	rate      int
	blockSize int
	now       func() time.Time
}

// NewJitterBuffer creates a buffer that emits blockSize-sample blocks
// at the given playout rate.
func NewJitterBuffer(rate, blockSize int) *JitterBuffer {
	return &JitterBuffer{
		rate:      rate,
		blockSize: blockSize,
		now:       time.Now,
	}
}

// Push normalizes one decoded frame to the playout rate and block size
// and queues it. Stale backlog at the head of the queue is dropped
// first.
func (jb *JitterBuffer) Push(pcm []float32, rate int, chanIdx int, ssrc uint32) {
	if rate > 0 && rate != jb.rate {
		pcm = Resample(pcm, rate, jb.rate)
	}
	block := make([]float32, jb.blockSize)
	copy(block, pcm)

	ts := jb.now()
	jb.mu.Lock()
	defer jb.mu.Unlock()
	for len(jb.queue) > 0 && ts.Sub(jb.queue[0].At) > EnqueueStale {
		jb.queue = jb.queue[1:]
	}
	jb.queue = append(jb.queue, Frame{PCM: block, ChanIdx: chanIdx, SSRC: ssrc, At: ts})
}

// Pull produces the next playout block, or nil when there is nothing
// to play yet. audible filters frames by receive channel; gain supplies
// the per-channel multiplier. Either may be nil.
//
// Until the pre-roll depth is reached, Pull conceals with up to 2
// decayed repeats of the last block. After playout has started, an
// underrun allows up to 3 decayed repeats before emitting silence and
// forgetting the cached block.
func (jb *JitterBuffer) Pull(audible func(chanIdx int) bool, gain func(chanIdx int) float32) []float32 {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if len(jb.queue) == 0 {
		return nil
	}

	now := jb.now()
	for len(jb.queue) > 0 && now.Sub(jb.queue[0].At) > DequeueStale {
		jb.queue = jb.queue[1:]
	}
	for len(jb.queue) > MaxDepth {
		jb.queue = jb.queue[1:]
	}

	if !jb.started {
		if len(jb.queue) < TargetDepth {
			if jb.lastFrame != nil && jb.lastRepeat < 2 {
				jb.lastRepeat++
				return scaled(jb.lastFrame, pow(0.6, jb.lastRepeat))
			}
			return nil
		}
		jb.started = true
	} else if len(jb.queue) < 2 {
		if jb.lastFrame != nil && jb.lastRepeat < 3 {
			jb.lastRepeat++
			return scaled(jb.lastFrame, pow(0.5, jb.lastRepeat))
		}
		// Forget the cached block so a stale tail is not looped
		// through a long silence.
		jb.lastRepeat = 0
		jb.lastFrame = nil
		return make([]float32, jb.blockSize)
	}

	first := jb.queue[0]
	jb.queue = jb.queue[1:]
	batch := []Frame{first}
	seen := map[uint32]bool{first.SSRC: true}

	var deferred []Frame
	for len(jb.queue) > 0 && len(batch) < MaxBatch {
		nxt := jb.queue[0]
		if nxt.At.Sub(first.At) > JoinWindow {
			break
		}
		jb.queue = jb.queue[1:]
		if seen[nxt.SSRC] {
			// Sequential frames from the same talker stay queued;
			// keep scanning the window for overlapping talkers.
			deferred = append(deferred, nxt)
			continue
		}
		seen[nxt.SSRC] = true
		batch = append(batch, nxt)
	}
	if len(deferred) > 0 {
		jb.queue = append(deferred, jb.queue...)
	}

	mix := make([]float32, jb.blockSize)
	for _, f := range batch {
		if audible != nil && !audible(f.ChanIdx) {
			continue
		}
		g := float32(1.0)
		if gain != nil {
			g = gain(f.ChanIdx)
		}
		for i := 0; i < len(f.PCM) && i < len(mix); i++ {
			mix[i] += f.PCM[i] * g
		}
	}

	// Soft limit so overlapping talkers do not clip.
	var peak float32
	for _, v := range mix {
		if v > peak {
			peak = v
		} else if -v > peak {
			peak = -v
		}
	}
	if peak > 1.0 {
		for i := range mix {
			mix[i] /= peak
		}
	}

	jb.lastFrame = append([]float32(nil), mix...)
	jb.lastRepeat = 0
	return mix
}

// Reset clears all queued frames and concealment state, for reconnects
// and while transmitting.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.queue = nil
	jb.started = false
	jb.lastFrame = nil
	jb.lastRepeat = 0
}

// Depth returns the number of queued frames.
func (jb *JitterBuffer) Depth() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.queue)
}

func scaled(pcm []float32, factor float32) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = v * factor
	}
	return out
}

func pow(base float32, n int) float32 {
	out := float32(1.0)
	for i := 0; i < n; i++ {
		out *= base
	}
	return out
}
