package audio

import (
	"testing"
	"time"
)

const testBlock = 480

// fakeClock lets tests step time deterministically.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBuffer(clk *fakeClock) *JitterBuffer {
	jb := NewJitterBuffer(DefaultRate, testBlock)
	jb.now = clk.Now
	return jb
}

func constFrame(v float32) []float32 {
	pcm := make([]float32, testBlock)
	for i := range pcm {
		pcm[i] = v
	}
	return pcm
}

func TestJitter_PreRollHoldsPlayout(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	for i := 0; i < TargetDepth-1; i++ {
		jb.Push(constFrame(0.1), DefaultRate, 0, 7)
		if out := jb.Pull(nil, nil); out != nil {
			t.Fatalf("Expected nil during pre-roll at depth %d, got a block", i+1)
		}
	}
	jb.Push(constFrame(0.1), DefaultRate, 0, 7)
	if out := jb.Pull(nil, nil); out == nil {
		t.Fatal("Expected playout to start at target depth")
	}
}

func TestJitter_SameSenderStaysOrdered(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	// Distinct amplitudes mark frame order.
	vals := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	for _, v := range vals {
		jb.Push(constFrame(v), DefaultRate, 0, 7)
		clk.Advance(time.Millisecond)
	}

	// All frames are within the join window but share one sender, so
	// each pull must emit exactly one frame, in arrival order.
	for _, want := range vals[:4] {
		out := jb.Pull(nil, nil)
		if out == nil {
			t.Fatal("Expected a block")
		}
		if out[0] != want {
			t.Errorf("Expected frame %v, got %v", want, out[0])
		}
	}
}

func TestJitter_OverlappingTalkersMix(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	for i := 0; i < TargetDepth; i++ {
		who := uint32(1)
		v := float32(0.2)
		if i%2 == 1 {
			who = 2
			v = 0.3
		}
		jb.Push(constFrame(v), DefaultRate, 0, who)
	}

	out := jb.Pull(nil, nil)
	if out == nil {
		t.Fatal("Expected a mixed block")
	}
	if diff := out[0] - 0.5; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Expected both talkers layered to 0.5, got %v", out[0])
	}
}

func TestJitter_GainAndAudibleFilter(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	for i := 0; i < TargetDepth; i++ {
		who := uint32(1)
		ch := 0
		if i%2 == 1 {
			who = 2
			ch = 2
		}
		jb.Push(constFrame(0.2), DefaultRate, ch, who)
	}

	audible := func(ch int) bool { return ch == 0 }
	gain := func(ch int) float32 { return 2.0 }
	out := jb.Pull(audible, gain)
	if out == nil {
		t.Fatal("Expected a block")
	}
	// Channel 2 is filtered out; channel 0 plays at 2x gain.
	if diff := out[0] - 0.4; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Expected 0.4, got %v", out[0])
	}
}

func TestJitter_SoftLimiter(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	for i := 0; i < TargetDepth; i++ {
		who := uint32(1 + i%2)
		jb.Push(constFrame(0.9), DefaultRate, 0, who)
	}

	out := jb.Pull(nil, nil)
	if out == nil {
		t.Fatal("Expected a block")
	}
	// 0.9 + 0.9 = 1.8 peak, divided back down to 1.0.
	if diff := out[0] - 1.0; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("Expected limiter to pin peak at 1.0, got %v", out[0])
	}
}

func TestJitter_UnderrunConcealThenSilence(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	for i := 0; i < TargetDepth; i++ {
		jb.Push(constFrame(0.8), DefaultRate, 0, 1)
	}
	first := jb.Pull(nil, nil)
	if first == nil {
		t.Fatal("Expected playout to start")
	}

	// Drain to a single remaining frame so pulls underrun. The decayed
	// repeats shrink by half each time, then silence follows.
	jb.mu.Lock()
	jb.queue = jb.queue[:1]
	jb.mu.Unlock()

	prev := first[0]
	for rep := 1; rep <= 3; rep++ {
		out := jb.Pull(nil, nil)
		if out == nil {
			t.Fatalf("Expected concealment block on repeat %d", rep)
		}
		if out[0] >= prev || out[0] <= 0 {
			t.Errorf("Repeat %d: expected decayed positive value below %v, got %v",
				rep, prev, out[0])
		}
		prev = out[0]
	}

	out := jb.Pull(nil, nil)
	if out == nil {
		t.Fatal("Expected silence block after concealment budget")
	}
	if out[0] != 0 {
		t.Errorf("Expected silence, got %v", out[0])
	}
}

func TestJitter_StaleFramesDropped(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	jb.Push(constFrame(0.5), DefaultRate, 0, 1)
	clk.Advance(EnqueueStale + 100*time.Millisecond)
	jb.Push(constFrame(0.6), DefaultRate, 0, 1)

	if jb.Depth() != 1 {
		t.Errorf("Expected stale frame dropped at enqueue, depth=%d", jb.Depth())
	}

	clk.Advance(DequeueStale + 100*time.Millisecond)
	if out := jb.Pull(nil, nil); out != nil {
		t.Error("Expected nothing playable after dequeue-stale window")
	}
	if jb.Depth() != 0 {
		t.Errorf("Expected queue emptied, depth=%d", jb.Depth())
	}
}

func TestJitter_DepthCap(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	for i := 0; i < MaxDepth+20; i++ {
		jb.Push(constFrame(0.1), DefaultRate, 0, 1)
	}
	jb.Pull(nil, nil)
	if d := jb.Depth(); d > MaxDepth {
		t.Errorf("Expected depth capped at %d, got %d", MaxDepth, d)
	}
}

func TestJitter_Reset(t *testing.T) {
	clk := newFakeClock()
	jb := newTestBuffer(clk)

	for i := 0; i < TargetDepth; i++ {
		jb.Push(constFrame(0.2), DefaultRate, 0, 1)
	}
	jb.Pull(nil, nil)
	jb.Reset()
	if jb.Depth() != 0 {
		t.Errorf("Expected empty queue after reset, depth=%d", jb.Depth())
	}
	jb.Push(constFrame(0.2), DefaultRate, 0, 1)
	if out := jb.Pull(nil, nil); out != nil {
		t.Error("Expected pre-roll to restart after reset")
	}
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 0, -1}
	if got := Resample(in, 48000, 48000); len(got) != 4 {
		t.Errorf("Expected passthrough at equal rates, got %d samples", len(got))
	}
	up := Resample(in, 24000, 48000)
	if len(up) != 8 {
		t.Errorf("Expected 8 samples upsampling 2x, got %d", len(up))
	}
	down := Resample(make([]float32, 960), 96000, 48000)
	if len(down) != 480 {
		t.Errorf("Expected 480 samples downsampling 2x, got %d", len(down))
	}
}

func TestChannelGain(t *testing.T) {
	tests := []struct {
		pct  int
		want float32
	}{
		{0, 0},
		{25, 0.5},
		{50, 1.0},
		{75, 1.5},
		{100, 2.0},
		{-10, 0},
		{150, 2.0},
	}
	for _, tt := range tests {
		if got := ChannelGain(tt.pct); got != tt.want {
			t.Errorf("ChannelGain(%d) = %v, want %v", tt.pct, got, tt.want)
		}
	}
}
