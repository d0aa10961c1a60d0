package audio

// ChannelGain maps a volume percentage to a playback multiplier.
// 50% is unity; below that scales linearly to silence, above it
// linearly up to 2x.
func ChannelGain(pct int) float32 {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct <= 50 {
		return float32(pct) / 50.0
	}
	return 1.0 + float32(pct-50)/50.0
}
