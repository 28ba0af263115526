package cqt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLengthCap(t *testing.T) {
	cfg := DefaultConfig()

	// 55 Hz wants far more than the cap allows.
	require.Equal(t, cfg.MaxWindow, cfg.WindowLength(55))

	// 14080 Hz resolves naturally well under the cap.
	top := cfg.WindowLength(14080)
	require.Less(t, top, cfg.MaxWindow)
	require.Equal(t, 58, top)

	// Every bin respects the cap.
	for n := range cfg.NumBins() {
		win := cfg.WindowLength(cfg.CenterFreq(n))
		assert.LessOrEqual(t, win, cfg.MaxWindow)
		assert.GreaterOrEqual(t, win, 1)
	}
}

func TestBinOrdering(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 97, cfg.NumBins())

	prev := 0.0
	for n := range cfg.NumBins() {
		center := cfg.CenterFreq(n)
		require.Greater(t, center, prev, "centers must strictly increase")
		prev = center
	}
	assert.InDelta(t, 55.0, cfg.CenterFreq(0), 1e-9)
	assert.InDelta(t, 14080.0, cfg.CenterFreq(96), 1e-6)
}

func TestTierSelection(t *testing.T) {
	cfg := DefaultConfig()

	// High bins stay on the undecimated tier.
	assert.Equal(t, 0, cfg.TierFor(14080))
	// 55 Hz can decimate 6 octaves and keep a 4x rate margin.
	assert.Equal(t, 6, cfg.TierFor(55))
	assert.Equal(t, 7, cfg.Tiers())

	// Decimated bins keep the 4x rate margin. Tier 0 is the undecimated
	// input and only promises the Nyquist bound; the top bins sit there
	// precisely because no tier can give them 4x.
	for n := range cfg.NumBins() {
		center := cfg.CenterFreq(n)
		tier := cfg.TierFor(center)
		tierRate := cfg.SampleRate / float64(int(1)<<tier)
		require.LessOrEqual(t, center*2, tierRate)
		if tier > 0 {
			assert.LessOrEqual(t, center*4, tierRate)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	good := DefaultConfig()
	require.NoError(t, good.Validate())

	bad := good
	bad.MaxFreq = 40000 // above Nyquist
	require.Error(t, bad.Validate())

	bad = good
	bad.MinFreq = -1
	require.Error(t, bad.Validate())

	bad = good
	bad.Floor = 0
	require.Error(t, bad.Validate())

	bad = good
	bad.CurveName = "loudness9000"
	require.Error(t, bad.Validate())
}
