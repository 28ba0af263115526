package graph

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectra/internal/cqt"
	"spectra/internal/dsp"
)

func TestCQTStageAnalyzesTone(t *testing.T) {
	stage, err := NewCQTStage(cqt.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 97, stage.BinCount())

	cfg := cqt.DefaultConfig()
	var bins []cqt.Bin
	var start uint64
	for range 60 {
		samples := make([]float64, 800)
		for i := range samples {
			phase := 2 * math.Pi * 880 * float64(start+uint64(i)) / cfg.SampleRate
			samples[i] = 0.8 * math.Sin(phase)
		}
		bins = stage.Analyze(dsp.SampleBlock{Samples: samples, SampleRate: cfg.SampleRate, Start: start})
		start += 800
	}
	require.False(t, stage.Degraded())

	peak := 0
	for i, b := range bins {
		if b.Magnitude > bins[peak].Magnitude {
			peak = i
		}
	}
	// 880 Hz is four octaves above 55 Hz.
	assert.InDelta(t, 48, peak, 1)
}

func TestAnalyzerBuilderScalesWithExtent(t *testing.T) {
	builder := NewAnalyzerBuilder(cqt.DefaultConfig())

	narrow, err := builder(Extent{Width: 400, Height: 300})
	require.NoError(t, err)
	wide, err := builder(Extent{Width: 3200, Height: 900})
	require.NoError(t, err)

	assert.Greater(t, wide.BinCount(), narrow.BinCount(),
		"a wider presentation target gets finer frequency resolution")
}
