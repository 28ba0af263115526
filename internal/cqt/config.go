// Package cqt implements the constant-Q filter bank: log-spaced bins whose
// window lengths scale inversely with center frequency, fed from the
// decimation cascade's octave tiers, with perceptually corrected magnitudes.
package cqt

import (
	"fmt"
	"math"

	"spectra/pkg/bitint"
)

// Config describes one generation of the filter bank. A live analyzer is
// never reconfigured in place; a changed Config builds a replacement
// analyzer at the next generation.
type Config struct {
	SampleRate    float64
	MinFreq       float64
	MaxFreq       float64
	BinsPerOctave int

	// MaxWindow caps every bin's window length, in input-rate samples.
	// The cap bounds the worst-case per-tick cost.
	MaxWindow int

	// MinWindow floors the window length so short high-frequency windows
	// still span at least one tick of samples. Zero disables the floor.
	MinWindow int

	// TaperLen is the roll-on/roll-off length at each window edge, in
	// decimated samples.
	TaperLen int

	// CurveName selects the perceptual correction curve ("iso226" or
	// "flat").
	CurveName string

	// Floor is the minimum ratio of corrected to uncorrected magnitude.
	// It keeps the correction from zeroing out a bin that carries energy.
	Floor float64
}

// DefaultConfig returns the analyzer configuration used when none is
// given: 12 bins per octave over the musical range at 48 kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate:    48000,
		MinFreq:       55,
		MaxFreq:       14080,
		BinsPerOctave: 12,
		MaxWindow:     4096,
		MinWindow:     0,
		TaperLen:      16,
		CurveName:     "iso226",
		Floor:         1e-4,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("cqt: sample rate must be positive, got %g", c.SampleRate)
	}
	if c.MinFreq <= 0 || c.MaxFreq <= c.MinFreq {
		return fmt.Errorf("cqt: bad frequency range [%g, %g]", c.MinFreq, c.MaxFreq)
	}
	if c.MaxFreq > c.SampleRate/2 {
		return fmt.Errorf("cqt: max frequency %g exceeds Nyquist %g", c.MaxFreq, c.SampleRate/2)
	}
	if c.BinsPerOctave < 1 {
		return fmt.Errorf("cqt: bins per octave must be >= 1, got %d", c.BinsPerOctave)
	}
	if c.MaxWindow < 1 {
		return fmt.Errorf("cqt: max window must be >= 1, got %d", c.MaxWindow)
	}
	if c.Floor <= 0 || c.Floor >= 1 {
		return fmt.Errorf("cqt: floor must be in (0, 1), got %g", c.Floor)
	}
	if _, err := CurveByName(c.CurveName); err != nil {
		return err
	}
	return nil
}

// Q returns the quality factor derived from the bins-per-octave spacing.
func (c Config) Q() float64 {
	return 1 / (math.Pow(2, 1/float64(c.BinsPerOctave)) - 1)
}

// Octaves returns the width of the analyzed range in octaves.
func (c Config) Octaves() float64 {
	return math.Log2(c.MaxFreq / c.MinFreq)
}

// NumBins returns the bin count covering [MinFreq, MaxFreq].
func (c Config) NumBins() int {
	octaves := math.Log2(c.MaxFreq / c.MinFreq)
	return int(math.Floor(octaves*float64(c.BinsPerOctave))) + 1
}

// CenterFreq returns bin n's center frequency. Centers are strictly
// increasing in n.
func (c Config) CenterFreq(n int) float64 {
	return c.MinFreq * math.Pow(2, float64(n)/float64(c.BinsPerOctave))
}

// WindowLength returns the window length for a bin at freq, in input-rate
// samples: cycles-at-Q clamped to [MinWindow, MaxWindow].
func (c Config) WindowLength(freq float64) int {
	n := int(math.Ceil(c.Q() * c.SampleRate / freq))
	if n < c.MinWindow {
		n = c.MinWindow
	}
	if n > c.MaxWindow {
		n = c.MaxWindow
	}
	return n
}

// TierFor returns the decimation tier (power-of-2 exponent) for a bin at
// freq. A bin decimates as long as the tier rate keeps a 4x margin over
// the bin frequency.
func (c Config) TierFor(freq float64) int {
	nyquist := c.SampleRate / 2
	ratio := nyquist / (4 * freq)
	if ratio < 1 {
		return 0
	}
	return bitint.FloorLog2(int(ratio))
}

// Tiers returns the number of cascade tiers the config needs, tier 0
// included.
func (c Config) Tiers() int {
	return c.TierFor(c.MinFreq) + 1
}
