package dsp

import (
	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// The decimation cascade halves the sample rate once per octave tier. Each
// stage low-passes before it drops samples; the filter runs over every
// input sample so its state stays continuous across block boundaries, and
// the keep/skip counter carries the decimation phase across blocks too.

const (
	// StageFactor is the integer downsample factor of every stage.
	StageFactor = 2

	// lowPassOrder is the Butterworth order of each stage's anti-alias
	// filter.
	lowPassOrder = 8

	// cutoffFraction places the stage cutoff at half the post-decimation
	// Nyquist (inputRate/8 for factor 2).
	cutoffFraction = 0.125
)

// DecimationStage owns one tier's persistent low-pass state and its
// downsample counter. A stage is single-writer: it must only be fed from
// one goroutine at a time.
type DecimationStage struct {
	inRate   float64
	factor   int
	filter   *biquad.Chain
	skip     int
	outCount uint64
	lastLen  int
	degraded bool
}

// NewDecimationStage returns a stage that decimates inRate input by
// StageFactor with an anti-alias low-pass ahead of the drop.
func NewDecimationStage(inRate float64) *DecimationStage {
	coeffs := design.ButterworthLP(cutoffFraction*inRate, lowPassOrder, inRate)
	return &DecimationStage{
		inRate: inRate,
		factor: StageFactor,
		filter: biquad.NewChain(coeffs),
	}
}

// OutputRate returns the stage's decimated sample rate.
func (s *DecimationStage) OutputRate() float64 { return s.inRate / float64(s.factor) }

// Degraded reports whether the most recent output was synthesized to
// cover malformed or missing input.
func (s *DecimationStage) Degraded() bool { return s.degraded }

// Decimate low-passes the block and keeps every factor-th sample. The
// filter must precede the drop: skipping it folds energy above the new
// Nyquist down into the low bins.
//
// An empty or mis-rated block yields a block of the expected length whose
// samples are the filter state decaying over zero input, flagged Degraded.
func (s *DecimationStage) Decimate(in SampleBlock) SampleBlock {
	if in.Empty() || (in.SampleRate != 0 && in.SampleRate != s.inRate) {
		return s.decayBlock(in)
	}
	s.degraded = false
	s.lastLen = in.Len()

	out := s.run(in.Samples)
	block := SampleBlock{
		Samples:    out,
		SampleRate: s.OutputRate(),
		Channels:   in.Channels,
		Start:      s.outCount,
		Degraded:   in.Degraded,
	}
	s.outCount += uint64(len(out))
	return block
}

// run filters every input sample and keeps one in factor, preserving the
// keep phase across calls.
func (s *DecimationStage) run(samples []float64) []float64 {
	out := make([]float64, 0, len(samples)/s.factor+1)
	for _, x := range samples {
		y := s.filter.ProcessSample(x)
		if s.skip == 0 {
			out = append(out, y)
			s.skip = s.factor
		}
		s.skip--
	}
	return out
}

// decayBlock substitutes silence for missing input, letting the low-pass
// state ring down instead of discontinuing it.
func (s *DecimationStage) decayBlock(in SampleBlock) SampleBlock {
	s.degraded = true
	n := s.lastLen
	zeros := make([]float64, n)
	out := s.run(zeros)
	block := SampleBlock{
		Samples:    out,
		SampleRate: s.OutputRate(),
		Channels:   in.Channels,
		Start:      s.outCount,
		Degraded:   true,
	}
	s.outCount += uint64(len(out))
	return block
}

// Cascade chains decimation stages into octave tiers. Tier 0 is the
// undecimated input; tier k runs at sampleRate/2^k.
type Cascade struct {
	sampleRate float64
	stages     []*DecimationStage
}

// NewCascade builds a cascade producing tiers tiers (including tier 0).
func NewCascade(sampleRate float64, tiers int) *Cascade {
	if tiers < 1 {
		tiers = 1
	}
	stages := make([]*DecimationStage, tiers-1)
	rate := sampleRate
	for i := range stages {
		stages[i] = NewDecimationStage(rate)
		rate /= StageFactor
	}
	return &Cascade{sampleRate: sampleRate, stages: stages}
}

// Tiers returns the number of tiers the cascade produces.
func (c *Cascade) Tiers() int { return len(c.stages) + 1 }

// TierRate returns the sample rate of tier k.
func (c *Cascade) TierRate(k int) float64 {
	rate := c.sampleRate
	for range k {
		rate /= StageFactor
	}
	return rate
}

// Process feeds one block through the cascade and returns every tier's
// output for this tick, tier 0 first. The returned slice is freshly
// allocated; tier blocks are immutable once returned.
func (c *Cascade) Process(block SampleBlock) []SampleBlock {
	out := make([]SampleBlock, c.Tiers())
	out[0] = block
	for i, stage := range c.stages {
		out[i+1] = stage.Decimate(out[i])
	}
	return out
}

// Degraded reports whether any stage synthesized output on the last call.
func (c *Cascade) Degraded() bool {
	for _, s := range c.stages {
		if s.Degraded() {
			return true
		}
	}
	return false
}
