// Package dsp implements the sample-domain half of the analyzer: the
// SampleBlock stream type and the anti-aliased multi-stage decimation
// cascade that feeds the filter bank's octave tiers.
package dsp

// SampleBlock is an immutable run of mono PCM samples. Start is the index
// of Samples[0] counted in samples at SampleRate since the stream began,
// so blocks from one producer are strictly ordered by Start.
//
// Degraded marks a block synthesized to cover an input underrun; its
// samples are valid (filter-state decay toward silence) but carry no new
// signal.
type SampleBlock struct {
	Samples    []float64
	SampleRate float64
	Channels   int
	Start      uint64
	Degraded   bool
}

// Len returns the number of samples in the block.
func (b SampleBlock) Len() int { return len(b.Samples) }

// Empty reports whether the block carries no samples.
func (b SampleBlock) Empty() bool { return len(b.Samples) == 0 }
