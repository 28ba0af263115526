package cqt

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"

	"spectra/internal/dsp"
)

// Bin is one filter bank output: a center frequency, the window length
// that was actually used for it, and the magnitudes before and after
// perceptual correction. Bins are ordered by strictly increasing center
// frequency; adjacency is octave-meaningful and must be preserved.
type Bin struct {
	Center    float64
	Window    int
	Tier      int
	Magnitude float64
	Corrected float64
}

// binState holds one bin's persistent accumulator. Each bin demodulates
// its tier's samples against a complex oscillator at the center frequency
// and keeps the demodulated terms in a ring spanning the window.
//
// The window slides incrementally: the running sum gains the incoming
// term and loses the expiring one, and the roll-on/roll-off taper is
// applied as an O(taper) edge correction at read time instead of
// re-weighting the whole window.
type binState struct {
	center   float64
	tier     int
	window   int // input-rate samples, capped
	ring     []complex128
	head     int
	sum      complex128
	phase    float64
	velocity float64 // radians per tier-rate sample
	taper    []float64
	pending  int // terms since the last full re-sum
}

// Analyzer is one generation of the constant-Q filter bank. It is
// stateless per call with respect to scheduling: Consume folds tier
// samples into the bins, Produce reads the bins out. Given identical
// input blocks and config the output is bit-reproducible; the ring and
// phase accumulators are the only persistent state.
type Analyzer struct {
	cfg      Config
	curve    Curve
	bins     []*binState
	out      []Bin
	degraded bool
}

// NewAnalyzer builds the bank for cfg. Every derived window length is
// verified against the cap by construction of Config.WindowLength.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	curve, err := CurveByName(cfg.CurveName)
	if err != nil {
		return nil, err
	}

	n := cfg.NumBins()
	bins := make([]*binState, n)
	for i := range bins {
		center := cfg.CenterFreq(i)
		tier := cfg.TierFor(center)
		win := cfg.WindowLength(center)
		factor := 1 << tier
		ringLen := (win + factor - 1) / factor
		if ringLen < 1 {
			ringLen = 1
		}
		tierRate := cfg.SampleRate / float64(factor)
		bins[i] = &binState{
			center:   center,
			tier:     tier,
			window:   win,
			ring:     make([]complex128, ringLen),
			velocity: 2 * math.Pi * center / tierRate,
			taper:    taperWeights(cfg.TaperLen, ringLen),
		}
	}

	return &Analyzer{
		cfg:   cfg,
		curve: curve,
		bins:  bins,
		out:   make([]Bin, n),
	}, nil
}

// taperWeights returns the roll-on weights for one window edge, the
// rising half of a Hann window. The roll-off edge reuses the same
// weights mirrored.
func taperWeights(taperLen, ringLen int) []float64 {
	l := taperLen
	if limit := (ringLen - 1) / 2; l > limit {
		l = limit
	}
	if l < 1 {
		return nil
	}
	buf := make([]float64, 2*l)
	for i := range buf {
		buf[i] = 1
	}
	window.Hann(buf)
	return buf[:l]
}

// Config returns the analyzer's configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// NumBins returns the bin count.
func (a *Analyzer) NumBins() int { return len(a.bins) }

// Tiers returns the number of cascade tiers the analyzer reads.
func (a *Analyzer) Tiers() int { return a.cfg.Tiers() }

// Degraded reports whether the last Consume was fed degraded or missing
// tier data.
func (a *Analyzer) Degraded() bool { return a.degraded }

// Consume folds one tick's tier blocks into every bin. A missing tier
// leaves its bins holding their previous window (stale-hold) and flags
// the analyzer degraded.
func (a *Analyzer) Consume(tiers []dsp.SampleBlock) {
	a.degraded = false
	for _, b := range a.bins {
		if b.tier >= len(tiers) {
			a.degraded = true
			continue
		}
		block := tiers[b.tier]
		if block.Degraded {
			a.degraded = true
		}
		b.consume(block.Samples)
	}
}

func (b *binState) consume(samples []float64) {
	n := len(b.ring)
	for _, x := range samples {
		s, c := math.Sincos(b.phase)
		term := complex(x*c, -x*s)
		b.sum += term - b.ring[b.head]
		b.ring[b.head] = term
		b.head++
		if b.head == n {
			b.head = 0
		}
		b.phase += b.velocity
		if b.phase > 2*math.Pi {
			b.phase -= 2 * math.Pi
		}
		b.pending++
	}
	// Re-sum once per full window traversal to stop rounding drift in
	// the running sum. Keyed to sample count, so reproducibility holds.
	if b.pending >= n {
		b.pending = 0
		var sum complex128
		for _, t := range b.ring {
			sum += t
		}
		b.sum = sum
	}
}

// Produce reads every bin out in ascending frequency order. The returned
// slice is reused across calls; callers that retain it must copy.
func (a *Analyzer) Produce() []Bin {
	for i, b := range a.bins {
		mag := b.magnitude()
		corrected := mag * math.Pow(10, a.curve.GainDB(b.center)/20)
		// The correction may not drop a live bin to nothing.
		if mag > 0 && corrected < a.cfg.Floor*mag {
			corrected = a.cfg.Floor * mag
		}
		a.out[i] = Bin{
			Center:    b.center,
			Window:    b.window,
			Tier:      b.tier,
			Magnitude: mag,
			Corrected: corrected,
		}
	}
	return a.out
}

// magnitude applies the edge taper as a correction against the running
// sum and normalizes. The ring's oldest term sits at head (the next
// overwrite slot), newest at head-1.
func (b *binState) magnitude() float64 {
	n := len(b.ring)
	s := b.sum
	for k, w := range b.taper {
		oldest := b.ring[(b.head+k)%n]
		newest := b.ring[(b.head-1-k+n)%n]
		loss := 1 - w
		s -= complex(real(oldest)*loss, imag(oldest)*loss)
		s -= complex(real(newest)*loss, imag(newest)*loss)
	}
	norm := math.Sqrt2 / float64(n)
	return math.Hypot(real(s), imag(s)) * norm
}
