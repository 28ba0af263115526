package graph

import (
	"fmt"

	"spectra/internal/cqt"
	"spectra/internal/dsp"
	"spectra/internal/log"
)

// CQTStage couples a decimation cascade to a constant-Q analyzer behind
// the Analyzer interface. Each stage instance is one generation: it owns
// its filter state and accumulators, and is thrown away on swap rather
// than resized in place.
type CQTStage struct {
	cfg      cqt.Config
	cascade  *dsp.Cascade
	analyzer *cqt.Analyzer
}

// NewCQTStage builds a stage for cfg.
func NewCQTStage(cfg cqt.Config) (*CQTStage, error) {
	analyzer, err := cqt.NewAnalyzer(cfg)
	if err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}
	return &CQTStage{
		cfg:      cfg,
		cascade:  dsp.NewCascade(cfg.SampleRate, analyzer.Tiers()),
		analyzer: analyzer,
	}, nil
}

// Analyze runs one tick of samples through the cascade and the
// accumulators and returns the current spectrum.
func (s *CQTStage) Analyze(block dsp.SampleBlock) []cqt.Bin {
	s.analyzer.Consume(s.cascade.Process(block))
	return s.analyzer.Produce()
}

// BinCount is fixed for the stage's lifetime.
func (s *CQTStage) BinCount() int { return s.cfg.NumBins() }

// Degraded reports whether either half of the stage served stale or
// gap-filled data this tick.
func (s *CQTStage) Degraded() bool {
	return s.cascade.Degraded() || s.analyzer.Degraded()
}

// pixelsPerBin sets how densely bins pack against the presentation
// width when a builder derives resolution from the extent.
const pixelsPerBin = 8

// NewAnalyzerBuilder returns a builder that re-derives bin density from
// the presentation extent on every build: wider targets get more bins
// per octave, bounded to keep windows meaningful.
func NewAnalyzerBuilder(base cqt.Config) AnalyzerBuilder {
	return func(extent Extent) (Analyzer, error) {
		cfg := base
		octaves := cfg.Octaves()
		if octaves > 0 && extent.Width > 0 {
			perOctave := extent.Width / pixelsPerBin / int(octaves+0.5)
			cfg.BinsPerOctave = min(max(perOctave, 3), 48)
		}
		log.Debugf("stage: building analyzer for %dx%d extent, %d bins/octave (%d bins)",
			extent.Width, extent.Height, cfg.BinsPerOctave, cfg.NumBins())
		return NewCQTStage(cfg)
	}
}
