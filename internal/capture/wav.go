package capture

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"

	"spectra/internal/dsp"
	"spectra/internal/log"
)

// WAVSource replays a WAV file through the graph at tick cadence, for
// offline analysis and as a deterministic workbench input. When looping
// is off, the end of the file surfaces as io.EOF and the engine shuts
// down cleanly.
type WAVSource struct {
	samples []float64
	rate    float64
	frames  int
	pos     int
	start   uint64
	loop    bool
}

// NewWAVSource decodes path fully into memory, downmixed to mono and
// normalized to [-1, 1]. framesPerBuffer is the block size served per
// tick.
func NewWAVSource(path string, framesPerBuffer int, loop bool) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV file %q: %w", path, err)
	}
	if !dec.WasPCMAccessed() || buf.Format == nil {
		return nil, fmt.Errorf("WAV file %q has no PCM data", path)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		return nil, fmt.Errorf("WAV file %q has no channels", path)
	}
	scale := 1.0 / float64(uint64(1)<<(dec.BitDepth-1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := range frames {
		sum := 0.0
		for c := range channels {
			sum += float64(buf.Data[i*channels+c])
		}
		samples[i] = sum * scale / float64(channels)
	}

	log.Infof("capture: loaded %q (%d frames, %d Hz, %d channels)",
		path, frames, buf.Format.SampleRate, channels)

	return &WAVSource{
		samples: samples,
		rate:    float64(buf.Format.SampleRate),
		frames:  framesPerBuffer,
		loop:    loop,
	}, nil
}

// SampleRate returns the file's sample rate in Hz.
func (s *WAVSource) SampleRate() float64 { return s.rate }

// Len returns the total number of mono frames.
func (s *WAVSource) Len() int { return len(s.samples) }

// Pull serves the next block of the file. The sample index keeps
// increasing across loop wraps so downstream accumulator resets stay on
// their deterministic cadence.
func (s *WAVSource) Pull(tick uint64) (dsp.SampleBlock, error) {
	if s.pos >= len(s.samples) {
		if !s.loop {
			return dsp.SampleBlock{}, io.EOF
		}
		s.pos = 0
	}

	end := s.pos + s.frames
	if end > len(s.samples) {
		end = len(s.samples)
	}

	out := make([]float64, end-s.pos)
	copy(out, s.samples[s.pos:end])
	block := dsp.SampleBlock{
		Samples:    out,
		SampleRate: s.rate,
		Channels:   1,
		Start:      s.start,
	}
	s.pos = end
	s.start += uint64(len(out))
	return block, nil
}
