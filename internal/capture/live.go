// SPDX-License-Identifier: MIT
/*
Package capture feeds the analyzer graph with sample blocks, either from
a live PortAudio input stream or from a WAV file. Both sources implement
graph.Source: one block per tick, underrun and device loss reported
through the graph's error taxonomy.

Thread Safety:
- The PortAudio callback hands blocks to the tick loop over a buffered
  channel and never blocks
- Pre-allocates the mono downmix buffer to avoid GC in the callback
- Locks the OS thread during callback processing
*/
package capture

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"spectra/internal/config"
	"spectra/internal/dsp"
	"spectra/internal/graph"
	"spectra/internal/log"
)

// blockQueueLen bounds how many capture buffers may pile up between
// ticks before the callback starts dropping.
const blockQueueLen = 8

// LiveSource captures from a PortAudio input device. The callback
// downmixes to mono float64 and queues blocks; Pull drains the queue
// into one contiguous block per tick.
type LiveSource struct {
	cfg          *config.Config
	inputDevice  *portaudio.DeviceInfo
	inputLatency time.Duration
	stream       *portaudio.Stream

	blocks chan dsp.SampleBlock
	mono   []float64
	start  uint64 // sample index of the next callback block

	gateEnabled   atomic.Bool
	gateThreshold atomic.Uint64 // math.Float64bits of the peak threshold

	lost    atomic.Bool
	dropped atomic.Uint64
}

// NewLiveSource resolves the configured input device and prepares the
// capture buffers. The stream is not started until Start.
func NewLiveSource(cfg *config.Config) (*LiveSource, error) {
	inputDevice, err := InputDevice(cfg.Audio.InputDevice)
	if err != nil {
		return nil, err
	}

	s := &LiveSource{
		cfg:         cfg,
		inputDevice: inputDevice,
		blocks:      make(chan dsp.SampleBlock, blockQueueLen),
		mono:        make([]float64, cfg.Audio.FramesPerBuffer),
	}

	if cfg.Audio.LowLatency {
		s.inputLatency = inputDevice.DefaultLowInputLatency
	} else {
		s.inputLatency = inputDevice.DefaultHighInputLatency
	}

	s.gateEnabled.Store(cfg.Audio.GateEnabled)
	s.SetGateThreshold(cfg.Audio.GateThreshold)

	return s, nil
}

// Start opens and starts the input stream. The first callback marks the
// start of the hot path.
func (s *LiveSource) Start() error {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: s.cfg.Audio.Channels,
			Device:   s.inputDevice,
			Latency:  s.inputLatency,
		},
		FramesPerBuffer: s.cfg.Audio.FramesPerBuffer,
		SampleRate:      s.cfg.Audio.SampleRate,
	}

	stream, err := portaudio.OpenStream(params, s.processInputStream)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	s.stream = stream

	if err := s.stream.Start(); err != nil {
		s.stream.Close()
		s.stream = nil
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	log.Infof("capture: input stream started on %q (%.0f Hz, %d frames/buffer)",
		s.inputDevice.Name, s.cfg.Audio.SampleRate, s.cfg.Audio.FramesPerBuffer)
	return nil
}

// Stop stops and closes the input stream.
func (s *LiveSource) Stop() error {
	if s.stream == nil {
		return nil
	}
	if err := s.stream.Stop(); err != nil {
		return err
	}
	if err := s.stream.Close(); err != nil {
		return err
	}
	s.stream = nil
	return nil
}

// MarkLost flags the device as gone. The next Pull reports
// ErrDeviceLost and the engine shuts down rather than self-healing.
func (s *LiveSource) MarkLost() {
	s.lost.Store(true)
}

// Dropped returns how many capture buffers were discarded because the
// tick loop fell behind.
func (s *LiveSource) Dropped() uint64 { return s.dropped.Load() }

// Pull drains every queued capture block into one contiguous block. An
// empty queue is an underrun; the graph holds the previous block.
func (s *LiveSource) Pull(tick uint64) (dsp.SampleBlock, error) {
	if s.lost.Load() {
		return dsp.SampleBlock{}, graph.ErrDeviceLost
	}

	var out dsp.SampleBlock
	for {
		select {
		case b := <-s.blocks:
			if out.Empty() {
				out = b
			} else {
				out.Samples = append(out.Samples, b.Samples...)
			}
		default:
			if out.Empty() {
				return dsp.SampleBlock{}, graph.ErrInputUnderrun
			}
			return out, nil
		}
	}
}

// processInputStream is the PortAudio callback.
// Performance Critical:
// - Runs in a dedicated OS thread (LockOSThread)
// - Uses the pre-allocated mono buffer only
// - Never blocks on the queue; drops instead
func (s *LiveSource) processInputStream(in []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	channels := s.cfg.Audio.Channels
	frames := len(in) / channels
	if frames > len(s.mono) {
		frames = len(s.mono)
	}

	var peak float64
	if channels == 1 {
		for i := range frames {
			v := float64(in[i])
			s.mono[i] = v
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	} else {
		scale := 1 / float64(channels)
		for i := range frames {
			sum := 0.0
			for c := range channels {
				sum += float64(in[i*channels+c])
			}
			v := sum * scale
			s.mono[i] = v
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	}

	samples := make([]float64, frames)
	if s.gateEnabled.Load() && peak <= s.GateThreshold() {
		// Below the gate: deliver silence so the spectrum decays
		// instead of freezing on the last audible block.
	} else {
		copy(samples, s.mono[:frames])
	}

	block := dsp.SampleBlock{
		Samples:    samples,
		SampleRate: s.cfg.Audio.SampleRate,
		Channels:   1,
		Start:      s.start,
	}
	s.start += uint64(frames)

	select {
	case s.blocks <- block:
	default:
		s.dropped.Add(1)
	}
}
