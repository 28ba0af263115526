package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"spectra/cmd"
	"spectra/internal/capture"
	"spectra/internal/config"
	"spectra/internal/graph"
	"spectra/internal/log"
	"spectra/internal/transport"
	"spectra/pkg/build"
)

// main is the entry point for the spectrum analyzer.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Parse command line arguments and load configuration
//   - Execute one-off commands if requested
//   - Construct the task graph: source, analyzer, consumer, target
//
// 2. Concurrent Phase (Hot Path):
//   - Start the capture stream
//   - Run the tick scheduler until a signal or the input drains
//
// 3. Shutdown Phase (Cold Path):
//   - Stop the capture stream
//   - Close transports and release PortAudio
func main() {
	// ==================== STARTUP PHASE (Cold Path) ====================

	build.Initialize()

	cfg, err := cmd.ParseArgs()
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	if level, ok := log.ParseLevel(cfg.LogLevel); ok {
		log.SetLevel(level)
	}
	if cfg.Debug {
		log.SetLevel(log.LevelDebug)
	}

	// One-off commands run without the engine.
	if cfg.Command == "list" {
		if err := capture.Initialize(); err != nil {
			log.Fatalf("startup: %v", err)
		}
		defer capture.Terminate()
		if err := capture.ListDevices(); err != nil {
			log.Fatalf("startup: %v", err)
		}
		return
	}

	source, cleanup, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer cleanup()

	g := graph.New(cfg.Graph())

	var transports []transport.Transport
	if cfg.Transport.WSEnabled {
		transports = append(transports,
			transport.NewWebSocketTransport(cfg.Transport.WSAddress, g.NotifyExtent))
	}
	if cfg.Transport.UDPEnabled {
		sender, err := transport.NewUDPSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			log.Fatalf("startup: %v", err)
		}
		transports = append(transports,
			transport.NewPacketPublisher(sender, cfg.Transport.UDPSendInterval))
	}
	fan := transport.NewFanOut(transports...)
	defer fan.Close()

	srcID := g.AddSource("input", source)
	anID, err := g.AddAnalyzer("cqt", graph.NewAnalyzerBuilder(cfg.CQT()))
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	consID := g.AddConsumer("publish", fan)
	targetID := g.AddTarget("viewport")

	for _, e := range []struct {
		from, to graph.NodeID
		kind     graph.PayloadKind
	}{
		{srcID, anID, graph.PayloadSamples},
		{anID, consID, graph.PayloadSpectrum},
		{targetID, anID, graph.PayloadReconfig},
	} {
		if err := g.Connect(e.from, e.to, e.kind); err != nil {
			log.Fatalf("startup: %v", err)
		}
	}

	// ==================== CONCURRENT PHASE (Hot Path) ====================

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := graph.NewScheduler(g, cfg.Engine.TickInterval, cfg.Engine.Workers)
	log.Infof("engine: running at %s per tick", cfg.Engine.TickInterval)

	err = scheduler.Run(ctx)

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	switch {
	case err == nil:
		log.Infof("engine: stopped")
	case errors.Is(err, io.EOF):
		log.Infof("engine: input drained after %d ticks", scheduler.Tick())
	default:
		log.Errorf("engine: %v", err)
	}

	stats := g.Stats()
	log.Infof("engine: %d swaps, %d stale builds discarded, %d underruns",
		stats.Swaps, stats.StaleBuildsDiscarded, stats.Underruns)
}

// buildSource constructs the configured input: a WAV file when one is
// given, the live capture device otherwise. The returned cleanup stops
// the stream and tears down PortAudio as needed.
func buildSource(cfg *config.Config) (graph.Source, func(), error) {
	if cfg.Audio.WavFile != "" {
		src, err := capture.NewWAVSource(cfg.Audio.WavFile, cfg.Audio.FramesPerBuffer, cfg.Audio.WavLoop)
		if err != nil {
			return nil, nil, err
		}
		cfg.Audio.SampleRate = src.SampleRate()
		if nyquist := src.SampleRate() / 2; cfg.Analyzer.MaxFreq >= nyquist {
			cfg.Analyzer.MaxFreq = nyquist * 0.95
			log.Warnf("capture: clamping max frequency to %.0f Hz for %.0f Hz input",
				cfg.Analyzer.MaxFreq, src.SampleRate())
		}
		return src, func() {}, nil
	}

	if err := capture.Initialize(); err != nil {
		return nil, nil, err
	}
	src, err := capture.NewLiveSource(cfg)
	if err != nil {
		capture.Terminate()
		return nil, nil, err
	}
	if err := src.Start(); err != nil {
		capture.Terminate()
		return nil, nil, err
	}
	cleanup := func() {
		if err := src.Stop(); err != nil {
			log.Errorf("shutdown: stopping input stream: %v", err)
		}
		if err := capture.Terminate(); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}
	return src, cleanup, nil
}
