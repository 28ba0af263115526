// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"spectra/internal/cqt"
	"spectra/internal/graph"
)

// Config is the main application configuration, loaded from YAML.
type Config struct {
	Debug    bool   `yaml:"debug"`             // Enable debug mode (verbose logging).
	LogLevel string `yaml:"log_level"`         // Logging level ("debug", "info", "warn", "error").
	Command  string `yaml:"command,omitempty"` // One-off command to execute instead of running the engine (e.g., "list").

	Audio     AudioConfig     `yaml:"audio"`     // Capture settings.
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`  // Constant-Q filter bank settings.
	Engine    EngineConfig    `yaml:"engine"`    // Tick scheduling and resource settings.
	Transport TransportConfig `yaml:"transport"` // Spectrum publishing settings.
}

// AudioConfig holds capture input settings.
type AudioConfig struct {
	InputDevice     int     `yaml:"input_device"`      // PortAudio device index (-1 for default).
	SampleRate      float64 `yaml:"sample_rate"`       // Sample rate in Hz.
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // Capture buffer size in frames.
	LowLatency      bool    `yaml:"low_latency"`       // Request low latency from the device.
	Channels        int     `yaml:"channels"`          // Input channels to capture; analysis is mono.
	WavFile         string  `yaml:"wav_file"`          // Analyze this WAV file instead of a live device.
	WavLoop         bool    `yaml:"wav_loop"`          // Loop the WAV file instead of stopping at its end.
	GateEnabled     bool    `yaml:"gate_enabled"`      // Zero out capture blocks below the gate threshold.
	GateThreshold   float64 `yaml:"gate_threshold"`    // Gate threshold as a peak amplitude in [0, 1].
}

// AnalyzerConfig holds the constant-Q filter bank settings.
type AnalyzerConfig struct {
	MinFreq       float64 `yaml:"min_freq"`        // Lowest bin center in Hz.
	MaxFreq       float64 `yaml:"max_freq"`        // Highest bin center in Hz.
	BinsPerOctave int     `yaml:"bins_per_octave"` // Frequency resolution.
	MaxWindow     int     `yaml:"max_window"`      // Per-bin window cap in input-rate samples.
	MinWindow     int     `yaml:"min_window"`      // Per-bin window floor; 0 disables.
	TaperLen      int     `yaml:"taper_len"`       // Window edge taper length in decimated samples.
	Curve         string  `yaml:"curve"`           // Perceptual correction curve ("iso226" or "flat").
	Floor         float64 `yaml:"floor"`           // Minimum corrected/raw magnitude ratio.
}

// EngineConfig holds tick scheduling and resource management settings.
type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"` // Spectrum update interval.
	Workers      int           `yaml:"workers"`       // Concurrent stage tasks per wave.
	PoolBudget   int           `yaml:"pool_budget"`   // Resource pool cap in elements; 0 for unbounded.
	MaxStaleness int           `yaml:"max_staleness"` // Ticks of reused output before a stage refuses.
	BridgeTicks  int           `yaml:"bridge_ticks"`  // Old-generation re-serve bound during rebuilds.
	Width        int           `yaml:"width"`         // Initial presentation extent.
	Height       int           `yaml:"height"`
}

// TransportConfig holds settings for publishing the spectrum.
type TransportConfig struct {
	WSEnabled        bool          `yaml:"ws_enabled"`         // Serve frames to WebSocket clients.
	WSAddress        string        `yaml:"ws_address"`         // WebSocket listen address (e.g., ":8080").
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Send binary spectrum packets over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address for UDP packets.
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Minimum interval between UDP packets.
}

// LoadConfig loads configuration from a YAML file at path. If path is
// empty it searches default locations ("config.yaml"). If no file is
// found it uses built-in defaults. Environment overrides apply after
// loading, then the result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := Config{
		Debug:    false,
		LogLevel: DefaultLogLevel,
		Audio: AudioConfig{
			InputDevice:     DefaultDeviceID,
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
			LowLatency:      false,
			Channels:        DefaultChannels,
			WavLoop:         true,
			GateEnabled:     false,
			GateThreshold:   0.001,
		},
		Analyzer: AnalyzerConfig{
			MinFreq:       DefaultMinFreq,
			MaxFreq:       DefaultMaxFreq,
			BinsPerOctave: DefaultBinsPerOctave,
			MaxWindow:     DefaultMaxWindow,
			MinWindow:     0,
			TaperLen:      DefaultTaperLen,
			Curve:         DefaultCurve,
			Floor:         DefaultFloor,
		},
		Engine: EngineConfig{
			TickInterval: time.Second / DefaultTickRate,
			Workers:      2,
			PoolBudget:   0,
			MaxStaleness: 5,
			BridgeTicks:  2,
			Width:        1280,
			Height:       720,
		},
		Transport: TransportConfig{
			WSEnabled:        true,
			WSAddress:        ":8080",
			UDPEnabled:       false,
			UDPTargetAddress: "127.0.0.1:9090",
			UDPSendInterval:  16 * time.Millisecond,
		},
	}

	if path == "" {
		candidates := []string{"config.yaml"}
		found := false
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				found = true
				break
			}
		}
		if !found {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return &cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against the engine's limits. The
// analyzer section is validated by building its filter-bank config.
func (c *Config) Validate() error {
	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		return fmt.Errorf("audio.sample_rate %g outside [%d, %d]", c.Audio.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if c.Audio.FramesPerBuffer < 1 || c.Audio.FramesPerBuffer > MaxBufferFrames {
		return fmt.Errorf("audio.frames_per_buffer %d outside [1, %d]", c.Audio.FramesPerBuffer, MaxBufferFrames)
	}
	if c.Audio.Channels < 1 {
		return fmt.Errorf("audio.channels must be >= 1, got %d", c.Audio.Channels)
	}
	if c.Audio.GateThreshold < 0 || c.Audio.GateThreshold > 1 {
		return fmt.Errorf("audio.gate_threshold %g outside [0, 1]", c.Audio.GateThreshold)
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive, got %s", c.Engine.TickInterval)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be >= 1, got %d", c.Engine.Workers)
	}
	if c.Transport.UDPEnabled && c.Transport.UDPTargetAddress == "" {
		return fmt.Errorf("transport.udp_target_address must be set when UDP is enabled")
	}
	return c.CQT().Validate()
}

// CQT returns the filter-bank configuration derived from the analyzer
// section.
func (c *Config) CQT() cqt.Config {
	return cqt.Config{
		SampleRate:    c.Audio.SampleRate,
		MinFreq:       c.Analyzer.MinFreq,
		MaxFreq:       c.Analyzer.MaxFreq,
		BinsPerOctave: c.Analyzer.BinsPerOctave,
		MaxWindow:     c.Analyzer.MaxWindow,
		MinWindow:     c.Analyzer.MinWindow,
		TaperLen:      c.Analyzer.TaperLen,
		CurveName:     c.Analyzer.Curve,
		Floor:         c.Analyzer.Floor,
	}
}

// Graph returns the task-graph configuration derived from the engine
// section.
func (c *Config) Graph() graph.Config {
	g := graph.DefaultConfig()
	g.PoolBudget = c.Engine.PoolBudget
	g.MaxStaleness = c.Engine.MaxStaleness
	g.BridgeTicks = c.Engine.BridgeTicks
	g.Extent = graph.Extent{Width: c.Engine.Width, Height: c.Engine.Height}
	return g
}

func (cfg *Config) applyEnvOverrides() {
	// SPECTRA_{...} overrides win over both defaults and the file.

	if val, ok := os.LookupEnv("SPECTRA_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Debug = bVal
		}
	}
	if val, ok := os.LookupEnv("SPECTRA_LOG_LEVEL"); ok {
		cfg.LogLevel = val
	}
	if val, ok := os.LookupEnv("SPECTRA_WS_ADDRESS"); ok {
		cfg.Transport.WSAddress = val
	}
	if val, ok := os.LookupEnv("SPECTRA_UDP_TARGET_ADDRESS"); ok {
		cfg.Transport.UDPTargetAddress = val
	}
	if val, ok := os.LookupEnv("SPECTRA_WAV_FILE"); ok {
		cfg.Audio.WavFile = val
	}
}
