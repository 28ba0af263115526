package config

// Core configuration constants that bound and default the analyzer
// engine.
const (
	// Default values for the engine configuration
	DefaultSampleRate      = 48000 // Matches most capture hardware
	DefaultFramesPerBuffer = 800   // One tick of samples at 60 Hz
	DefaultChannels        = 1     // Mono analysis
	DefaultDeviceID        = MinDeviceID
	DefaultTickRate        = 60 // Spectrum updates per second
	DefaultLogLevel        = "info"

	// Hardware and processing limits
	MinDeviceID     = -1     // -1 represents the system default device
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192   // Maximum frames per capture buffer

	// Analyzer defaults span the musical range at semitone resolution.
	DefaultMinFreq       = 55
	DefaultMaxFreq       = 14080
	DefaultBinsPerOctave = 12
	DefaultMaxWindow     = 4096
	DefaultTaperLen      = 16
	DefaultCurve         = "iso226"
	DefaultFloor         = 1e-4
)
