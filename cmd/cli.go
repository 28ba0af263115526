package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"spectra/internal/config"
	"spectra/pkg/build"
)

// ParseArgs builds the runtime configuration: YAML file first, then
// command line flags on top for anything explicitly set.
func ParseArgs() (*config.Config, error) {
	buildInfo := build.GetBuildFlags()

	var (
		configPath string
		device     int
		sampleRate float64
		frames     int
		lowLatency bool
		wavFile    string
		wavOnce    bool
		wsAddress  string
		udpTarget  string
		verbose    bool
		listMode   bool
	)

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		Run: func(cmd *cobra.Command, args []string) {
			listMode = true
		},
	}
	rootCmd.AddCommand(listCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "",
		"Path to YAML configuration file")

	// Audio Device Configuration
	rootCmd.PersistentFlags().IntVarP(&device, "device", "d", config.DefaultDeviceID,
		"Specify input device ID. Use 'list' command to see available devices.")
	rootCmd.PersistentFlags().Float64VarP(&sampleRate, "sample-rate", "s", config.DefaultSampleRate,
		"Sample rate, measured in Hertz (Hz)")
	rootCmd.PersistentFlags().IntVarP(&frames, "frames-per-buffer", "b", config.DefaultFramesPerBuffer,
		"The number of frames per capture buffer (affects latency)")
	rootCmd.PersistentFlags().BoolVarP(&lowLatency, "low-latency", "l", false,
		"Use low latency mode for real-time capture")

	// Offline input
	rootCmd.PersistentFlags().StringVarP(&wavFile, "wav", "w", "",
		"Analyze a WAV file instead of a live input device")
	rootCmd.PersistentFlags().BoolVar(&wavOnce, "wav-once", false,
		"Play the WAV file once and exit instead of looping")

	// Transport Configuration
	rootCmd.PersistentFlags().StringVar(&wsAddress, "ws-address", "",
		"WebSocket listen address for spectrum clients (e.g. :8080)")
	rootCmd.PersistentFlags().StringVar(&udpTarget, "udp-target", "",
		"Send binary spectrum packets to this UDP address")

	// Debug Configuration
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Show verbose output")

	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// Flags the user actually set override the file.
	pf := rootCmd.PersistentFlags()
	if pf.Changed("device") {
		cfg.Audio.InputDevice = device
	}
	if pf.Changed("sample-rate") {
		cfg.Audio.SampleRate = sampleRate
	}
	if pf.Changed("frames-per-buffer") {
		cfg.Audio.FramesPerBuffer = frames
	}
	if pf.Changed("low-latency") {
		cfg.Audio.LowLatency = lowLatency
	}
	if pf.Changed("wav") {
		cfg.Audio.WavFile = wavFile
	}
	if pf.Changed("wav-once") {
		cfg.Audio.WavLoop = !wavOnce
	}
	if pf.Changed("ws-address") {
		cfg.Transport.WSEnabled = true
		cfg.Transport.WSAddress = wsAddress
	}
	if pf.Changed("udp-target") {
		cfg.Transport.UDPEnabled = true
		cfg.Transport.UDPTargetAddress = udpTarget
	}
	if verbose {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	if listMode {
		cfg.Command = "list"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
