// SPDX-License-Identifier: MIT
// Package cmd parses the command line into a validated configuration.
package cmd

import (
	"fmt"
	"io"
	"os"

	"pitchscope/internal/config"
	"pitchscope/pkg/build"

	"github.com/spf13/cobra"
)

// One-off commands.
const (
	CommandList   = "list"
	CommandSelect = "select"
)

// flagValues receives the raw flag values. Only flags the user actually set
// override the configuration file.
type flagValues struct {
	configFile      string
	device          int
	backend         string
	framesPerBuffer int
	lowLatency      bool
	headless        bool
	record          bool
	output          string
	verbose         bool
	logFile         string
}

// ParseArgs parses os.Args. It returns a nil config when there is nothing
// to run, e.g. after --help or --version.
func ParseArgs() (*config.Config, error) {
	return parseArgs(os.Args[1:], os.Stdout)
}

func parseArgs(args []string, out io.Writer) (*config.Config, error) {
	buildInfo := build.GetBuildFlags()

	var (
		flags  flagValues
		result *config.Config
	)

	run := func(command string) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(c, &flags)
			if err != nil {
				return err
			}
			cfg.Command = command
			result = cfg
			return nil
		}
	}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: run(""),
	}
	rootCmd.SetOut(out)

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// List command
	rootCmd.AddCommand(&cobra.Command{
		Use:   CommandList,
		Short: "List available audio input devices",
		Args:  cobra.NoArgs,
		RunE:  run(CommandList),
	})

	// Select command
	rootCmd.AddCommand(&cobra.Command{
		Use:   CommandSelect,
		Short: "Pick an input device interactively, then start detection",
		Args:  cobra.NoArgs,
		RunE:  run(CommandSelect),
	})

	pf := rootCmd.PersistentFlags()

	pf.StringVarP(&flags.configFile, "config", "c", "",
		fmt.Sprintf("Configuration file (default ./%s if present)", config.DefaultConfigFile))

	// Audio Device Configuration
	pf.IntVarP(&flags.device, "device", "d", config.DefaultDeviceID,
		"Specify input device ID. Use 'list' command to see available devices.")
	pf.StringVar(&flags.backend, "backend", config.DefaultBackend,
		"Capture backend: portaudio or malgo")
	pf.IntVarP(&flags.framesPerBuffer, "frames-per-buffer", "b", config.DefaultFramesPerBuffer,
		"The number of frames per buffer (affects latency, 0 lets the driver decide)")
	pf.BoolVarP(&flags.lowLatency, "low-latency", "l", config.DefaultLowLatency,
		"Use low latency mode for real-time processing")

	// Presentation
	pf.BoolVar(&flags.headless, "headless", false,
		"Log detected notes instead of starting the terminal UI")

	// Recording Configuration
	pf.BoolVarP(&flags.record, "record", "r", false,
		"Record the analysed audio to a WAV file")
	pf.StringVarP(&flags.output, "output", "o", "",
		"Output file name. Default is recording-DD-MM-YYYY-HHMMSS.wav")

	// Debug Configuration
	pf.BoolVarP(&flags.verbose, "verbose", "v", false,
		"Show verbose output")
	pf.StringVar(&flags.logFile, "log-file", "",
		"Write logs to this file while the terminal UI is running")

	// Execute the CLI
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}

	return result, nil
}

// resolveConfig loads the configuration file and applies the flags that
// were set explicitly on top of it.
func resolveConfig(c *cobra.Command, flags *flagValues) (*config.Config, error) {
	cfg, err := config.LoadConfig(flags.configFile)
	if err != nil {
		return nil, err
	}

	set := c.Flags().Changed
	if set("device") {
		cfg.Audio.InputDevice = flags.device
	}
	if set("backend") {
		cfg.Audio.Backend = flags.backend
	}
	if set("frames-per-buffer") {
		cfg.Audio.FramesPerBuffer = flags.framesPerBuffer
	}
	if set("low-latency") {
		cfg.Audio.LowLatency = flags.lowLatency
	}
	if set("record") {
		cfg.Recording.Enabled = flags.record
	}
	if set("output") {
		cfg.Recording.OutputFile = flags.output
	}
	if flags.verbose {
		cfg.LogLevel = "debug"
	}
	if set("log-file") {
		cfg.LogFile = flags.logFile
	}
	cfg.Headless = flags.headless

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
