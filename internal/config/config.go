// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pitchscope/internal/log"
	"pitchscope/pkg/bitint"

	"gopkg.in/yaml.v3"
)

// Core configuration constants that define the boundaries and defaults
// for the capture and detection pipeline.
const (
	// Audio defaults
	DefaultBackend         = BackendPortAudio
	DefaultDeviceID        = MinDeviceID // System default input device
	DefaultSampleRate      = 44100       // CD-quality audio
	DefaultFramesPerBuffer = 0           // Let the driver pick the callback size
	DefaultLowLatency      = false       // Standard latency mode

	// Detection defaults
	DefaultWindowSize     = 4096  // Samples per detection attempt
	DefaultMinFrequency   = 50.0  // Lower bound of the note search (Hz)
	DefaultMaxFrequency   = 440.0 // Upper bound of the note search (Hz)
	DefaultQueueCapacity  = 1024  // Chunks queued between callback and worker
	DefaultResultCapacity = 1024  // Notes queued between worker and display
	DefaultGateThreshold  = 0.0   // Noise gate disabled

	// Hardware and processing limits
	MinDeviceID     = -1     // -1 represents system default device
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192   // Maximum frames per callback
	MaxWindowSize   = 1 << 16

	DefaultConfigFile = "pitchscope.yaml"
)

// Capture backends.
const (
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	LogLevel  string          `yaml:"log_level"` // Logging level ("debug", "info", "warn", "error").
	LogFile   string          `yaml:"log_file"`  // Log destination while the TUI owns the terminal.
	Audio     AudioConfig     `yaml:"audio"`
	Detection DetectionConfig `yaml:"detection"`
	Recording RecordingConfig `yaml:"recording"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Set from the command line only.
	Command  string `yaml:"-"` // One-off command ("list") instead of running the pipeline.
	Headless bool   `yaml:"-"` // Log notes instead of starting the TUI.
}

// AudioConfig holds settings for the capture stream.
type AudioConfig struct {
	Backend         string  `yaml:"backend"`           // "portaudio" or "malgo".
	InputDevice     int     `yaml:"input_device"`      // Device index for audio input (-1 for default).
	SampleRate      float64 `yaml:"sample_rate"`       // Fixed for the life of the process.
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // Frames per callback, 0 lets the driver decide.
	LowLatency      bool    `yaml:"low_latency"`       // Request the device's low input latency.
}

// DetectionConfig holds settings for the detection worker.
type DetectionConfig struct {
	WindowSize     int     `yaml:"window_size"`     // Samples per window, power of 2.
	MinFrequency   float64 `yaml:"min_frequency"`   // Search range lower bound (Hz).
	MaxFrequency   float64 `yaml:"max_frequency"`   // Search range upper bound (Hz).
	QueueCapacity  int     `yaml:"queue_capacity"`  // Sample chunk queue depth.
	ResultCapacity int     `yaml:"result_capacity"` // Note queue depth.
	GateThreshold  float64 `yaml:"gate_threshold"`  // Peak amplitude (0-1) below which windows are skipped, 0 disables.
}

// RecordingConfig holds settings for recording analysed windows to WAV.
type RecordingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputFile string `yaml:"output_file"` // Empty generates recording-DD-MM-YYYY-HHMMSS.wav.
	BitDepth   int    `yaml:"bit_depth"`   // 16 or 24.
}

// TransportConfig holds settings for mirroring detected notes off-process.
type TransportConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	UDP       UDPConfig       `yaml:"udp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// WebSocketConfig configures the JSON note broadcast server.
type WebSocketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Address string  `yaml:"address"`  // Listen address, e.g. ":8080".
	MaxRate float64 `yaml:"max_rate"` // Broadcasts per second, 0 is unlimited.
}

// UDPConfig configures the binary note packet publisher.
type UDPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TargetAddress string        `yaml:"target_address"` // e.g. "127.0.0.1:9090".
	SendInterval  time.Duration `yaml:"send_interval"`
}

// MQTTConfig configures publishing note events to a broker.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. "tcp://localhost:1883".
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			Backend:         DefaultBackend,
			InputDevice:     DefaultDeviceID,
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
			LowLatency:      DefaultLowLatency,
		},
		Detection: DetectionConfig{
			WindowSize:     DefaultWindowSize,
			MinFrequency:   DefaultMinFrequency,
			MaxFrequency:   DefaultMaxFrequency,
			QueueCapacity:  DefaultQueueCapacity,
			ResultCapacity: DefaultResultCapacity,
			GateThreshold:  DefaultGateThreshold,
		},
		Recording: RecordingConfig{
			Enabled:  false,
			BitDepth: 16,
		},
		Transport: TransportConfig{
			WebSocket: WebSocketConfig{
				Enabled: false,
				Address: ":8080",
				MaxRate: 30,
			},
			UDP: UDPConfig{
				Enabled:       false,
				TargetAddress: "127.0.0.1:9090",
				SendInterval:  33 * time.Millisecond, // ~30Hz
			},
			MQTT: MQTTConfig{
				Enabled:  false,
				Broker:   "tcp://localhost:1883",
				Topic:    "pitchscope/notes",
				ClientID: "pitchscope",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
		},
	}
}

// LoadConfig loads configuration from the YAML file at path. An empty path
// looks for DefaultConfigFile in the working directory and falls back to
// built-in defaults. Environment overrides are applied last, then the result
// is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every section and returns all problems joined together.
func (c *Config) Validate() error {
	var errs []error

	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	// Audio
	switch c.Audio.Backend {
	case BackendPortAudio, BackendMalgo:
	default:
		errs = append(errs, fmt.Errorf("audio.backend %q must be %q or %q", c.Audio.Backend, BackendPortAudio, BackendMalgo))
	}
	if c.Audio.InputDevice < MinDeviceID {
		errs = append(errs, fmt.Errorf("audio.input_device %d is invalid (use -1 for the default device)", c.Audio.InputDevice))
	}
	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %.0f outside [%d, %d]", c.Audio.SampleRate, MinSampleRate, MaxSampleRate))
	}
	if c.Audio.FramesPerBuffer < 0 || c.Audio.FramesPerBuffer > MaxBufferFrames {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d outside [0, %d]", c.Audio.FramesPerBuffer, MaxBufferFrames))
	}

	// Detection
	d := c.Detection
	if !bitint.IsPowerOfTwo(d.WindowSize) || d.WindowSize > MaxWindowSize {
		errs = append(errs, fmt.Errorf("detection.window_size %d must be a power of 2 up to %d (try %d)",
			d.WindowSize, MaxWindowSize, bitint.NextPowerOfTwo(d.WindowSize)))
	}
	if d.MinFrequency <= 0 || d.MaxFrequency <= d.MinFrequency {
		errs = append(errs, fmt.Errorf("detection frequency range [%.1f, %.1f] is empty", d.MinFrequency, d.MaxFrequency))
	}
	if d.MaxFrequency >= c.Audio.SampleRate/2 {
		errs = append(errs, fmt.Errorf("detection.max_frequency %.1f must be below Nyquist (%.1f)", d.MaxFrequency, c.Audio.SampleRate/2))
	}
	if d.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("detection.queue_capacity must be positive"))
	}
	if d.ResultCapacity <= 0 {
		errs = append(errs, fmt.Errorf("detection.result_capacity must be positive"))
	}
	if d.GateThreshold < 0 || d.GateThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.gate_threshold %.3f outside [0, 1]", d.GateThreshold))
	}

	// Recording
	if c.Recording.Enabled && c.Recording.BitDepth != 16 && c.Recording.BitDepth != 24 {
		errs = append(errs, fmt.Errorf("recording.bit_depth %d must be 16 or 24", c.Recording.BitDepth))
	}

	// Transport
	t := c.Transport
	if t.WebSocket.Enabled && t.WebSocket.Address == "" {
		errs = append(errs, fmt.Errorf("transport.websocket.address must be set when websocket is enabled"))
	}
	if t.WebSocket.MaxRate < 0 {
		errs = append(errs, fmt.Errorf("transport.websocket.max_rate must not be negative"))
	}
	if t.UDP.Enabled {
		if !strings.Contains(t.UDP.TargetAddress, ":") {
			errs = append(errs, fmt.Errorf("transport.udp.target_address %q appears invalid (missing port?)", t.UDP.TargetAddress))
		}
		if t.UDP.SendInterval <= 0 {
			errs = append(errs, fmt.Errorf("transport.udp.send_interval must be positive when UDP is enabled"))
		}
	}
	if t.MQTT.Enabled {
		if t.MQTT.Broker == "" || t.MQTT.Topic == "" {
			errs = append(errs, fmt.Errorf("transport.mqtt.broker and topic must be set when MQTT is enabled"))
		}
		if t.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("transport.mqtt.qos %d must be 0, 1 or 2", t.MQTT.QoS))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, fmt.Errorf("metrics.address must be set when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides applies ENV_* variables on top of file and default values.
// Unparseable values are ignored with a warning.
func (c *Config) applyEnvOverrides() {
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		c.LogLevel = val
		log.Infof("Config: Overriding log_level from env: %s", val)
	}

	// ENV_AUDIO_{...}

	// ENV_AUDIO_BACKEND
	if val, ok := os.LookupEnv("ENV_AUDIO_BACKEND"); ok {
		c.Audio.Backend = strings.ToLower(val)
		log.Infof("Config: Overriding audio.backend from env: %s", val)
	}
	// ENV_AUDIO_INPUT_DEVICE
	if val, ok := os.LookupEnv("ENV_AUDIO_INPUT_DEVICE"); ok {
		if id, err := strconv.Atoi(val); err == nil {
			c.Audio.InputDevice = id
			log.Infof("Config: Overriding audio.input_device from env: %d", id)
		} else {
			log.Warnf("Config: Ignoring ENV_AUDIO_INPUT_DEVICE=%q: %v", val, err)
		}
	}

	// ENV_WS_{...}

	// ENV_WS_ENABLED
	if val, ok := os.LookupEnv("ENV_WS_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			c.Transport.WebSocket.Enabled = bVal
			log.Infof("Config: Overriding transport.websocket.enabled from env: %v", bVal)
		}
	}
	// ENV_WS_ADDRESS
	if val, ok := os.LookupEnv("ENV_WS_ADDRESS"); ok {
		c.Transport.WebSocket.Address = val
		log.Infof("Config: Overriding transport.websocket.address from env: %s", val)
	}

	// ENV_UDP_{...}

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			c.Transport.UDP.Enabled = bVal
			log.Infof("Config: Overriding transport.udp.enabled from env: %v", bVal)
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		c.Transport.UDP.TargetAddress = val
		log.Infof("Config: Overriding transport.udp.target_address from env: %s", val)
	}
	// ENV_UDP_SEND_INTERVAL
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			c.Transport.UDP.SendInterval = dur
			log.Infof("Config: Overriding transport.udp.send_interval from env: %s", dur)
		}
	}

	// ENV_MQTT_{...}

	// ENV_MQTT_BROKER
	if val, ok := os.LookupEnv("ENV_MQTT_BROKER"); ok {
		c.Transport.MQTT.Broker = val
		c.Transport.MQTT.Enabled = val != ""
		log.Infof("Config: Overriding transport.mqtt.broker from env: %s", val)
	}
}
