// Package config loads relay settings from TOML or YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vision.relay/internal/capture"
	"github.com/banshee-data/vision.relay/internal/classify"
	"github.com/banshee-data/vision.relay/internal/perception"
	"github.com/banshee-data/vision.relay/internal/serialmux"
	"github.com/banshee-data/vision.relay/internal/session"
)

// MaxFileSize bounds config files.
const MaxFileSize = 1 * 1024 * 1024

// Duration is a time.Duration written as a string such as "500ms".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the relay configuration. Every section has defaults; files only
// need to name what they change.
type Config struct {
	Serial     SerialConfig     `toml:"serial" yaml:"serial"`
	Handshake  HandshakeConfig  `toml:"handshake" yaml:"handshake"`
	Loop       LoopConfig       `toml:"loop" yaml:"loop"`
	Capture    CaptureConfig    `toml:"capture" yaml:"capture"`
	Classifier ClassifierConfig `toml:"classifier" yaml:"classifier"`
	Log        LogConfig        `toml:"log" yaml:"log"`
	Debug      DebugConfig      `toml:"debug" yaml:"debug"`
	Journal    JournalConfig    `toml:"journal" yaml:"journal"`
}

type SerialConfig struct {
	// Enabled turns controller communication on.
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Port is an explicit device. Empty means auto-detect.
	Port        string   `toml:"port" yaml:"port"`
	Baud        int      `toml:"baud" yaml:"baud"`
	DataBits    int      `toml:"data_bits" yaml:"data_bits"`
	StopBits    int      `toml:"stop_bits" yaml:"stop_bits"`
	Parity      string   `toml:"parity" yaml:"parity"`
	ReadTimeout Duration `toml:"read_timeout" yaml:"read_timeout"`
	// AllowSilent keeps the relay running when the controller is missing or
	// does not answer the handshake.
	AllowSilent bool `toml:"allow_silent" yaml:"allow_silent"`
}

type HandshakeConfig struct {
	SettleDelay   Duration `toml:"settle_delay" yaml:"settle_delay"`
	Attempts      int      `toml:"attempts" yaml:"attempts"`
	AttemptWindow Duration `toml:"attempt_window" yaml:"attempt_window"`
	ReplyWait     Duration `toml:"reply_wait" yaml:"reply_wait"`
	Ping          string   `toml:"ping" yaml:"ping"`
	ReadyToken    string   `toml:"ready_token" yaml:"ready_token"`
}

type LoopConfig struct {
	Interval  Duration `toml:"interval" yaml:"interval"`
	ShowFPS   bool     `toml:"show_fps" yaml:"show_fps"`
	FPSWindow Duration `toml:"fps_window" yaml:"fps_window"`
	// Headless marks embedded deployments without a terminal. It switches
	// off the interactive quit key unless that is set explicitly.
	Headless    bool `toml:"headless" yaml:"headless"`
	Interactive bool `toml:"interactive" yaml:"interactive"`
}

type CaptureConfig struct {
	// Source is a camera device, video file, URL or, with Dir set, a
	// directory of still images.
	Source      string `toml:"source" yaml:"source"`
	Dir         bool   `toml:"dir" yaml:"dir"`
	InputFormat string `toml:"input_format" yaml:"input_format"`
	Width       int    `toml:"width" yaml:"width"`
	Height      int    `toml:"height" yaml:"height"`
	FPS         int    `toml:"fps" yaml:"fps"`
	FFmpeg      string `toml:"ffmpeg" yaml:"ffmpeg"`
	// Loop restarts a directory source at the end.
	Loop bool `toml:"loop" yaml:"loop"`
}

type ClassifierConfig struct {
	// Worker is the model process command.
	Worker  string   `toml:"worker" yaml:"worker"`
	Args    []string `toml:"args" yaml:"args"`
	Labels  string   `toml:"labels" yaml:"labels"`
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	// Format is "auto", "console" or "json".
	Format string `toml:"format" yaml:"format"`
	// Levels overrides the level per component.
	Levels map[string]string `toml:"levels" yaml:"levels"`
}

type DebugConfig struct {
	// Listen is the debug HTTP address. Empty disables it.
	Listen string `toml:"listen" yaml:"listen"`
}

type JournalConfig struct {
	// Path is the sqlite file. Empty disables the journal.
	Path string `toml:"path" yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Enabled:     true,
			Baud:        serialmux.DefaultBaudRate,
			DataBits:    8,
			StopBits:    1,
			Parity:      "N",
			ReadTimeout: D(session.DefaultReadTimeout),
		},
		Handshake: HandshakeConfig{
			SettleDelay:   D(session.DefaultSettleDelay),
			Attempts:      session.DefaultAttempts,
			AttemptWindow: D(session.DefaultAttemptWindow),
			ReplyWait:     D(session.DefaultReplyWait),
			Ping:          session.DefaultPing,
			ReadyToken:    session.DefaultReadyToken,
		},
		Loop: LoopConfig{
			Interval:    D(perception.DefaultInterval),
			ShowFPS:     true,
			FPSWindow:   D(perception.DefaultFPSWindow),
			Interactive: true,
		},
		Capture: CaptureConfig{
			Source: "0",
			FFmpeg: "ffmpeg",
		},
		Classifier: ClassifierConfig{
			Labels:  "converted_keras/labels.txt",
			Timeout: D(classify.DefaultWorkerTimeout),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads a .toml, .yaml or .yml file over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".toml", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .toml, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	var defined func(section, key string) bool
	if ext == ".toml" {
		defined, err = decodeTOML(data, cfg)
	} else {
		defined, err = decodeYAML(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Loop.Headless && !defined("loop", "interactive") {
		cfg.Loop.Interactive = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeTOML(data []byte, cfg *Config) (func(section, key string) bool, error) {
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return func(section, key string) bool { return meta.IsDefined(section, key) }, nil
}

func decodeYAML(data []byte, cfg *Config) (func(section, key string) bool, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	var raw map[string]map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return func(section, key string) bool {
		_, ok := raw[section][key]
		return ok
	}, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if _, err := c.PortOptions().Normalize(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if c.Serial.ReadTimeout.Duration <= 0 {
		return fmt.Errorf("serial.read_timeout must be positive")
	}
	if c.Handshake.Attempts < 1 {
		return fmt.Errorf("handshake.attempts must be at least 1, got %d", c.Handshake.Attempts)
	}
	if c.Handshake.AttemptWindow.Duration <= 0 {
		return fmt.Errorf("handshake.attempt_window must be positive")
	}
	if c.Handshake.SettleDelay.Duration < 0 {
		return fmt.Errorf("handshake.settle_delay must not be negative")
	}
	if c.Handshake.ReplyWait.Duration < 0 {
		return fmt.Errorf("handshake.reply_wait must not be negative")
	}
	if strings.TrimSpace(c.Handshake.Ping) == "" {
		return fmt.Errorf("handshake.ping must not be empty")
	}
	if strings.TrimSpace(c.Handshake.ReadyToken) == "" {
		return fmt.Errorf("handshake.ready_token must not be empty")
	}
	if c.Loop.Interval.Duration <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	if c.Loop.FPSWindow.Duration <= 0 {
		return fmt.Errorf("loop.fps_window must be positive")
	}
	if c.Capture.Width < 0 || c.Capture.Height < 0 || c.Capture.FPS < 0 {
		return fmt.Errorf("capture width, height and fps must not be negative")
	}
	if c.Classifier.Timeout.Duration <= 0 {
		return fmt.Errorf("classifier.timeout must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for component, level := range c.Log.Levels {
		if _, err := zerolog.ParseLevel(level); err != nil {
			return fmt.Errorf("log.levels.%s: %w", component, err)
		}
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log.format must be auto, console or json, got %q", c.Log.Format)
	}
	return nil
}

// Session returns the controller link settings. It fails only when the
// serial line settings are invalid.
func (c *Config) Session() (session.Config, error) {
	mode, err := c.PortOptions().Mode()
	if err != nil {
		return session.Config{}, fmt.Errorf("serial: %w", err)
	}
	return session.Config{
		Port:              c.Serial.Port,
		Mode:              mode,
		ReadTimeout:       c.Serial.ReadTimeout.Duration,
		SettleDelay:       settle(c.Handshake.SettleDelay.Duration),
		Attempts:          c.Handshake.Attempts,
		AttemptWindow:     c.Handshake.AttemptWindow.Duration,
		ReplyWait:         c.Handshake.ReplyWait.Duration,
		Ping:              c.Handshake.Ping,
		ReadyToken:        c.Handshake.ReadyToken,
		RequireResponding: !c.Serial.AllowSilent,
	}, nil
}

// session treats a zero settle delay as "use the default".
func settle(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// PortOptions returns the serial line settings.
func (c *Config) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: c.Serial.Baud,
		DataBits: c.Serial.DataBits,
		StopBits: c.Serial.StopBits,
		Parity:   c.Serial.Parity,
	}
}

// Perception returns the loop settings.
func (c *Config) Perception() perception.Config {
	return perception.Config{
		Interval:  c.Loop.Interval.Duration,
		ShowFPS:   c.Loop.ShowFPS,
		FPSWindow: c.Loop.FPSWindow.Duration,
	}
}

// FFmpeg returns the camera capture settings.
func (c *Config) FFmpeg() capture.FFmpegConfig {
	return capture.FFmpegConfig{
		Binary:      c.Capture.FFmpeg,
		Input:       c.Capture.Source,
		InputFormat: c.Capture.InputFormat,
		Width:       c.Capture.Width,
		Height:      c.Capture.Height,
		FPS:         c.Capture.FPS,
	}
}

// Worker returns the classifier process settings.
func (c *Config) Worker() classify.WorkerConfig {
	return classify.WorkerConfig{
		Command: c.Classifier.Worker,
		Args:    c.Classifier.Args,
		Timeout: c.Classifier.Timeout.Duration,
	}
}
