// Package config loads the autopilot runtime configuration from JSON or
// YAML. Optional fields are pointers; the Get* accessors supply defaults for
// anything a file leaves out, so partial configs are safe.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/autopilot.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Stage kinds.
const (
	KindLane      = "lane"
	KindDetection = "detection"
)

// Bus kinds.
const (
	BusI2C    = "i2c"
	BusSerial = "serial"
	BusFile   = "file"
)

// Config is the root configuration.
type Config struct {
	Camera       CameraConfig       `json:"camera" yaml:"camera"`
	Bus          BusConfig          `json:"bus" yaml:"bus"`
	Actuation    ActuationConfig    `json:"actuation" yaml:"actuation"`
	Presentation PresentationConfig `json:"presentation" yaml:"presentation"`
	Stages       []StageConfig      `json:"stages" yaml:"stages"`
	Display      DisplayConfig      `json:"display" yaml:"display"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
}

// CameraConfig selects the frame source.
type CameraConfig struct {
	Device    *string  `json:"device,omitempty" yaml:"device,omitempty"`
	Width     *int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height    *int     `json:"height,omitempty" yaml:"height,omitempty"`
	Synthetic *bool    `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
	FPS       *float64 `json:"fps,omitempty" yaml:"fps,omitempty"` // synthetic only
}

// BusConfig selects how frames reach the controller.
type BusConfig struct {
	Kind    *string      `json:"kind,omitempty" yaml:"kind,omitempty"`
	Path    *string      `json:"path,omitempty" yaml:"path,omitempty"`
	Address *int         `json:"address,omitempty" yaml:"address,omitempty"`
	Serial  SerialConfig `json:"serial" yaml:"serial"`
}

// SerialConfig mirrors the UART options of the serial bus.
type SerialConfig struct {
	BaudRate int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty" yaml:"parity,omitempty"`
}

// ActuationConfig sets the link cadence and the initial command.
type ActuationConfig struct {
	Interval *string `json:"interval,omitempty" yaml:"interval,omitempty"` // duration string like "50ms"
	Speed    *int    `json:"speed,omitempty" yaml:"speed,omitempty"`
	Lights   *bool   `json:"lights,omitempty" yaml:"lights,omitempty"`
	Debug    *bool   `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// PresentationConfig configures the raw frame view.
type PresentationConfig struct {
	Enabled *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Channel *string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Poll    *string `json:"poll,omitempty" yaml:"poll,omitempty"`
}

// StageConfig configures one perception stage.
type StageConfig struct {
	Name      string   `json:"name" yaml:"name"`
	Kind      string   `json:"kind" yaml:"kind"`
	Enabled   *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Channel   *string  `json:"channel,omitempty" yaml:"channel,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Idle      *string  `json:"idle,omitempty" yaml:"idle,omitempty"`
	ModelPath string   `json:"model_path,omitempty" yaml:"model_path,omitempty"`
	LabelPath string   `json:"label_path,omitempty" yaml:"label_path,omitempty"`
	Engine    *string  `json:"engine,omitempty" yaml:"engine,omitempty"` // inference server endpoint
	Timeout   *string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DisplayConfig configures the HTTP frame hub.
type DisplayConfig struct {
	Listen         *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	Quality        *int    `json:"quality,omitempty" yaml:"quality,omitempty"`
	StatusInterval *string `json:"status_interval,omitempty" yaml:"status_interval,omitempty"`
}

// TelemetryConfig configures the stats database.
type TelemetryConfig struct {
	Enabled       *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	DBPath        *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	FlushInterval *string `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// Default returns a configuration that runs on a development host: a
// synthetic camera, a file bus and the lane stage.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{Synthetic: ptrBool(true)},
		Bus:    BusConfig{Kind: ptrString(BusFile)},
		Stages: []StageConfig{{Name: "lane", Kind: KindLane}},
	}
}

// Load reads a .json, .yaml or .yml config file and validates it.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up towards the repository root. It panics if the file cannot be
// loaded and is intended for tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	var errs []error
	check := func(field string, d *string) {
		if d == nil || *d == "" {
			return
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", field, *d, err))
		} else if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field, v))
		}
	}

	if c.Camera.Width != nil && *c.Camera.Width < 0 {
		errs = append(errs, fmt.Errorf("camera.width must be non-negative, got %d", *c.Camera.Width))
	}
	if c.Camera.Height != nil && *c.Camera.Height < 0 {
		errs = append(errs, fmt.Errorf("camera.height must be non-negative, got %d", *c.Camera.Height))
	}
	if c.Camera.FPS != nil && *c.Camera.FPS < 0 {
		errs = append(errs, fmt.Errorf("camera.fps must be non-negative, got %g", *c.Camera.FPS))
	}

	switch c.Bus.GetKind() {
	case BusI2C, BusSerial, BusFile:
	default:
		errs = append(errs, fmt.Errorf("bus.kind must be %s, %s or %s, got %q", BusI2C, BusSerial, BusFile, c.Bus.GetKind()))
	}
	if c.Bus.Address != nil && (*c.Bus.Address < 0 || *c.Bus.Address > 0x7f) {
		errs = append(errs, fmt.Errorf("bus.address must be a 7-bit address, got %#x", *c.Bus.Address))
	}

	check("actuation.interval", c.Actuation.Interval)
	if c.Actuation.Speed != nil && (*c.Actuation.Speed < -32768 || *c.Actuation.Speed > 32767) {
		errs = append(errs, fmt.Errorf("actuation.speed must fit in 16 bits, got %d", *c.Actuation.Speed))
	}
	check("presentation.poll", c.Presentation.Poll)

	seen := make(map[string]bool)
	for i, s := range c.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stages[%d] has no name", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate stage name %q", s.Name))
		}
		seen[s.Name] = true

		switch s.Kind {
		case KindLane:
		case KindDetection:
			if s.ModelPath == "" {
				errs = append(errs, fmt.Errorf("stage %q: detection stages need model_path", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("stage %q: kind must be %s or %s, got %q", s.Name, KindLane, KindDetection, s.Kind))
		}
		if s.Threshold != nil && (*s.Threshold < 0 || *s.Threshold > 1) {
			errs = append(errs, fmt.Errorf("stage %q: threshold must be between 0 and 1, got %f", s.Name, *s.Threshold))
		}
		check("stage "+s.Name+" idle", s.Idle)
		check("stage "+s.Name+" timeout", s.Timeout)
	}

	if c.Display.Quality != nil && (*c.Display.Quality < 1 || *c.Display.Quality > 100) {
		errs = append(errs, fmt.Errorf("display.quality must be between 1 and 100, got %d", *c.Display.Quality))
	}
	check("display.status_interval", c.Display.StatusInterval)
	check("telemetry.flush_interval", c.Telemetry.FlushInterval)

	return errors.Join(errs...)
}

// duration parses d, falling back to def when unset or invalid.
func duration(d *string, def time.Duration) time.Duration {
	if d == nil || *d == "" {
		return def
	}
	v, err := time.ParseDuration(*d)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// GetDevice returns the V4L2 device path.
func (c CameraConfig) GetDevice() string {
	if c.Device == nil || *c.Device == "" {
		return "/dev/video0"
	}
	return *c.Device
}

// GetWidth returns the requested width; zero lets the device choose.
func (c CameraConfig) GetWidth() int {
	if c.Width == nil {
		return 0
	}
	return *c.Width
}

// GetHeight returns the requested height; zero lets the device choose.
func (c CameraConfig) GetHeight() int {
	if c.Height == nil {
		return 0
	}
	return *c.Height
}

func (c CameraConfig) GetSynthetic() bool {
	return c.Synthetic != nil && *c.Synthetic
}

func (c CameraConfig) GetFPS() float64 {
	if c.FPS == nil {
		return 30
	}
	return *c.FPS
}

func (c BusConfig) GetKind() string {
	if c.Kind == nil || *c.Kind == "" {
		return BusI2C
	}
	return strings.ToLower(*c.Kind)
}

// GetPath returns the bus device path. For the file bus it is the directory
// frames are written into.
func (c BusConfig) GetPath() string {
	if c.Path != nil && *c.Path != "" {
		return *c.Path
	}
	switch c.GetKind() {
	case BusSerial:
		return "/dev/ttyACM0"
	case BusFile:
		return os.TempDir()
	}
	return "/dev/i2c-1"
}

func (c BusConfig) GetAddress() byte {
	if c.Address == nil {
		return 0x04
	}
	return byte(*c.Address)
}

func (c ActuationConfig) GetInterval() time.Duration {
	return duration(c.Interval, 50*time.Millisecond)
}

func (c ActuationConfig) GetSpeed() int16 {
	if c.Speed == nil {
		return 0
	}
	return int16(*c.Speed)
}

func (c ActuationConfig) GetLights() bool { return c.Lights != nil && *c.Lights }
func (c ActuationConfig) GetDebug() bool  { return c.Debug != nil && *c.Debug }

func (c PresentationConfig) GetEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c PresentationConfig) GetChannel() string {
	if c.Channel == nil || *c.Channel == "" {
		return "frame"
	}
	return *c.Channel
}

func (c PresentationConfig) GetPoll() time.Duration {
	return duration(c.Poll, time.Millisecond)
}

func (s StageConfig) GetEnabled() bool { return s.Enabled == nil || *s.Enabled }

// GetChannel returns the display channel, defaulting to the stage name.
func (s StageConfig) GetChannel() string {
	if s.Channel == nil || *s.Channel == "" {
		return s.Name
	}
	return *s.Channel
}

func (s StageConfig) GetThreshold() float64 {
	if s.Threshold == nil {
		return 0.7
	}
	return *s.Threshold
}

// GetIdle returns the pause between iterations.
func (s StageConfig) GetIdle() time.Duration {
	return duration(s.Idle, 30*time.Millisecond)
}

func (s StageConfig) GetEngine() string {
	if s.Engine == nil || *s.Engine == "" {
		return "tcp://127.0.0.1:5555"
	}
	return *s.Engine
}

func (s StageConfig) GetTimeout() time.Duration {
	return duration(s.Timeout, 2*time.Second)
}

func (c DisplayConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

func (c DisplayConfig) GetQuality() int {
	if c.Quality == nil {
		return 75
	}
	return *c.Quality
}

func (c DisplayConfig) GetStatusInterval() time.Duration {
	return duration(c.StatusInterval, time.Second)
}

func (c TelemetryConfig) GetEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c TelemetryConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "autopilot.db"
	}
	return *c.DBPath
}

func (c TelemetryConfig) GetFlushInterval() time.Duration {
	return duration(c.FlushInterval, 5*time.Second)
}
