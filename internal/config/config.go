// Package config loads the strand-cam YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json

	Camera      CameraConfig      `yaml:"camera"`
	HTTP        HTTPConfig        `yaml:"http"`
	Recording   RecordingConfig   `yaml:"recording"`
	Processing  ProcessingConfig  `yaml:"processing"`
	Hook        HookConfig        `yaml:"hook"`
	Device      DeviceConfig      `yaml:"device"`
	Calibration CalibrationConfig `yaml:"calibration"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Database    DatabaseConfig    `yaml:"database"`
	Version     VersionConfig     `yaml:"version"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// CameraConfig selects the capture device.
type CameraConfig struct {
	// Device is a V4L2 path such as /dev/video0, or "synthetic".
	Device string  `yaml:"device"`
	Width  int     `yaml:"width"`  // synthetic only
	Height int     `yaml:"height"` // synthetic only
	FPS    float64 `yaml:"fps"`    // synthetic only
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	Debug       bool   `yaml:"debug"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type RecordingConfig struct {
	Dir    string `yaml:"dir"`
	CsvDir string `yaml:"csv_dir"`
	Ffmpeg string `yaml:"ffmpeg"`
}

type ProcessingConfig struct {
	// ErrorGrace is the suppression window after a dropped-frame notice.
	ErrorGrace time.Duration `yaml:"error_grace"`
	FPSWindow  uint64        `yaml:"fps_window"`
}

// HookConfig points at the external processing service. An empty
// endpoint disables the hook and checkerboard corner finding.
type HookConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Timeout        time.Duration `yaml:"timeout"`
	CornersTimeout time.Duration `yaml:"corners_timeout"`
}

// DeviceConfig describes the auxiliary serial device. An empty serial path
// disables the monitor.
type DeviceConfig struct {
	Serial            string        `yaml:"serial"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type CalibrationConfig struct {
	CameraInfoDir string `yaml:"camera_info_dir"`
}

// MQTTConfig enables the MQTT command source and state publisher when
// Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type VersionConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

type ShutdownConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
	// Timeout bounds the HTTP server drain.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Camera: CameraConfig{
			Device: "synthetic",
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		HTTP: HTTPConfig{
			Addr:        "127.0.0.1:3440",
			JPEGQuality: 80,
		},
		Recording: RecordingConfig{
			Dir:    ".",
			CsvDir: ".",
			Ffmpeg: "ffmpeg",
		},
		Processing: ProcessingConfig{
			ErrorGrace: 5 * time.Second,
			FPSWindow:  100,
		},
		Hook: HookConfig{
			Timeout:        5 * time.Millisecond,
			CornersTimeout: 5 * time.Second,
		},
		Device: DeviceConfig{
			HeartbeatInterval: 500 * time.Millisecond,
		},
		Calibration: CalibrationConfig{
			CameraInfoDir: home + "/.config/strand-cam/camera_info",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "strand-cam",
			QoS:         1,
		},
		Database: DatabaseConfig{
			Path: "strand-cam.db",
		},
		Version: VersionConfig{
			URL:      "https://version-check.strawlab.org/strand-cam",
			Interval: 30 * time.Minute,
		},
		Shutdown: ShutdownConfig{
			PollInterval: 10 * time.Millisecond,
			MaxPolls:     500,
			Timeout:      5 * time.Second,
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv("DISABLE_VERSION_CHECK") != "" {
		c.Version.URL = ""
	}
	if v := getenv("STRANDCAM_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := getenv("STRANDCAM_HOOK_ENDPOINT"); v != "" {
		c.Hook.Endpoint = v
	}
	if v := getenv("STRANDCAM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration and fills derived defaults.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("log_format must be console or json")
	}

	if cfg.Camera.Device == "" {
		return fmt.Errorf("camera.device is required")
	}
	if cfg.Camera.Device == "synthetic" {
		if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
			return fmt.Errorf("camera.width and camera.height must be > 0")
		}
		if cfg.Camera.FPS <= 0 {
			return fmt.Errorf("camera.fps must be > 0")
		}
	}

	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if cfg.HTTP.JPEGQuality < 1 || cfg.HTTP.JPEGQuality > 100 {
		return fmt.Errorf("http.jpeg_quality must be between 1 and 100")
	}

	if cfg.Processing.ErrorGrace < 0 {
		return fmt.Errorf("processing.error_grace must be >= 0")
	}
	if cfg.Processing.FPSWindow == 0 {
		cfg.Processing.FPSWindow = 100
	}

	if cfg.Hook.Endpoint != "" && cfg.Hook.Timeout <= 0 {
		return fmt.Errorf("hook.timeout must be > 0")
	}
	if cfg.Hook.CornersTimeout <= 0 {
		cfg.Hook.CornersTimeout = 5 * time.Second
	}

	if cfg.Device.Serial != "" && cfg.Device.HeartbeatInterval <= 0 {
		return fmt.Errorf("device.heartbeat_interval must be > 0")
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "strand-cam"
		}
	}

	if cfg.Version.URL != "" && cfg.Version.Interval <= 0 {
		cfg.Version.Interval = 30 * time.Minute
	}

	if cfg.Shutdown.PollInterval <= 0 {
		return fmt.Errorf("shutdown.poll_interval must be > 0")
	}
	if cfg.Shutdown.MaxPolls <= 0 {
		return fmt.Errorf("shutdown.max_polls must be > 0")
	}
	return nil
}
