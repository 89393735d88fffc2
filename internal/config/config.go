// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/nvr/config.yaml"

// Config is the complete camera-recorder configuration.
type Config struct {
	// Cameras contains per-camera configuration keyed by camera id.
	Cameras map[string]CameraConfig `yaml:"cameras" koanf:"cameras"`

	// Default holds field values a CameraConfig inherits when left unset.
	Default CameraConfig `yaml:"default" koanf:"default"`

	// Recorder settings shared by every camera's Recorder instance.
	Recorder RecorderConfig `yaml:"recorder" koanf:"recorder"`

	// Supervisor settings for the camera process supervisor.
	Supervisor SupervisorConfig `yaml:"supervisor" koanf:"supervisor"`

	// Monitor settings for health/status reporting.
	Monitor MonitorConfig `yaml:"monitor" koanf:"monitor"`
}

// CameraConfig holds one camera's acquisition, motion, and recording
// parameters.
type CameraConfig struct {
	MainURL         string        `yaml:"main_url" koanf:"main_url"`
	PreviewURL      string        `yaml:"preview_url" koanf:"preview_url"` // empty = use MainURL
	MotionThreshold int           `yaml:"motion_threshold" koanf:"motion_threshold"`
	MinContourArea  int           `yaml:"min_contour_area" koanf:"min_contour_area"`
	MotionTimeout   time.Duration `yaml:"motion_timeout" koanf:"motion_timeout"`
	PreRollSeconds  int           `yaml:"pre_roll_seconds" koanf:"pre_roll_seconds"`
	PostRollSeconds int           `yaml:"post_roll_seconds" koanf:"post_roll_seconds"`
	TargetFPS       int           `yaml:"target_fps" koanf:"target_fps"`
	FrameWidth      int           `yaml:"frame_width" koanf:"frame_width"`
	FrameHeight     int           `yaml:"frame_height" koanf:"frame_height"`
	Enabled         bool          `yaml:"enabled" koanf:"enabled"`
}

// RecorderConfig contains ffmpeg/encoder settings shared across cameras.
type RecorderConfig struct {
	FFmpegPath                string        `yaml:"ffmpeg_path" koanf:"ffmpeg_path"`
	OutputDir                 string        `yaml:"output_dir" koanf:"output_dir"`
	WriteQueueCapacity        int           `yaml:"write_queue_capacity" koanf:"write_queue_capacity"`
	MaxRestarts               int           `yaml:"max_restarts" koanf:"max_restarts"`
	MaxConsecutiveWriteErrors int           `yaml:"max_consecutive_write_errors" koanf:"max_consecutive_write_errors"`
	GracefulStopTimeout       time.Duration `yaml:"graceful_stop_timeout" koanf:"graceful_stop_timeout"`
}

// SupervisorConfig contains the camera process supervisor's restart and
// heartbeat settings.
type SupervisorConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" koanf:"heartbeat_timeout"`
	MaxRestartDelay  time.Duration `yaml:"max_restart_delay" koanf:"max_restart_delay"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
}

// MonitorConfig contains health/resource monitoring settings.
type MonitorConfig struct {
	Enabled            bool   `yaml:"enabled" koanf:"enabled"`
	HealthAddr         string `yaml:"health_addr" koanf:"health_addr"`
	DiskLowThresholdMB int64  `yaml:"disk_low_threshold_mb" koanf:"disk_low_threshold_mb"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to path as YAML, atomically.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: write to a temp file in the same directory, sync to
	// disk, then rename to the target path. os.Rename is atomic on most
	// filesystems, so a crash mid-write leaves either the old file or the
	// new file, never a partially-written one.
	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config files may contain camera stream URLs with embedded
	// credentials; keep them owner+group readable only.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// GetCameraConfig returns configuration for a camera, merged over Default
// for any field left unset on the camera-specific entry.
func (c *Config) GetCameraConfig(cameraID string) CameraConfig {
	result := c.Default

	if camCfg, ok := c.Cameras[cameraID]; ok {
		if camCfg.MainURL != "" {
			result.MainURL = camCfg.MainURL
		}
		if camCfg.PreviewURL != "" {
			result.PreviewURL = camCfg.PreviewURL
		}
		if camCfg.MotionThreshold != 0 {
			result.MotionThreshold = camCfg.MotionThreshold
		}
		if camCfg.MinContourArea != 0 {
			result.MinContourArea = camCfg.MinContourArea
		}
		if camCfg.MotionTimeout != 0 {
			result.MotionTimeout = camCfg.MotionTimeout
		}
		if camCfg.PreRollSeconds != 0 {
			result.PreRollSeconds = camCfg.PreRollSeconds
		}
		if camCfg.PostRollSeconds != 0 {
			result.PostRollSeconds = camCfg.PostRollSeconds
		}
		if camCfg.TargetFPS != 0 {
			result.TargetFPS = camCfg.TargetFPS
		}
		if camCfg.FrameWidth != 0 {
			result.FrameWidth = camCfg.FrameWidth
		}
		if camCfg.FrameHeight != 0 {
			result.FrameHeight = camCfg.FrameHeight
		}
		result.Enabled = camCfg.Enabled
	}

	if result.PreviewURL == "" {
		result.PreviewURL = result.MainURL
	}

	return result
}

// EnabledCameras returns the ids of every camera whose merged config has
// Enabled set.
func (c *Config) EnabledCameras() []string {
	var ids []string
	for id := range c.Cameras {
		if c.GetCameraConfig(id).Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate checks the whole configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Default.validateComplete(); err != nil {
		return fmt.Errorf("default config: %w", err)
	}
	for id, camCfg := range c.Cameras {
		if err := camCfg.validatePartial(); err != nil {
			return fmt.Errorf("camera %q: %w", id, err)
		}
		merged := c.GetCameraConfig(id)
		if merged.Enabled && merged.MainURL == "" {
			return fmt.Errorf("camera %q: main_url is required when enabled", id)
		}
	}
	return nil
}

// Validate checks a fully-merged camera configuration (as returned by
// GetCameraConfig) for invalid values.
func (d *CameraConfig) Validate() error {
	return d.validateComplete()
}

// validateComplete validates a config expected to carry every field
// (the Default entry, which every camera falls back on).
func (d *CameraConfig) validateComplete() error {
	if d.MotionThreshold < 0 || d.MotionThreshold > 255 {
		return fmt.Errorf("motion_threshold must be between 0 and 255")
	}
	if d.MinContourArea <= 0 {
		return fmt.Errorf("min_contour_area must be positive")
	}
	if d.MotionTimeout <= 0 {
		return fmt.Errorf("motion_timeout must be positive")
	}
	if d.PreRollSeconds < 0 {
		return fmt.Errorf("pre_roll_seconds must not be negative")
	}
	if d.PostRollSeconds < 0 {
		return fmt.Errorf("post_roll_seconds must not be negative")
	}
	if d.TargetFPS < 1 || d.TargetFPS > 60 {
		return fmt.Errorf("target_fps must be between 1 and 60")
	}
	if d.FrameWidth <= 0 || d.FrameHeight <= 0 {
		return fmt.Errorf("frame_width and frame_height must be positive")
	}
	if err := validateURLScheme(d.MainURL); err != nil {
		return fmt.Errorf("main_url: %w", err)
	}
	if err := validateURLScheme(d.PreviewURL); err != nil {
		return fmt.Errorf("preview_url: %w", err)
	}
	return nil
}

// validatePartial validates a camera-specific entry that may omit fields
// (0/empty means "inherit from Default").
func (d *CameraConfig) validatePartial() error {
	if d.MotionThreshold < 0 || d.MotionThreshold > 255 {
		return fmt.Errorf("motion_threshold must be between 0 and 255")
	}
	if d.MinContourArea < 0 {
		return fmt.Errorf("min_contour_area must not be negative")
	}
	if d.MotionTimeout < 0 {
		return fmt.Errorf("motion_timeout must not be negative")
	}
	if d.PreRollSeconds < 0 {
		return fmt.Errorf("pre_roll_seconds must not be negative")
	}
	if d.PostRollSeconds < 0 {
		return fmt.Errorf("post_roll_seconds must not be negative")
	}
	if d.TargetFPS < 0 || d.TargetFPS > 60 {
		return fmt.Errorf("target_fps must be between 0 and 60")
	}
	if err := validateURLScheme(d.MainURL); err != nil {
		return fmt.Errorf("main_url: %w", err)
	}
	if err := validateURLScheme(d.PreviewURL); err != nil {
		return fmt.Errorf("preview_url: %w", err)
	}
	return nil
}

// validateURLScheme checks that a non-empty URL begins with one of the
// allowed schemes. An empty URL is left to the caller (partial entries
// may inherit from Default, and Validate already rejects a merged
// config with no main_url).
func validateURLScheme(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	for _, scheme := range []string{"rtsp://", "http://", "https://"} {
		if strings.HasPrefix(rawURL, scheme) {
			return nil
		}
	}
	return fmt.Errorf("must begin with rtsp://, http://, or https://")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cameras: make(map[string]CameraConfig),
		Default: CameraConfig{
			MotionThreshold: 30,
			MinContourArea:  500,
			MotionTimeout:   1500 * time.Millisecond,
			PreRollSeconds:  5,
			PostRollSeconds: 5,
			TargetFPS:       15,
			FrameWidth:      1280,
			FrameHeight:     720,
		},
		Recorder: RecorderConfig{
			FFmpegPath:                "/usr/bin/ffmpeg",
			OutputDir:                 "/var/lib/nvr/recordings",
			WriteQueueCapacity:        1000,
			MaxRestarts:               3,
			MaxConsecutiveWriteErrors: 10,
			GracefulStopTimeout:       3 * time.Second,
		},
		Supervisor: SupervisorConfig{
			HeartbeatTimeout: 15 * time.Second,
			MaxRestartDelay:  60 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled:            true,
			HealthAddr:         "127.0.0.1:9998",
			DiskLowThresholdMB: 1024,
		},
	}
}
