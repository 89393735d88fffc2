package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["front_door"] = CameraConfig{
		MainURL: "rtsp://10.0.0.5/main",
		Enabled: true,
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if loaded.Default.TargetFPS != cfg.Default.TargetFPS {
		t.Errorf("Default.TargetFPS = %d, want %d", loaded.Default.TargetFPS, cfg.Default.TargetFPS)
	}
	cam, ok := loaded.Cameras["front_door"]
	if !ok {
		t.Fatal("front_door camera missing after round trip")
	}
	if cam.MainURL != "rtsp://10.0.0.5/main" {
		t.Errorf("MainURL = %q, want rtsp://10.0.0.5/main", cam.MainURL)
	}
	if !cam.Enabled {
		t.Error("Enabled = false, want true")
	}
}

func TestGetCameraConfigMergesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["driveway"] = CameraConfig{
		MainURL:   "rtsp://10.0.0.6/main",
		TargetFPS: 30,
		Enabled:   true,
	}

	merged := cfg.GetCameraConfig("driveway")
	if merged.TargetFPS != 30 {
		t.Errorf("TargetFPS = %d, want 30 (camera override)", merged.TargetFPS)
	}
	if merged.MotionThreshold != cfg.Default.MotionThreshold {
		t.Errorf("MotionThreshold = %d, want inherited %d", merged.MotionThreshold, cfg.Default.MotionThreshold)
	}
	if merged.PreviewURL != merged.MainURL {
		t.Errorf("PreviewURL = %q, want fallback to MainURL %q", merged.PreviewURL, merged.MainURL)
	}
}

func TestGetCameraConfigExplicitPreviewURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["driveway"] = CameraConfig{
		MainURL:    "rtsp://10.0.0.6/main",
		PreviewURL: "rtsp://10.0.0.6/preview",
		Enabled:    true,
	}

	merged := cfg.GetCameraConfig("driveway")
	if merged.PreviewURL != "rtsp://10.0.0.6/preview" {
		t.Errorf("PreviewURL = %q, want explicit preview url", merged.PreviewURL)
	}
}

func TestEnabledCamerasFiltersDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["cam-a"] = CameraConfig{MainURL: "rtsp://a", Enabled: true}
	cfg.Cameras["cam-b"] = CameraConfig{MainURL: "rtsp://b", Enabled: false}

	enabled := cfg.EnabledCameras()
	if len(enabled) != 1 || enabled[0] != "cam-a" {
		t.Errorf("EnabledCameras() = %v, want [cam-a]", enabled)
	}
}

func TestValidateRejectsEnabledCameraWithoutMainURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["cam-a"] = CameraConfig{Enabled: true}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for enabled camera missing main_url")
	}
}

func TestValidateRejectsBadURLScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["cam-a"] = CameraConfig{MainURL: "not-a-url", Enabled: true}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for main_url without an allowed scheme")
	}
}

func TestValidateRejectsBadPreviewURLScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["cam-a"] = CameraConfig{MainURL: "rtsp://a", PreviewURL: "ftp://a", Enabled: true}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for preview_url without an allowed scheme")
	}
}

func TestValidateAcceptsHTTPAndHTTPSSchemes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["cam-a"] = CameraConfig{MainURL: "http://a/stream", Enabled: true}
	cfg.Cameras["cam-b"] = CameraConfig{MainURL: "https://b/stream", Enabled: true}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil for http:// and https:// schemes", err)
	}
}

func TestValidateRejectsBadMotionThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Default.MotionThreshold = 300

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for out-of-range motion_threshold")
	}
}

func TestValidateRejectsBadTargetFPS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Default.TargetFPS = 120

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for out-of-range target_fps")
	}
}

func TestValidatePartialAllowsZeroFieldsOnCameraEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cameras["cam-a"] = CameraConfig{MainURL: "rtsp://a", Enabled: true}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil (zero fields should inherit default)", err)
	}
}

func TestDefaultConfigCameraFieldValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Default.MotionTimeout != 1500*time.Millisecond {
		t.Errorf("MotionTimeout = %v, want 1.5s", cfg.Default.MotionTimeout)
	}
	if cfg.Recorder.GracefulStopTimeout != 3*time.Second {
		t.Errorf("GracefulStopTimeout = %v, want 3s", cfg.Recorder.GracefulStopTimeout)
	}
	if cfg.Supervisor.MaxRestartDelay != 60*time.Second {
		t.Errorf("MaxRestartDelay = %v, want 60s", cfg.Supervisor.MaxRestartDelay)
	}
}
