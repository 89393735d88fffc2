package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testYAML = `
default:
  motion_threshold: 30
  min_contour_area: 500
  motion_timeout: 1.5s
  pre_roll_seconds: 5
  post_roll_seconds: 5
  target_fps: 15
  frame_width: 1280
  frame_height: 720
cameras:
  front_door:
    main_url: rtsp://10.0.0.5/main
    enabled: true
recorder:
  ffmpeg_path: /usr/bin/ffmpeg
  output_dir: /var/lib/nvr/recordings
monitor:
  enabled: true
  health_addr: 127.0.0.1:9998
`

func writeTestYAML(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0600); err != nil {
		t.Fatalf("write test yaml: %v", err)
	}
	return path
}

func TestKoanfConfig_LoadYAML(t *testing.T) {
	path := writeTestYAML(t)

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Default.TargetFPS != 15 {
		t.Errorf("Default.TargetFPS = %d, want 15", cfg.Default.TargetFPS)
	}
	cam, ok := cfg.Cameras["front_door"]
	if !ok {
		t.Fatal("front_door camera missing")
	}
	if cam.MainURL != "rtsp://10.0.0.5/main" {
		t.Errorf("MainURL = %q", cam.MainURL)
	}
}

func TestKoanfConfig_LoadWithEnvOverride(t *testing.T) {
	path := writeTestYAML(t)
	t.Setenv("NVR_DEFAULT_TARGET_FPS", "30")

	kc, err := NewKoanfConfig(WithYAMLFile(path), WithEnvPrefix("NVR"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Default.TargetFPS != 30 {
		t.Errorf("Default.TargetFPS = %d, want 30 (env override)", cfg.Default.TargetFPS)
	}
}

func TestKoanfConfig_LoadCameraEnvOverride(t *testing.T) {
	path := writeTestYAML(t)
	t.Setenv("NVR_CAMERAS_FRONT_DOOR_MOTION_THRESHOLD", "50")

	kc, err := NewKoanfConfig(WithYAMLFile(path), WithEnvPrefix("NVR"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if got := kc.GetInt("cameras.front_door.motion_threshold"); got != 50 {
		t.Errorf("cameras.front_door.motion_threshold = %d, want 50", got)
	}
}

func TestKoanfConfig_Reload(t *testing.T) {
	path := writeTestYAML(t)

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	updated := testYAML + "\n# trailing comment to force a distinct file\n"
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("rewrite yaml: %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() after reload error = %v", err)
	}
	if cfg.Default.TargetFPS != 15 {
		t.Errorf("Default.TargetFPS = %d, want 15 after reload", cfg.Default.TargetFPS)
	}
}

func TestKoanfConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0600); err != nil {
		t.Fatalf("write bad yaml: %v", err)
	}

	if _, err := NewKoanfConfig(WithYAMLFile(path)); err == nil {
		t.Error("NewKoanfConfig() with invalid YAML: expected error, got nil")
	}
}

func TestKoanfConfig_MissingFile(t *testing.T) {
	if _, err := NewKoanfConfig(WithYAMLFile("/nonexistent/config.yaml")); err == nil {
		t.Error("NewKoanfConfig() with missing file: expected error, got nil")
	}
}

func TestKoanfConfig_GetMethods(t *testing.T) {
	path := writeTestYAML(t)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if got := kc.GetInt("default.target_fps"); got != 15 {
		t.Errorf("GetInt(default.target_fps) = %d, want 15", got)
	}
	if got := kc.GetBool("cameras.front_door.enabled"); !got {
		t.Error("GetBool(cameras.front_door.enabled) = false, want true")
	}
	if got := kc.GetString("cameras.front_door.main_url"); got != "rtsp://10.0.0.5/main" {
		t.Errorf("GetString(main_url) = %q", got)
	}
	if !kc.Exists("monitor.health_addr") {
		t.Error("Exists(monitor.health_addr) = false, want true")
	}
	if kc.Exists("monitor.nonexistent_key") {
		t.Error("Exists(monitor.nonexistent_key) = true, want false")
	}
}

func TestKoanfConfig_NoFile(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig() with no file error = %v", err)
	}
	if kc.Exists("default.target_fps") {
		t.Error("Exists() = true with no sources loaded, want false")
	}
}

func TestKoanfConfig_All(t *testing.T) {
	path := writeTestYAML(t)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	all := kc.All()
	if _, ok := all["default"]; !ok {
		t.Error(`All() missing "default" key`)
	}
}

func TestKoanfConfig_WatchNoFile(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}
	if err := kc.Watch(context.Background(), func(string, error) {}); err == nil {
		t.Error("Watch() with no file path: expected error, got nil")
	}
}

func TestKoanfConfig_WatchContextCancellation(t *testing.T) {
	path := writeTestYAML(t)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- kc.Watch(ctx, func(string, error) {})
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() after cancel error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after context cancellation")
	}
}

func TestKoanfConfig_ConcurrentReloadAndRead(t *testing.T) {
	path := writeTestYAML(t)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = kc.Reload()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = kc.GetInt("default.target_fps")
		}
	}()
	wg.Wait()
}
