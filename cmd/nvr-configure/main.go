// Command nvr-configure is an interactive terminal wizard for editing the
// camera configuration file: add, list, and remove cameras, validate the
// result, and save it back to disk.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nvrcore/nvr/internal/config"
	"github.com/nvrcore/nvr/internal/menu"
)

var configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := loadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	w := &wizard{cfg: cfg, path: *configPath}
	m := menu.CreateMainMenu(menu.MainMenuActions{
		AddCamera:    w.addCamera,
		ListCameras:  w.listCameras,
		RemoveCamera: w.removeCamera,
		Validate:     w.validate,
		Save:         w.save,
	})

	if err := m.Display(); err != nil {
		fmt.Fprintf(os.Stderr, "menu error: %v\n", err)
		os.Exit(1)
	}
}

func loadOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// wizard holds the in-memory config the menu actions mutate; nothing is
// written to disk until the operator chooses Save.
type wizard struct {
	cfg  *config.Config
	path string
}

func (w *wizard) addCamera() error {
	id := menu.Input(os.Stdin, os.Stdout, "Camera id")
	if id == "" {
		return fmt.Errorf("camera id is required")
	}
	if _, exists := w.cfg.Cameras[id]; exists {
		return fmt.Errorf("camera %q already exists", id)
	}

	mainURL := menu.Input(os.Stdin, os.Stdout, "Main stream URL (RTSP)")
	previewURL := menu.Input(os.Stdin, os.Stdout, "Preview stream URL (blank to reuse main URL)")
	enabled := menu.Confirm(os.Stdin, os.Stdout, "Enable this camera now?")

	cam := config.CameraConfig{
		MainURL:    mainURL,
		PreviewURL: previewURL,
		Enabled:    enabled,
	}

	if menu.Confirm(os.Stdin, os.Stdout, "Override default motion/recording settings?") {
		cam.MotionThreshold = promptInt("Motion threshold (0-255)", 0)
		cam.MinContourArea = promptInt("Minimum contour area", 0)
		cam.PreRollSeconds = promptInt("Pre-roll seconds", 0)
		cam.PostRollSeconds = promptInt("Post-roll seconds", 0)
		cam.TargetFPS = promptInt("Target FPS", 0)
		cam.FrameWidth = promptInt("Frame width", 0)
		cam.FrameHeight = promptInt("Frame height", 0)
		if secs := promptInt("Motion timeout seconds", 0); secs > 0 {
			cam.MotionTimeout = time.Duration(secs) * time.Second
		}
	}

	if w.cfg.Cameras == nil {
		w.cfg.Cameras = make(map[string]config.CameraConfig)
	}
	w.cfg.Cameras[id] = cam

	fmt.Fprintf(os.Stdout, "\nCamera %q added (not yet saved).\n", id)
	menu.WaitForKey(os.Stdin, os.Stdout, "")
	return nil
}

func (w *wizard) listCameras() error {
	if len(w.cfg.Cameras) == 0 {
		fmt.Fprintln(os.Stdout, "\nNo cameras configured.")
	} else {
		fmt.Fprintln(os.Stdout, "\nConfigured cameras:")
		for id := range w.cfg.Cameras {
			merged := w.cfg.GetCameraConfig(id)
			status := "disabled"
			if merged.Enabled {
				status = "enabled"
			}
			fmt.Fprintf(os.Stdout, "  %-20s %-10s %s\n", id, status, merged.MainURL)
		}
	}
	menu.WaitForKey(os.Stdin, os.Stdout, "")
	return nil
}

func (w *wizard) removeCamera() error {
	id := menu.Input(os.Stdin, os.Stdout, "Camera id to remove")
	if _, exists := w.cfg.Cameras[id]; !exists {
		return fmt.Errorf("camera %q does not exist", id)
	}
	if !menu.Confirm(os.Stdin, os.Stdout, fmt.Sprintf("Remove camera %q?", id)) {
		return nil
	}
	delete(w.cfg.Cameras, id)
	fmt.Fprintf(os.Stdout, "\nCamera %q removed (not yet saved).\n", id)
	menu.WaitForKey(os.Stdin, os.Stdout, "")
	return nil
}

func (w *wizard) validate() error {
	err := w.cfg.Validate()
	if err != nil {
		fmt.Fprintf(os.Stdout, "\nConfiguration is invalid: %v\n", err)
	} else {
		fmt.Fprintln(os.Stdout, "\nConfiguration is valid.")
	}
	menu.WaitForKey(os.Stdin, os.Stdout, "")
	return nil
}

func (w *wizard) save() error {
	if err := w.cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid configuration: %w", err)
	}
	if err := w.cfg.Save(w.path); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	fmt.Fprintf(os.Stdout, "\nConfiguration saved to %s\n", w.path)
	menu.WaitForKey(os.Stdin, os.Stdout, "")
	return nil
}

func promptInt(prompt string, def int) int {
	raw := menu.Input(os.Stdin, os.Stdout, prompt)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
