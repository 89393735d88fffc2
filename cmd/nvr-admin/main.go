// SPDX-License-Identifier: MIT

// Command nvr-admin is the operator CLI: validate configuration, inspect
// camera/worker status, run diagnostics, install MediaMTX, and check for
// updates. It does not run cameras itself; nvr-supervisor does that.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nvrcore/nvr/internal/config"
	"github.com/nvrcore/nvr/internal/diagnostics"
	"github.com/nvrcore/nvr/internal/updater"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the main entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "validate":
		return runValidate(commandArgs)
	case "status":
		return runStatus(commandArgs)
	case "install-mediamtx":
		return runInstallMediaMTX(commandArgs)
	case "diagnose":
		return runDiagnose(commandArgs)
	case "update":
		return runUpdate(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'nvr-admin help' for usage)", command)
	}
}

// runHelp displays usage information.
func runHelp() error {
	fmt.Printf(`nvr-admin v%s

USAGE:
    nvr-admin [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    validate          Validate configuration file
    status            Show camera/worker status
    install-mediamtx  Install the MediaMTX relay
    diagnose          Run system diagnostics
    update            Check for and install updates

OPTIONS:
    --config PATH     Path to configuration file (default: %s)

EXAMPLES:
    nvr-admin validate --config /etc/nvr/config.yaml
    nvr-admin status --json
    sudo nvr-admin install-mediamtx
    nvr-admin diagnose
`, Version, config.ConfigFilePath)
	return nil
}

// runVersion displays version information.
func runVersion() error {
	fmt.Printf("nvr-admin version %s\n", Version)
	fmt.Printf("  commit: %s\n", GitCommit)
	fmt.Printf("  built:  %s\n", BuildDate)
	return nil
}

// runValidate validates a configuration file.
func runValidate(args []string) error {
	configPath := config.ConfigFilePath

	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			configPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		}
	}

	fmt.Printf("Validating configuration: %s\n\n", configPath)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	fmt.Printf("✓ Loaded %d camera configuration(s)\n", len(cfg.Cameras))

	if len(cfg.Cameras) > 0 {
		fmt.Println("\nConfigured cameras:")
		for name := range cfg.Cameras {
			fmt.Printf("  - %s\n", name)
		}
	}

	return nil
}

// StatusOutput represents the JSON output format for the status command.
type StatusOutput struct {
	ServiceStatus string        `json:"service_status"`
	CameraCount   int           `json:"camera_count"`
	ActiveWorkers []WorkerEntry `json:"active_workers"`
	Error         string        `json:"error,omitempty"`
}

// WorkerEntry represents the status of an individual camera worker.
type WorkerEntry struct {
	CameraID string `json:"camera_id"`
	Status   string `json:"status"`
	PID      int    `json:"pid,omitempty"`
}

// runStatus shows camera worker status, derived from the supervisor's
// per-camera lock files since nvr-admin does not talk to nvr-supervisor
// directly.
func runStatus(args []string) error {
	lockDir := "/var/run/nvr"
	configPath := config.ConfigFilePath
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--lock-dir="):
			lockDir = strings.TrimPrefix(args[i], "--lock-dir=")
		case strings.HasPrefix(args[i], "--config="):
			configPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--json" || args[i] == "-j":
			jsonOutput = true
		}
	}

	status := StatusOutput{}
	status.ServiceStatus = getServiceStatus("nvr-supervisor")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		status.Error = fmt.Sprintf("config load error: %v", err)
	} else {
		status.CameraCount = len(cfg.EnabledCameras())
	}

	status.ActiveWorkers = []WorkerEntry{}
	locks, _ := filepath.Glob(filepath.Join(lockDir, "*.lock"))
	for _, lockFile := range locks {
		cameraID := strings.TrimSuffix(filepath.Base(lockFile), ".lock")
		pid, err := readLockPID(lockFile)
		if err != nil {
			status.ActiveWorkers = append(status.ActiveWorkers, WorkerEntry{CameraID: cameraID, Status: "unknown"})
			continue
		}

		if pid > 0 && processExists(pid) {
			status.ActiveWorkers = append(status.ActiveWorkers, WorkerEntry{CameraID: cameraID, Status: "running", PID: pid})
		} else {
			status.ActiveWorkers = append(status.ActiveWorkers, WorkerEntry{CameraID: cameraID, Status: "stale", PID: pid})
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Println("NVR Status")
	fmt.Println("==========")
	fmt.Println()

	fmt.Printf("Service: %s\n", status.ServiceStatus)
	fmt.Println()

	if status.Error != "" {
		fmt.Printf("Configuration: error - %s\n", status.Error)
	} else {
		fmt.Printf("Enabled Cameras: %d\n", status.CameraCount)
	}
	fmt.Println()

	fmt.Println("Active Workers:")
	fmt.Println("---------------")
	if len(status.ActiveWorkers) == 0 {
		fmt.Println("  (no active workers)")
	} else {
		for _, w := range status.ActiveWorkers {
			switch w.Status {
			case "running":
				fmt.Printf("  %s: running (PID %d)\n", w.CameraID, w.PID)
			case "stale":
				fmt.Printf("  %s: stale lock (PID %d not running)\n", w.CameraID, w.PID)
			default:
				fmt.Printf("  %s: unknown (lock file error)\n", w.CameraID)
			}
		}
	}

	return nil
}

// getServiceStatus checks systemd service status.
func getServiceStatus(serviceName string) string {
	cmd := exec.Command("systemctl", "is-active", serviceName) // #nosec G204 -- serviceName is a controlled constant, not user input
	output, err := cmd.Output()
	if err != nil {
		return "not running (or systemd unavailable)"
	}

	status := strings.TrimSpace(string(output))
	switch status {
	case "active":
		return "active (running)"
	case "inactive":
		return "inactive (stopped)"
	case "failed":
		return "failed"
	default:
		return status
	}
}

// readLockPID reads the PID from a lock file.
func readLockPID(lockFile string) (int, error) {
	data, err := os.ReadFile(lockFile) // #nosec G304 -- lock files are in a controlled directory
	if err != nil {
		return 0, err
	}

	var pid int
	_, err = fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid)
	return pid, err
}

// processExists checks if a process with the given PID exists.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; send signal 0 to probe it.
	return process.Signal(syscall.Signal(0)) == nil
}

// runDiagnose runs the full diagnostic suite and prints the report.
func runDiagnose(args []string) error {
	opts := diagnostics.DefaultOptions()
	opts.Mode = diagnostics.ModeFull

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--quick":
			opts.Mode = diagnostics.ModeQuick
		case strings.HasPrefix(args[i], "--config="):
			opts.ConfigPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			opts.ConfigPath = args[i+1]
			i++
		}
	}

	runner := diagnostics.NewRunner(opts)
	report, err := runner.Run(context.Background())
	if err != nil {
		return fmt.Errorf("diagnostics failed: %w", err)
	}

	diagnostics.PrintReport(os.Stdout, report)

	if !report.Healthy {
		return fmt.Errorf("%d issue(s) found", report.Summary.Critical+report.Summary.Error)
	}
	return nil
}

// runInstallMediaMTX downloads and installs the MediaMTX relay.
func runInstallMediaMTX(args []string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("install-mediamtx requires root privileges (run with sudo)")
	}

	version := "v1.9.3"
	installService := true
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--version="):
			version = strings.TrimPrefix(arg, "--version=")
		case arg == "--no-service":
			installService = false
		}
	}

	fmt.Println("MediaMTX Installation")
	fmt.Println("=====================")
	fmt.Println()

	arch := detectArch()
	fmt.Printf("Detected architecture: %s\n", arch)

	if arch == "" {
		return fmt.Errorf("unsupported architecture")
	}

	if existingPath, err := exec.LookPath("mediamtx"); err == nil {
		fmt.Printf("MediaMTX already installed at: %s\n", existingPath)
		fmt.Print("Reinstall? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if strings.ToLower(response) != "y" {
			fmt.Println("Installation cancelled.")
			return nil
		}
	}

	downloadURL := fmt.Sprintf(
		"https://github.com/bluenviron/mediamtx/releases/download/%s/mediamtx_%s_linux_%s.tar.gz",
		version, version, arch,
	)

	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Download URL: %s\n", downloadURL)
	fmt.Println()

	tmpDir, err := os.MkdirTemp("", "mediamtx-install-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	tarPath := filepath.Join(tmpDir, "mediamtx.tar.gz")

	fmt.Println("Downloading MediaMTX...")
	if err := downloadFile(downloadURL, tarPath); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	fmt.Println("Download complete.")

	fmt.Println("Extracting...")
	extractCmd := exec.Command("tar", "-xzf", tarPath, "-C", tmpDir) // #nosec G204 -- tarPath and tmpDir are controlled
	if output, err := extractCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("extraction failed: %w: %s", err, string(output))
	}

	binaryPath := filepath.Join(tmpDir, "mediamtx")
	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		return fmt.Errorf("mediamtx binary not found in archive")
	}

	fmt.Println("Installing to /usr/local/bin/mediamtx...")
	installCmd := exec.Command("install", "-m", "755", binaryPath, "/usr/local/bin/mediamtx") // #nosec G204 -- binaryPath is from controlled tmpDir
	if output, err := installCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("installation failed: %w: %s", err, string(output))
	}

	configSrc := filepath.Join(tmpDir, "mediamtx.yml")
	configDst := "/etc/mediamtx/mediamtx.yml"
	if _, err := os.Stat(configDst); os.IsNotExist(err) {
		fmt.Printf("Installing default config to %s...\n", configDst)
		if err := os.MkdirAll("/etc/mediamtx", 0750); err != nil { // #nosec G301 -- config dir needs to be readable
			fmt.Printf("Warning: failed to create config directory: %v\n", err)
		} else if _, err := os.Stat(configSrc); err == nil {
			copyCmd := exec.Command("cp", configSrc, configDst) // #nosec G204 -- paths are from controlled tmpDir
			if output, err := copyCmd.CombinedOutput(); err != nil {
				fmt.Printf("Warning: failed to copy config: %v: %s\n", err, string(output))
			}
		}
	} else {
		fmt.Printf("Config already exists at %s, keeping existing.\n", configDst)
	}

	if installService {
		fmt.Println("Installing systemd service...")
		if err := installMediaMTXService(); err != nil {
			fmt.Printf("Warning: failed to install systemd service: %v\n", err)
			fmt.Println("You can start MediaMTX manually with: mediamtx")
		} else {
			fmt.Println("Systemd service installed.")
			fmt.Println("Start with: sudo systemctl start mediamtx")
			fmt.Println("Enable on boot: sudo systemctl enable mediamtx")
		}
	}

	fmt.Println()
	fmt.Println("MediaMTX installation complete!")
	fmt.Println()
	fmt.Println("Default RTSP URL: rtsp://localhost:8554")
	fmt.Println("API URL: http://localhost:9997")

	return nil
}

// detectArch returns the MediaMTX architecture string for the current system.
func detectArch() string {
	cmd := exec.Command("uname", "-m")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}

	machine := strings.TrimSpace(string(output))
	switch machine {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l", "armhf":
		return "armv7"
	case "armv6l":
		return "armv6"
	default:
		return ""
	}
}

// downloadFile downloads a file from url to dest using curl or wget.
func downloadFile(url, dest string) error {
	if _, err := exec.LookPath("curl"); err == nil {
		cmd := exec.Command("curl", "-fsSL", "-o", dest, url) // #nosec G204 -- "curl" is a literal, url/dest are config-driven
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("curl failed: %w: %s", err, string(output))
		}
		return nil
	}

	if _, err := exec.LookPath("wget"); err == nil {
		cmd := exec.Command("wget", "-q", "-O", dest, url) // #nosec G204 -- "wget" is a literal, url/dest are config-driven
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("wget failed: %w: %s", err, string(output))
		}
		return nil
	}

	return fmt.Errorf("neither curl nor wget found - install one of them first")
}

// installMediaMTXService installs the MediaMTX systemd service.
func installMediaMTXService() error {
	serviceContent := `[Unit]
Description=MediaMTX RTSP Server
Documentation=https://github.com/bluenviron/mediamtx
After=network.target

[Service]
Type=simple
ExecStart=/usr/local/bin/mediamtx /etc/mediamtx/mediamtx.yml
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`
	servicePath := "/etc/systemd/system/mediamtx.service"
	// #nosec G306 -- systemd service files should be world-readable
	if err := os.WriteFile(servicePath, []byte(serviceContent), 0644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}

	reloadCmd := exec.Command("systemctl", "daemon-reload")
	if output, err := reloadCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %w: %s", err, string(output))
	}

	return nil
}

// runUpdate checks for and installs updates.
func runUpdate(args []string) error {
	checkOnly := false
	force := false

	for _, arg := range args {
		switch arg {
		case "--check":
			checkOnly = true
		case "--force":
			force = true
		}
	}

	fmt.Println("NVR Update")
	fmt.Println("==========")
	fmt.Println()

	u := updater.New(updater.WithCurrentVersion(Version))

	ctx := context.Background()

	fmt.Println("Checking for updates...")
	info, err := u.CheckForUpdates(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}

	fmt.Println(updater.FormatUpdateInfo(info))

	if !info.UpdateAvailable {
		return nil
	}

	if checkOnly {
		fmt.Println("\nRun 'nvr-admin update' without --check to install the update.")
		return nil
	}

	if !force {
		fmt.Print("Download and install update? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if strings.ToLower(response) != "y" {
			fmt.Println("Update cancelled.")
			return nil
		}
	}

	binaryPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to determine binary path: %w", err)
	}
	binaryPath, err = filepath.EvalSymlinks(binaryPath)
	if err != nil {
		return fmt.Errorf("failed to resolve binary path: %w", err)
	}

	if strings.HasPrefix(binaryPath, "/usr/") && os.Geteuid() != 0 {
		return fmt.Errorf("update requires root privileges for %s (run with sudo)", binaryPath)
	}

	fmt.Println()
	fmt.Println("Downloading update...")

	lastPercent := 0
	progress := func(downloaded, total int64) {
		if total > 0 {
			percent := int(float64(downloaded) / float64(total) * 100)
			if percent > lastPercent+5 || percent == 100 {
				fmt.Printf("\rProgress: %d%%", percent)
				lastPercent = percent
			}
		}
	}

	if err := u.Update(ctx, info, binaryPath, progress); err != nil {
		fmt.Println()
		if u.HasBackup(binaryPath) {
			fmt.Println("Update failed. Rolling back...")
			if rbErr := u.Rollback(binaryPath); rbErr != nil {
				return fmt.Errorf("update failed (%w) and rollback failed (%w)", err, rbErr)
			}
			fmt.Println("Rolled back to previous version.")
		}
		return fmt.Errorf("update failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("Successfully updated to %s!\n", info.LatestVersion)
	fmt.Println("Restart nvr-admin to use the new version.")

	return nil
}
