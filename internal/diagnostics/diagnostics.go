// Package diagnostics provides system health checks for an NVR deployment:
// system resources, the ffmpeg toolchain, camera reachability, and the
// supervisor's own services and on-disk state.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nvrcore/nvr/internal/config"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Status      CheckStatus   `json:"status"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Duration    time.Duration `json:"duration"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusSkipped  CheckStatus = "SKIPPED"
	StatusError    CheckStatus = "ERROR"
)

// DiagnosticReport contains results from all diagnostic checks.
type DiagnosticReport struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	SystemInfo *SystemInfo   `json:"system_info"`
	Checks     []CheckResult `json:"checks"`
	Summary    *Summary      `json:"summary"`
	Healthy    bool          `json:"healthy"`
}

// SystemInfo contains basic system information.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Kernel       string `json:"kernel"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	Memory       int64  `json:"memory_bytes"`
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
}

// Summary contains a summary of check results.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Skipped  int `json:"skipped"`
	Error    int `json:"error"`
}

// CheckMode determines which checks to run.
type CheckMode string

const (
	ModeQuick CheckMode = "quick" // Essential checks only
	ModeFull  CheckMode = "full"  // All checks (default)
	ModeDebug CheckMode = "debug" // All checks (same set and output as full)
)

// Diagnostic thresholds, configurable for different deployment scenarios.
const (
	LogSizeWarningBytes = 100 * 1024 * 1024

	DiskUsageCriticalPercent = 95
	DiskUsageWarningPercent  = 85

	FDUsageCriticalPercent = 80
	FDUsageWarningPercent  = 50

	MemoryUsageCriticalPercent = 90
	MemoryUsageWarningPercent  = 75

	// DefaultRTSPPort is the default MediaMTX RTSP relay port.
	DefaultRTSPPort = 8554

	// DefaultAPIPort is the default MediaMTX API port.
	DefaultAPIPort = 9997

	MinInotifyWatches = 8192

	TimeWaitWarningThreshold = 1000

	MinEntropyBytes = 256
)

// Options configures the diagnostic run.
type Options struct {
	Mode       CheckMode
	ConfigPath string
	LogDir     string
	Output     io.Writer
	Verbose    bool
}

// DefaultOptions returns default diagnostic options.
func DefaultOptions() Options {
	return Options{
		Mode:       ModeFull,
		ConfigPath: config.ConfigFilePath,
		LogDir:     "/var/log/nvr",
		Output:     os.Stdout,
		Verbose:    false,
	}
}

// Runner executes diagnostic checks.
type Runner struct {
	opts Options
}

// NewRunner creates a new diagnostic runner.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes all diagnostic checks and returns a report.
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()

	report := &DiagnosticReport{
		Timestamp:  start,
		SystemInfo: r.collectSystemInfo(),
		Summary:    &Summary{},
	}

	checks := r.getChecks()

	for _, check := range checks {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
			result := check(ctx)
			report.Checks = append(report.Checks, result)

			report.Summary.Total++
			switch result.Status {
			case StatusOK:
				report.Summary.OK++
			case StatusWarning:
				report.Summary.Warning++
			case StatusCritical:
				report.Summary.Critical++
			case StatusSkipped:
				report.Summary.Skipped++
			case StatusError:
				report.Summary.Error++
			}
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0 && report.Summary.Error == 0

	return report, nil
}

// getChecks returns the checks to run based on mode.
func (r *Runner) getChecks() []func(context.Context) CheckResult {
	quickChecks := []func(context.Context) CheckResult{
		r.checkFFmpeg,
		r.checkCameraReachability,
		r.checkMediaMTXService,
		r.checkConfig,
		r.checkDiskSpace,
	}

	if r.opts.Mode == ModeQuick {
		return quickChecks
	}

	return []func(context.Context) CheckResult{
		// 1. Prerequisites & dependencies
		r.checkPrerequisites,
		// 2. Tool versions
		r.checkVersions,
		// 3. System information
		r.checkSystemInfo,
		// 4. Camera reachability
		r.checkCameraReachability,
		// 5. Camera configuration validity
		r.checkCameraConfig,
		// 6. FFmpeg
		r.checkFFmpeg,
		// 7. Recording output directory
		r.checkOutputDir,
		// 8. MediaMTX relay service
		r.checkMediaMTXService,
		// 9. MediaMTX relay API
		r.checkMediaMTXAPI,
		// 10. Configuration file
		r.checkConfig,
		// 11. History store
		r.checkHistoryStore,
		// 12. Lock directory
		r.checkLockDir,
		// 13. Log files
		r.checkLogFiles,
		// 14. Disk space
		r.checkDiskSpace,
		// 15. File descriptors
		r.checkFileDescriptors,
		// 16. Memory
		r.checkMemory,
		// 17. Network ports
		r.checkNetworkPorts,
		// 18. Time synchronization
		r.checkTimeSynchronization,
		// 19. Systemd services
		r.checkSystemdServices,
		// 20. Process stability
		r.checkProcessStability,
		// 21. Worker process count
		r.checkWorkerCount,
		// 22. inotify limits
		r.checkInotifyLimits,
		// 23. TCP resources
		r.checkTCPResources,
		// 24. Entropy
		r.checkEntropy,
	}
}

// collectSystemInfo gathers basic system information.
func (r *Runner) collectSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.Kernel = parts[2]
		}
	}

	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						info.Memory = kb * 1024
					}
				}
				break
			}
		}
	}

	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 1 {
			if secs, err := strconv.ParseFloat(fields[0], 64); err == nil {
				d := time.Duration(secs) * time.Second
				info.Uptime = formatDuration(d)
			}
		}
	}

	return info
}

// loadConfig best-effort loads the configuration for checks that need it,
// returning nil rather than an error so a missing/invalid file degrades a
// single check instead of the whole run.
func (r *Runner) loadConfig() *config.Config {
	cfg, err := config.LoadConfig(r.opts.ConfigPath)
	if err != nil {
		return nil
	}
	return cfg
}

func (r *Runner) checkPrerequisites(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Prerequisites", Category: "System"}

	required := []string{"ffmpeg"}
	optional := []string{"mediamtx", "systemctl"}

	var missing, warnings []string

	for _, cmd := range required {
		if _, err := exec.LookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}
	for _, cmd := range optional {
		if _, err := exec.LookPath(cmd); err != nil {
			warnings = append(warnings, cmd)
		}
	}

	if len(missing) > 0 {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Missing required tools: %s", strings.Join(missing, ", "))
		result.Suggestions = append(result.Suggestions, "Install missing tools with: apt-get install "+strings.Join(missing, " "))
	} else if len(warnings) > 0 {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Missing optional tools: %s", strings.Join(warnings, ", "))
	} else {
		result.Status = StatusOK
		result.Message = "All required tools available"
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkVersions(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Versions", Category: "System"}

	var versions []string

	if out, err := exec.CommandContext(ctx, "ffmpeg", "-version").Output(); err == nil {
		lines := strings.Split(string(out), "\n")
		if len(lines) > 0 {
			versions = append(versions, "FFmpeg: "+strings.TrimPrefix(lines[0], "ffmpeg version "))
		}
	}

	if out, err := exec.CommandContext(ctx, "mediamtx", "--version").Output(); err == nil {
		versions = append(versions, "MediaMTX: "+strings.TrimSpace(string(out)))
	}

	result.Status = StatusOK
	result.Message = "Version information collected"
	result.Details = strings.Join(versions, "\n")
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkSystemInfo(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "System Info",
		Category: "System",
		Status:   StatusOK,
		Message:  "System information collected",
	}
	result.Duration = time.Since(start)
	return result
}

// checkCameraReachability dials each enabled camera's main stream host to
// confirm the network path is up, without starting an ffmpeg capture.
func (r *Runner) checkCameraReachability(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Camera Reachability", Category: "Cameras"}

	cfg := r.loadConfig()
	if cfg == nil {
		result.Status = StatusSkipped
		result.Message = "Configuration unavailable, skipping camera reachability"
		result.Duration = time.Since(start)
		return result
	}

	enabled := cfg.EnabledCameras()
	if len(enabled) == 0 {
		result.Status = StatusWarning
		result.Message = "No enabled cameras configured"
		result.Duration = time.Since(start)
		return result
	}

	var unreachable []string
	for _, id := range enabled {
		host := streamHost(cfg.GetCameraConfig(id).MainURL)
		if host == "" {
			unreachable = append(unreachable, id+" (unparseable URL)")
			continue
		}
		conn, err := net.DialTimeout("tcp", host, 3*time.Second)
		if err != nil {
			unreachable = append(unreachable, id)
			continue
		}
		_ = conn.Close()
	}

	if len(unreachable) == 0 {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("All %d camera(s) reachable", len(enabled))
	} else if len(unreachable) == len(enabled) {
		result.Status = StatusCritical
		result.Message = "No cameras reachable"
		result.Details = strings.Join(unreachable, ", ")
	} else {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%d/%d camera(s) unreachable", len(unreachable), len(enabled))
		result.Details = strings.Join(unreachable, ", ")
	}

	result.Duration = time.Since(start)
	return result
}

// streamHost extracts host:port (defaulting to 554, RTSP's well-known
// port) from a camera stream URL, or "" if it cannot be parsed.
func streamHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	return u.Host + ":554"
}

func (r *Runner) checkCameraConfig(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Camera Configuration", Category: "Cameras"}

	cfg := r.loadConfig()
	if cfg == nil {
		result.Status = StatusSkipped
		result.Message = "Configuration unavailable, skipping camera config check"
		result.Duration = time.Since(start)
		return result
	}

	if err := cfg.Validate(); err != nil {
		result.Status = StatusCritical
		result.Message = "Camera configuration invalid"
		result.Details = err.Error()
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("%d camera(s) configured, all valid", len(cfg.Cameras))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkFFmpeg(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "FFmpeg", Category: "Tools"}

	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		result.Status = StatusCritical
		result.Message = "FFmpeg not found"
		result.Suggestions = append(result.Suggestions, "Install FFmpeg: apt-get install ffmpeg")
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G204 -- path is from exec.LookPath, not user input
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		result.Status = StatusWarning
		result.Message = "FFmpeg found but version check failed"
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G204 -- path is from exec.LookPath, not user input
	codecOut, _ := exec.CommandContext(ctx, path, "-encoders").Output()
	hasH264 := strings.Contains(string(codecOut), "libx264") || strings.Contains(string(codecOut), "h264")
	hasH265 := strings.Contains(string(codecOut), "libx265") || strings.Contains(string(codecOut), "hevc")

	if !hasH264 && !hasH265 {
		result.Status = StatusWarning
		result.Message = "FFmpeg missing recommended video encoders"
		result.Suggestions = append(result.Suggestions, "Install ffmpeg with libx264/libx265 support")
	} else {
		result.Status = StatusOK
		result.Message = "FFmpeg available with video encoders"
	}

	lines := strings.Split(string(out), "\n")
	if len(lines) > 0 {
		result.Details = lines[0]
	}

	result.Duration = time.Since(start)
	return result
}

// checkOutputDir confirms the recorder's output directory exists and is
// writable.
func (r *Runner) checkOutputDir(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Output Directory", Category: "System"}

	cfg := r.loadConfig()
	if cfg == nil || cfg.Recorder.OutputDir == "" {
		result.Status = StatusSkipped
		result.Message = "Configuration unavailable, skipping output directory check"
		result.Duration = time.Since(start)
		return result
	}

	probe := filepath.Join(cfg.Recorder.OutputDir, ".diagnostics-probe")
	if err := os.MkdirAll(cfg.Recorder.OutputDir, 0750); err != nil {
		result.Status = StatusCritical
		result.Message = "Output directory cannot be created"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	if err := os.WriteFile(probe, []byte("ok"), 0640); err != nil { // #nosec G304 -- path built from configured output dir
		result.Status = StatusCritical
		result.Message = "Output directory not writable"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = os.Remove(probe)

	result.Status = StatusOK
	result.Message = "Output directory writable"
	result.Details = cfg.Recorder.OutputDir
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkMediaMTXService(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "MediaMTX Service", Category: "Services"}

	if _, err := exec.LookPath("mediamtx"); err != nil {
		result.Status = StatusWarning
		result.Message = "MediaMTX not installed (live preview relay unavailable)"
		result.Duration = time.Since(start)
		return result
	}

	out, err := exec.CommandContext(ctx, "systemctl", "is-active", "mediamtx").Output()
	if err != nil {
		result.Status = StatusWarning
		result.Message = "MediaMTX service not running"
		result.Suggestions = append(result.Suggestions, "Start service: systemctl start mediamtx")
	} else if strings.TrimSpace(string(out)) == "active" {
		result.Status = StatusOK
		result.Message = "MediaMTX service running"
	} else {
		result.Status = StatusWarning
		result.Message = "MediaMTX service state: " + strings.TrimSpace(string(out))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkMediaMTXAPI(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "MediaMTX API", Category: "Services"}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/v3/paths/list", DefaultAPIPort))
	if err != nil {
		result.Status = StatusWarning
		result.Message = "MediaMTX API not reachable"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		result.Status = StatusOK
		result.Message = "MediaMTX API reachable"
	} else {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("MediaMTX API returned status %d", resp.StatusCode)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkConfig(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Configuration", Category: "Config"}

	if _, err := os.Stat(r.opts.ConfigPath); os.IsNotExist(err) {
		result.Status = StatusWarning
		result.Message = "Configuration file not found"
		result.Details = r.opts.ConfigPath
		result.Suggestions = append(result.Suggestions, "Run: nvr-configure")
	} else {
		result.Status = StatusOK
		result.Message = "Configuration file exists"
		result.Details = r.opts.ConfigPath
	}

	result.Duration = time.Since(start)
	return result
}

// checkHistoryStore reports whether the recording/restart history database
// file exists; it does not open it.
func (r *Runner) checkHistoryStore(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "History Store", Category: "Config"}

	cfg := r.loadConfig()
	if cfg == nil || cfg.Recorder.OutputDir == "" {
		result.Status = StatusSkipped
		result.Message = "Configuration unavailable, skipping history store check"
		result.Duration = time.Since(start)
		return result
	}

	path := filepath.Join(cfg.Recorder.OutputDir, "history.db")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		result.Status = StatusOK
		result.Message = "History store will be created on first run"
	} else {
		result.Status = StatusOK
		result.Message = "History store exists"
		result.Details = path
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkLockDir(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Lock Directory", Category: "System"}

	lockDir := "/var/run/nvr"
	if info, err := os.Stat(lockDir); os.IsNotExist(err) {
		result.Status = StatusOK
		result.Message = "Lock directory will be created on first run"
	} else if !info.IsDir() {
		result.Status = StatusCritical
		result.Message = "Lock path exists but is not a directory"
	} else {
		result.Status = StatusOK
		result.Message = "Lock directory exists"

		entries, _ := os.ReadDir(lockDir)
		locks := 0
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".lock") {
				locks++
			}
		}
		if locks > 0 {
			result.Details = fmt.Sprintf("%d active lock(s)", locks)
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkLogFiles(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Log Files", Category: "System"}

	if _, err := os.Stat(r.opts.LogDir); os.IsNotExist(err) {
		result.Status = StatusOK
		result.Message = "Log directory will be created on first run"
		result.Duration = time.Since(start)
		return result
	}

	var totalSize int64
	_ = filepath.Walk(r.opts.LogDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if totalSize > LogSizeWarningBytes {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Log directory size: %s", formatBytes(totalSize))
		result.Suggestions = append(result.Suggestions, "Consider cleaning old logs")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Log directory size: %s", formatBytes(totalSize))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Disk Space", Category: "Resources"}

	path := "/"
	if cfg := r.loadConfig(); cfg != nil && cfg.Recorder.OutputDir != "" {
		path = cfg.Recorder.OutputDir
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		result.Status = StatusError
		result.Message = "Failed to check disk space"
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G115 -- Bsize is always positive on Linux filesystems
	available := stat.Bavail * uint64(stat.Bsize)
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	total := stat.Blocks * uint64(stat.Bsize)
	usedPercent := 100.0 - (float64(available)/float64(total))*100.0

	if usedPercent > DiskUsageCriticalPercent {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.1f%%", usedPercent)
		result.Suggestions = append(result.Suggestions, "Free up disk space or lower retention")
	} else if usedPercent > DiskUsageWarningPercent {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.1f%%", usedPercent)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Disk usage: %.1f%% (%.1f GB available)", usedPercent, float64(available)/(1024*1024*1024))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkFileDescriptors(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "File Descriptors", Category: "Resources"}

	data, err := os.ReadFile("/proc/sys/fs/file-nr")
	if err != nil {
		result.Status = StatusError
		result.Message = "Failed to read file descriptor info"
		result.Duration = time.Since(start)
		return result
	}

	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		result.Status = StatusError
		result.Message = "Invalid file-nr format"
		result.Duration = time.Since(start)
		return result
	}

	used, _ := strconv.ParseInt(fields[0], 10, 64)
	max, _ := strconv.ParseInt(fields[2], 10, 64)
	usedPercent := float64(used) / float64(max) * 100

	if usedPercent > FDUsageCriticalPercent {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("FD usage critical: %.1f%% (%d/%d)", usedPercent, used, max)
	} else if usedPercent > FDUsageWarningPercent {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("FD usage elevated: %.1f%% (%d/%d)", usedPercent, used, max)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("FD usage normal: %.1f%% (%d/%d)", usedPercent, used, max)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkMemory(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Memory", Category: "Resources"}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		result.Status = StatusError
		result.Message = "Failed to read memory info"
		result.Duration = time.Since(start)
		return result
	}

	var total, available int64
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				total, _ = strconv.ParseInt(fields[1], 10, 64)
				total *= 1024
			}
		} else if strings.HasPrefix(line, "MemAvailable:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				available, _ = strconv.ParseInt(fields[1], 10, 64)
				available *= 1024
			}
		}
	}

	usedPercent := 100.0 - (float64(available)/float64(total))*100.0

	if usedPercent > MemoryUsageCriticalPercent {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Memory usage critical: %.1f%%", usedPercent)
	} else if usedPercent > MemoryUsageWarningPercent {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Memory usage elevated: %.1f%%", usedPercent)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Memory usage: %.1f%% (%s available)", usedPercent, formatBytes(available))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkNetworkPorts(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Network Ports", Category: "Network"}

	rtspAddr := fmt.Sprintf("localhost:%d", DefaultRTSPPort)
	apiAddr := fmt.Sprintf("localhost:%d", DefaultAPIPort)
	rtspOpen := isPortOpen(rtspAddr)
	apiOpen := isPortOpen(apiAddr)

	if rtspOpen && apiOpen {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("RTSP (%d) and API (%d) ports accessible", DefaultRTSPPort, DefaultAPIPort)
	} else if !rtspOpen && !apiOpen {
		result.Status = StatusWarning
		result.Message = "RTSP and API ports not accessible"
		result.Suggestions = append(result.Suggestions, "Start MediaMTX service")
	} else {
		result.Status = StatusWarning
		var ports []string
		if !rtspOpen {
			ports = append(ports, fmt.Sprintf("RTSP (%d)", DefaultRTSPPort))
		}
		if !apiOpen {
			ports = append(ports, fmt.Sprintf("API (%d)", DefaultAPIPort))
		}
		result.Message = "Some ports not accessible: " + strings.Join(ports, ", ")
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkTimeSynchronization(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Time Sync", Category: "System"}

	out, err := exec.CommandContext(ctx, "timedatectl", "status").Output()
	if err != nil {
		result.Status = StatusOK
		result.Message = "Time sync check skipped (timedatectl not available)"
		result.Duration = time.Since(start)
		return result
	}

	if strings.Contains(string(out), "synchronized: yes") {
		result.Status = StatusOK
		result.Message = "System time synchronized"
	} else {
		result.Status = StatusWarning
		result.Message = "System time may not be synchronized"
		result.Suggestions = append(result.Suggestions, "Unsynchronized clocks skew recording timestamps across cameras")
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkSystemdServices(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Systemd Services", Category: "Services"}

	services := []string{"mediamtx", "nvr-supervisor"}
	var running, stopped []string

	for _, svc := range services {
		// #nosec G204 -- svc is from hardcoded list, not user input
		out, _ := exec.CommandContext(ctx, "systemctl", "is-active", svc).Output()
		status := strings.TrimSpace(string(out))
		if status == "active" {
			running = append(running, svc)
		} else {
			stopped = append(stopped, svc)
		}
	}

	if len(running) == len(services) {
		result.Status = StatusOK
		result.Message = "All services running"
	} else if len(running) > 0 {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Some services stopped: %s", strings.Join(stopped, ", "))
	} else {
		result.Status = StatusWarning
		result.Message = "No NVR services running"
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkProcessStability(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Process Stability", Category: "Services"}

	out, err := exec.CommandContext(ctx, "journalctl", "-u", "nvr-supervisor", "--since", "1 hour ago", "-q").Output()
	if err != nil {
		result.Status = StatusOK
		result.Message = "Process stability check skipped"
		result.Duration = time.Since(start)
		return result
	}

	restarts := strings.Count(string(out), "Started")
	if restarts > 3 {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("nvr-supervisor restarted %d times in last hour", restarts)
	} else {
		result.Status = StatusOK
		result.Message = "Services stable"
	}

	result.Duration = time.Since(start)
	return result
}

// checkWorkerCount compares the number of enabled cameras against the
// number of running nvr-worker processes, flagging a mismatch a crashed
// or never-spawned worker would produce.
func (r *Runner) checkWorkerCount(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Worker Process Count", Category: "Services"}

	cfg := r.loadConfig()
	if cfg == nil {
		result.Status = StatusSkipped
		result.Message = "Configuration unavailable, skipping worker count check"
		result.Duration = time.Since(start)
		return result
	}

	want := len(cfg.EnabledCameras())
	out, err := exec.CommandContext(ctx, "pgrep", "-c", "-f", "nvr-worker").Output()
	if err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("No nvr-worker processes found, expected %d", want)
		result.Duration = time.Since(start)
		return result
	}

	got, _ := strconv.Atoi(strings.TrimSpace(string(out)))
	if got < want {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%d nvr-worker process(es) running, expected %d", got, want)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("%d nvr-worker process(es) running", got)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkInotifyLimits(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "inotify Limits", Category: "Resources"}

	data, err := os.ReadFile("/proc/sys/fs/inotify/max_user_watches")
	if err != nil {
		result.Status = StatusOK
		result.Message = "inotify check skipped"
		result.Duration = time.Since(start)
		return result
	}

	maxWatches, _ := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)

	if maxWatches < MinInotifyWatches {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("inotify max_user_watches low: %d", maxWatches)
		result.Suggestions = append(result.Suggestions, "Increase with: sysctl fs.inotify.max_user_watches=65536")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("inotify max_user_watches: %d", maxWatches)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkTCPResources(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "TCP Resources", Category: "Network"}

	out, err := exec.CommandContext(ctx, "ss", "-tan", "state", "time-wait").Output()
	if err != nil {
		result.Status = StatusOK
		result.Message = "TCP check skipped"
		result.Duration = time.Since(start)
		return result
	}

	timeWaitCount := strings.Count(string(out), "\n") - 1
	if timeWaitCount < 0 {
		timeWaitCount = 0
	}

	if timeWaitCount > TimeWaitWarningThreshold {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("High TIME_WAIT connections: %d", timeWaitCount)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("TIME_WAIT connections: %d", timeWaitCount)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkEntropy(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Entropy", Category: "System"}

	data, err := os.ReadFile("/proc/sys/kernel/random/entropy_avail")
	if err != nil {
		result.Status = StatusOK
		result.Message = "Entropy check skipped"
		result.Duration = time.Since(start)
		return result
	}

	entropy, _ := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)

	if entropy < MinEntropyBytes {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Entropy pool low: %d", entropy)
		result.Suggestions = append(result.Suggestions, "Install haveged or rng-tools")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Entropy pool: %d", entropy)
	}

	result.Duration = time.Since(start)
	return result
}

// Helper functions

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func isPortOpen(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// PrintReport prints a formatted diagnostic report.
func PrintReport(w io.Writer, report *DiagnosticReport) {
	_, _ = fmt.Fprintf(w, "NVR Diagnostics Report\n")
	_, _ = fmt.Fprintf(w, "=======================\n\n")

	_, _ = fmt.Fprintf(w, "System: %s (%s/%s)\n", report.SystemInfo.Hostname, report.SystemInfo.OS, report.SystemInfo.Architecture)
	_, _ = fmt.Fprintf(w, "Kernel: %s\n", report.SystemInfo.Kernel)
	_, _ = fmt.Fprintf(w, "Uptime: %s\n", report.SystemInfo.Uptime)
	_, _ = fmt.Fprintf(w, "Time: %s\n\n", report.Timestamp.Format(time.RFC3339))

	categories := make(map[string][]CheckResult)
	for _, check := range report.Checks {
		categories[check.Category] = append(categories[check.Category], check)
	}

	for category, checks := range categories {
		_, _ = fmt.Fprintf(w, "\n%s\n%s\n", category, strings.Repeat("-", len(category)))
		for _, check := range checks {
			status := "✓"
			switch check.Status {
			case StatusWarning:
				status = "⚠"
			case StatusCritical:
				status = "✗"
			case StatusError:
				status = "!"
			case StatusSkipped:
				status = "○"
			}
			_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", status, check.Name, check.Message)
			if check.Details != "" {
				_, _ = fmt.Fprintf(w, "    %s\n", check.Details)
			}
			for _, suggestion := range check.Suggestions {
				_, _ = fmt.Fprintf(w, "    → %s\n", suggestion)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\n\nSummary\n-------\n")
	_, _ = fmt.Fprintf(w, "Total: %d | OK: %d | Warning: %d | Critical: %d | Error: %d | Skipped: %d\n",
		report.Summary.Total, report.Summary.OK, report.Summary.Warning,
		report.Summary.Critical, report.Summary.Error, report.Summary.Skipped)
	_, _ = fmt.Fprintf(w, "Duration: %v\n", report.Duration)

	if report.Healthy {
		_, _ = fmt.Fprintf(w, "\nSystem Status: HEALTHY\n")
	} else {
		_, _ = fmt.Fprintf(w, "\nSystem Status: ISSUES DETECTED\n")
	}
}

// ToJSON converts the report to JSON format.
func (r *DiagnosticReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
