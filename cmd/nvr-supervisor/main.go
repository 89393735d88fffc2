// Command nvr-supervisor is the NVR daemon entrypoint: it loads
// configuration, spawns one nvr-worker process per enabled camera, serves
// the external health/status HTTP contract, and persists restart history.
//
// Usage:
//
//	nvr-supervisor [options]
//
// Options:
//
//	--config=PATH      Path to config file (default: /etc/nvr/config.yaml)
//	--lock-dir=PATH    Directory for per-camera lock files (default: /var/run/nvr)
//	--worker-bin=PATH  Path to the nvr-worker binary (default: looked up on PATH)
//	--log-level=LEVEL  Log level: debug, info, warn, error (default: info)
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/nvrcore/nvr/internal/config"
	"github.com/nvrcore/nvr/internal/health"
	"github.com/nvrcore/nvr/internal/lock"
	"github.com/nvrcore/nvr/internal/store"
	"github.com/nvrcore/nvr/internal/supervisor"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	lockDir    = flag.String("lock-dir", "/var/run/nvr", "Directory for per-camera lock files")
	workerBin  = flag.String("worker-bin", "nvr-worker", "Path to the nvr-worker binary")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	// A .env file in the working directory is a development convenience
	// only; its absence in production is expected and not an error.
	_ = godotenv.Load()

	logger := newLogger(*logLevel)
	logger.Info().Msg("starting nvr-supervisor")

	if err := os.MkdirAll(*lockDir, 0750); err != nil { //nolint:gosec // lock directory needs group read for service monitoring
		logger.Fatal().Err(err).Msg("create lock directory")
	}

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}

	histPath := filepath.Join(cfg.Recorder.OutputDir, "history.db")
	if err := os.MkdirAll(cfg.Recorder.OutputDir, 0750); err != nil { //nolint:gosec // recordings directory needs group read
		logger.Fatal().Err(err).Msg("create output directory")
	}
	hist, err := store.Open(histPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open history store")
	}
	defer func() { _ = hist.Close() }()

	camSup := supervisor.NewCameraSupervisor(supervisor.CameraSupervisorConfig{
		HeartbeatTimeout: cfg.Supervisor.HeartbeatTimeout,
		MaxRestartDelay:  cfg.Supervisor.MaxRestartDelay,
		Logger:           logger,
	})

	enabled := cfg.EnabledCameras()
	if len(enabled) == 0 {
		logger.Warn().Msg("no enabled cameras in configuration")
	}

	var locks []*lock.FileLock
	for _, id := range enabled {
		fl, err := lock.NewFileLock(filepath.Join(*lockDir, id+".lock"))
		if err != nil {
			logger.Error().Err(err).Str("camera_id", id).Msg("create lock")
			continue
		}
		if err := fl.Acquire(5 * time.Second); err != nil {
			logger.Error().Err(err).Str("camera_id", id).Msg("camera already supervised elsewhere, skipping")
			continue
		}
		locks = append(locks, fl)

		if err := camSup.Register(supervisor.WorkerSpec{
			CameraID: id,
			Command:  *workerBin,
			Args:     []string{"--config", *configPath, "--camera-id", id},
		}); err != nil {
			logger.Error().Err(err).Str("camera_id", id).Msg("register worker")
		}
	}
	defer func() {
		for _, fl := range locks {
			_ = fl.Close()
		}
	}()

	ambient := supervisor.New(supervisor.Config{
		ShutdownTimeout: cfg.Supervisor.ShutdownTimeout,
		Logger:          logger,
	})
	if cfg.Monitor.Enabled {
		if err := ambient.Add(&healthService{addr: cfg.Monitor.HealthAddr, provider: &statusAdapter{camSup}}); err != nil {
			logger.Error().Err(err).Msg("register health service")
		}
	}
	if err := ambient.Add(&restartHistoryService{sup: camSup, hist: hist, logger: logger}); err != nil {
		logger.Error().Err(err).Msg("register restart history service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	go func() {
		if err := ambient.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("ambient supervisor exited with error")
		}
	}()

	logger.Info().Int("camera_count", len(enabled)).Msg("starting camera workers")
	if err := camSup.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("camera supervisor exited with error")
	}
	camSup.Stop()

	logger.Info().Msg("shutdown complete")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// statusAdapter bridges supervisor.CameraSupervisor's status snapshot into
// health.WorkerInfo, keeping internal/health free of an internal/supervisor
// import.
type statusAdapter struct {
	sup *supervisor.CameraSupervisor
}

func (a *statusAdapter) Workers() []health.WorkerInfo {
	statuses := a.sup.Status()
	out := make([]health.WorkerInfo, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, health.WorkerInfo{
			CameraID:      s.CameraID,
			State:         s.State.String(),
			LastHeartbeat: s.LastHeartbeat,
			FPS:           s.FPS,
			Recording:     s.Recording,
			ErrorMessage:  s.ErrorMessage,
			RestartCount:  s.RestartCount,
			ProcessAlive:  s.ProcessAlive,
			NextRestartAt: s.NextRestartAt,
		})
	}
	return out
}

// healthService wraps health.ListenAndServe as a supervisor.Service.
type healthService struct {
	addr     string
	provider health.StatusProvider
}

func (h *healthService) Name() string { return "health" }

func (h *healthService) Run(ctx context.Context) error {
	return health.ListenAndServe(ctx, h.addr, h.provider, nil)
}

// restartHistoryService polls the camera supervisor's status snapshot and
// records a restart event to the history store whenever a camera's
// restart count advances, since CameraSupervisor itself has no persistence
// hook.
type restartHistoryService struct {
	sup    *supervisor.CameraSupervisor
	hist   *store.Store
	logger zerolog.Logger
}

func (r *restartHistoryService) Name() string { return "restart-history" }

func (r *restartHistoryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	seen := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, s := range r.sup.Status() {
				prev := seen[s.CameraID]
				if s.RestartCount > prev {
					reason := s.ErrorMessage
					if reason == "" {
						reason = "worker process exited"
					}
					if err := r.hist.RecordRestartEvent(ctx, s.CameraID, reason, time.Until(s.NextRestartAt)); err != nil {
						r.logger.Warn().Err(err).Str("camera_id", s.CameraID).Msg("record restart event")
					}
				}
				seen[s.CameraID] = s.RestartCount
			}
		}
	}
}
