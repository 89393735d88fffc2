// Command nvr-worker is the per-camera worker process spawned by
// nvr-supervisor. It is a plain child-process invocation: every run
// reconstructs its state from configuration alone, reading its camera id
// and the shared config file from flags, rather than inheriting any state
// from its parent beyond the stdin/stdout IPC pipes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvrcore/nvr/internal/config"
	"github.com/nvrcore/nvr/internal/worker"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	cameraID   = flag.String("camera-id", "", "Camera id this worker process serves")
)

func main() {
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("camera_id", *cameraID).Logger()

	if *cameraID == "" {
		logger.Fatal().Msg("--camera-id is required")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}

	camCfg := cfg.GetCameraConfig(*cameraID)
	if err := camCfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid camera configuration")
	}
	if !camCfg.Enabled {
		logger.Fatal().Msg("camera is disabled")
	}

	w := worker.New(worker.Config{
		CameraID:        *cameraID,
		MainURL:         camCfg.MainURL,
		PreviewURL:      camCfg.PreviewURL,
		MotionThreshold: camCfg.MotionThreshold,
		MinContourArea:  camCfg.MinContourArea,
		MotionTimeout:   camCfg.MotionTimeout,
		PreRollSeconds:  camCfg.PreRollSeconds,
		PostRollSeconds: time.Duration(camCfg.PostRollSeconds) * time.Second,
		TargetFPS:       camCfg.TargetFPS,
		Width:           camCfg.FrameWidth,
		Height:          camCfg.FrameHeight,
		FFmpegPath:      cfg.Recorder.FFmpegPath,
		OutputDir:       cfg.Recorder.OutputDir,
		Logger:          logger,
	}, os.Stdin, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}
