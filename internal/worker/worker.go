// SPDX-License-Identifier: MIT

// Package worker implements the per-camera worker process: four cooperative
// loops coordinated by an errgroup, isolated from every other camera by
// running in its own OS process. Capture acquires the camera's stream,
// validates frames, and drives the motion confirmation timer; the
// recording controller starts and stops the Recorder off that timer's
// edges; the heartbeat loop publishes state upstream; the command loop
// applies commands from the supervisor.
//
// Restart and reconnect handling follow the same state-and-backoff shape
// as a single audio-encode loop, generalized here into four cooperating
// loops that share one mutex-protected state struct.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nvrcore/nvr/internal/backoff"
	"github.com/nvrcore/nvr/internal/ffmpegproc"
	"github.com/nvrcore/nvr/internal/ipc"
	"github.com/nvrcore/nvr/internal/motiontimer"
	"github.com/nvrcore/nvr/internal/ptz"
	"github.com/nvrcore/nvr/internal/recorder"
	"github.com/nvrcore/nvr/internal/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config describes one camera's complete worker configuration, the union
// of its validated camera settings and the runtime paths it needs.
type Config struct {
	CameraID   string
	MainURL    string
	PreviewURL string // empty means "use MainURL"

	MotionThreshold   int
	MinContourArea    int
	MotionTimeout     time.Duration
	PreRollSeconds    int
	PostRollSeconds   time.Duration
	TargetFPS         int
	Width, Height     int

	FFmpegPath string
	OutputDir  string

	PTZ ptz.Controller // nil defaults to ptz.NoopController

	Logger zerolog.Logger
}

func (c Config) previewURL() string {
	if c.PreviewURL == "" {
		return c.MainURL
	}
	return c.PreviewURL
}

// invalidFrameLimit forces a reconnect after this many consecutive invalid
// frames.
const invalidFrameLimit = 10

// noFrameTimeout forces a reconnect if no valid frame arrives within it.
const noFrameTimeout = 5 * time.Second

// maxURLFailures caps consecutive unreachable-URL attempts before the
// worker marks itself fatally erroring and exits for the supervisor to
// restart.
const maxURLFailures = 5

// maxConnectFailures caps consecutive ffmpeg-subprocess connect failures
// (the stream never even starts) before the worker reports the distinct
// "Max connection failures" critical condition, ahead of the broader
// URL-exhaustion ladder.
const maxConnectFailures = 5

// errConnectFailed marks a runCaptureSession failure as a connect-level
// failure (ffmpeg never started streaming) rather than a frame-validity or
// mid-stream read failure.
var errConnectFailed = errors.New("ffmpeg failed to connect")

// recordingHealthFPSFraction is the fraction of configured FPS below which
// an active recording's stream health is considered unhealthy.
const recordingHealthFPSFraction = 0.20

// recordingUnhealthyStrikes ends a recording after this many consecutive
// unhealthy stream-health observations.
const recordingUnhealthyStrikes = 3

// sharedState holds every field the four loops read or write, protected by
// mu. Locked sections never perform I/O.
type sharedState struct {
	mu sync.Mutex

	fps             float64
	recording       bool
	recordingFailed bool
	errorMessage    string
	errorCritical   bool

	recordRequest bool
	stopRequest   bool

	motion motiontimer.State

	running bool
}

// Worker runs one camera's four cooperative loops until ctx is cancelled or
// a fatal stream error occurs.
type Worker struct {
	cfg      Config
	state    sharedState
	recorder *recorder.Recorder
	enc      *ipc.Encoder
	dec      *ipc.Decoder
	cancel   context.CancelFunc

	consecutiveInvalidFrames int
	lastValidFrameAt         time.Time
	urlFailures              int
	connectFailures          int
	usingPreview             bool
}

// New creates a Worker wired to stdin/stdout as its IPC transport.
func New(cfg Config, stdin io.Reader, stdout io.Writer) *Worker {
	if cfg.PTZ == nil {
		cfg.PTZ = ptz.NoopController{}
	}
	rec := recorder.New(recorder.Config{
		CameraID:       cfg.CameraID,
		FFmpegPath:     cfg.FFmpegPath,
		OutputDir:      cfg.OutputDir,
		Width:          cfg.Width,
		Height:         cfg.Height,
		FPS:            cfg.TargetFPS,
		PreRollSeconds: cfg.PreRollSeconds,
		Logger:         cfg.Logger,
	})
	return &Worker{
		cfg:          cfg,
		recorder:     rec,
		enc:          ipc.NewEncoder(stdout),
		dec:          ipc.NewDecoder(stdin),
		usingPreview: true,
	}
}

// Run starts all four loops and blocks until ctx is cancelled, a CmdStop
// command is applied, or a loop returns a fatal error. Cancelling the
// worker's context, which the CmdStop handler also does, unwinds every loop
// cooperatively.
func (w *Worker) Run(ctx context.Context) error {
	w.state.mu.Lock()
	w.state.running = true
	w.state.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	// A panic in any one loop is converted to an error instead of crashing
	// the worker process outright, so the supervisor sees a normal exit and
	// applies its usual restart/backoff handling rather than losing the
	// heartbeat entirely.
	g.Go(func() error { return util.RecoverToPanic(func() error { return w.captureLoop(ctx) }) })
	g.Go(func() error { return util.RecoverToPanic(func() error { return w.recordingControllerLoop(ctx) }) })
	g.Go(func() error { return util.RecoverToPanic(func() error { return w.heartbeatLoop(ctx) }) })
	g.Go(func() error { return util.RecoverToPanic(func() error { return w.commandLoop(ctx) }) })

	err := g.Wait()

	w.state.mu.Lock()
	w.state.running = false
	unhealthy := w.streamUnhealthyLocked()
	w.state.mu.Unlock()
	w.recorder.StopRecording(unhealthy)

	return err
}

func (w *Worker) streamUnhealthyLocked() bool {
	return w.state.recordingFailed || w.state.fps <= 0
}

// captureLoop acquires the active stream, reads and validates frames, feeds
// the motion timer, and mirrors every valid frame into the recorder.
func (w *Worker) captureLoop(ctx context.Context) error {
	rb := backoff.NewRunBackoff(5*time.Second, 60*time.Second, 0)

	for {
		if ctx.Err() != nil {
			return nil
		}

		url := w.cfg.previewURL()
		if !w.usingPreview {
			url = w.cfg.MainURL
		}

		started := time.Now()
		if err := w.runCaptureSession(ctx, url); err != nil {
			w.cfg.Logger.Warn().Err(err).Str("camera_id", w.cfg.CameraID).Str("url", url).Msg("capture session ended")

			if errors.Is(err, errConnectFailed) {
				w.connectFailures++
			} else {
				w.connectFailures = 0
			}
			if w.connectFailures >= maxConnectFailures {
				w.setCriticalError("Max connection failures")
				return fmt.Errorf("worker: %s: exhausted %d consecutive connection failures", w.cfg.CameraID, w.connectFailures)
			}

			w.urlFailures++
			if w.usingPreview && w.cfg.PreviewURL != "" {
				w.usingPreview = false // fall back to main URL on the next attempt
			} else {
				w.usingPreview = true
			}

			if w.urlFailures >= maxURLFailures {
				w.setCriticalError("No valid camera URL")
				return fmt.Errorf("worker: %s: exhausted %d consecutive URL failures", w.cfg.CameraID, w.urlFailures)
			}

			rb.RecordFailure()
			if err := rb.WaitContext(ctx); err != nil {
				return nil
			}
			continue
		}

		w.urlFailures = 0
		w.connectFailures = 0
		rb.RecordSuccess(time.Since(started))
	}
}

func (w *Worker) runCaptureSession(ctx context.Context, url string) error {
	args := []string{
		"-rtsp_transport", "tcp",
		"-i", url,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", w.cfg.Width, w.cfg.Height),
		"-r", fmt.Sprintf("%d", w.cfg.TargetFPS),
		"pipe:1",
	}
	proc, err := ffmpegproc.Start(ctx, ffmpegproc.Options{
		FFmpegPath: w.cfg.FFmpegPath,
		Args:       args,
		Stdout:     true,
	})
	if err != nil {
		return fmt.Errorf("start capture: %w: %w", errConnectFailed, err)
	}
	defer proc.Stop(2 * time.Second)

	frameSize := w.cfg.Width * w.cfg.Height * 3
	if frameSize <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", w.cfg.Width, w.cfg.Height)
	}

	buf := make([]byte, frameSize)
	var prevFrame []byte
	w.consecutiveInvalidFrames = 0
	w.lastValidFrameAt = time.Now()

	// Bounds how fast the capture loop processes frames off the encoder's
	// stdout pipe; ffmpeg is the actual pacing source, this is a backstop
	// against a misbehaving source pushing frames faster than configured.
	limiter := rate.NewLimiter(rate.Limit(maxInt(w.cfg.TargetFPS, 1)*2), maxInt(w.cfg.TargetFPS, 1))
	frameCount := 0
	windowStart := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(w.lastValidFrameAt) > noFrameTimeout {
			return fmt.Errorf("no valid frame for %s", noFrameTimeout)
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		if _, err := io.ReadFull(proc.Stdout(), buf); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		if !validFrame(buf, w.cfg.Width, w.cfg.Height) {
			w.consecutiveInvalidFrames++
			if w.consecutiveInvalidFrames >= invalidFrameLimit {
				return fmt.Errorf("%d consecutive invalid frames", w.consecutiveInvalidFrames)
			}
			continue
		}
		w.consecutiveInvalidFrames = 0
		w.lastValidFrameAt = time.Now()

		frame := make([]byte, len(buf))
		copy(frame, buf)

		frameCount++
		if elapsed := time.Since(windowStart); elapsed >= time.Second {
			fps := float64(frameCount) / elapsed.Seconds()
			w.state.mu.Lock()
			w.state.fps = fps
			w.state.mu.Unlock()
			frameCount = 0
			windowStart = time.Now()
		}

		motionDetected := detectMotion(prevFrame, frame, w.cfg.MotionThreshold, w.cfg.MinContourArea)
		prevFrame = frame

		w.applyMotion(motionDetected, time.Now())
		w.recorder.AddFrame(recorder.Frame{Data: frame, Timestamp: time.Now()})
	}
}

func (w *Worker) applyMotion(motionDetected bool, now time.Time) {
	cfg := motiontimer.Config{
		MotionTimeout:   w.cfg.MotionTimeout,
		PostRoll:        w.cfg.PostRollSeconds,
		Cooldown:        motiontimer.DefaultTriggerCooldown,
		TriggerCooldown: motiontimer.DefaultTriggerCooldown,
	}

	w.state.mu.Lock()
	next, edges, err := motiontimer.Step(w.state.motion, now, motionDetected, cfg)
	if err == nil {
		w.state.motion = next
	}
	for _, e := range edges {
		switch e {
		case motiontimer.EdgeConfirm:
			w.state.recordRequest = true
		case motiontimer.EdgeEnd:
			w.state.stopRequest = true
		}
	}
	w.state.mu.Unlock()
}

func (w *Worker) setCriticalError(msg string) {
	w.state.mu.Lock()
	w.state.errorMessage = msg
	w.state.errorCritical = true
	w.state.mu.Unlock()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// validFrame rejects null, undersized/oversized, uniformly black, uniformly
// saturated, or frozen frames.
func validFrame(frame []byte, width, height int) bool {
	if len(frame) == 0 {
		return false
	}
	if width < 100 || height < 100 || width > 4096 || height > 4096 {
		return false
	}
	mean, stddev := frameStats(frame)
	if mean < 5 && stddev < 5 {
		return false // uniformly black
	}
	if mean > 250 && stddev < 5 {
		return false // uniformly saturated
	}
	if stddev < 0.1 {
		return false // frozen
	}
	return true
}

// recordingControllerLoop starts/stops the Recorder off the level-triggered
// record/stop signals and polls recording-time stream health.
func (w *Worker) recordingControllerLoop(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	unhealthyStrikes := 0
	lastHealthCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.state.mu.Lock()
			recordReq := w.state.recordRequest
			stopReq := w.state.stopRequest
			recording := w.state.recording
			fps := w.state.fps
			w.state.mu.Unlock()

			if recordReq && !recording {
				if err := w.recorder.StartRecording(ctx); err != nil {
					w.cfg.Logger.Error().Err(err).Str("camera_id", w.cfg.CameraID).Msg("start_recording failed")
				} else {
					w.state.mu.Lock()
					w.state.recording = true
					w.state.recordRequest = false
					w.state.mu.Unlock()
					unhealthyStrikes = 0
				}
			}

			if recording && time.Since(lastHealthCheck) >= 5*time.Second {
				lastHealthCheck = time.Now()
				minFPS := float64(w.cfg.TargetFPS) * recordingHealthFPSFraction
				if fps < minFPS {
					unhealthyStrikes++
				} else {
					unhealthyStrikes = 0
				}
				if unhealthyStrikes >= recordingUnhealthyStrikes {
					stopReq = true
				}
			}

			if stopReq && recording {
				w.recorder.StopRecording(false)
				w.state.mu.Lock()
				w.state.recording = false
				w.state.stopRequest = false
				w.state.mu.Unlock()
				unhealthyStrikes = 0
			}
		}
	}
}

// heartbeatLoop publishes worker state every 5s.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.publishHeartbeat()
		}
	}
}

func (w *Worker) publishHeartbeat() {
	w.state.mu.Lock()
	fps := w.state.fps
	recording := w.state.recording
	recordingFailed := w.state.recordingFailed
	errMsg := w.state.errorMessage
	critical := w.state.errorCritical
	w.state.mu.Unlock()

	state := ipc.StreamIdle
	switch {
	case critical:
		state = ipc.StreamError
	case recordingFailed:
		state = ipc.StreamRecordingFailed
	case recording:
		state = ipc.StreamRecording
	case fps > 0:
		state = ipc.StreamCapturing
	}

	hb := ipc.NewHeartbeat(w.cfg.CameraID, state, fps, recording, errMsg)
	if err := w.enc.Encode(hb); err != nil {
		w.cfg.Logger.Error().Err(err).Str("camera_id", w.cfg.CameraID).Msg("heartbeat publish failed")
	}

	if !critical {
		w.state.mu.Lock()
		w.state.errorMessage = ""
		w.state.mu.Unlock()
	}
}

// commandLoop applies commands received from the supervisor. Decoding a
// line from stdin is itself the loop's suspension point; process
// teardown (stdin close) unblocks it on shutdown.
func (w *Worker) commandLoop(ctx context.Context) error {
	cmdCh := make(chan ipc.Command)
	errCh := make(chan error, 1)

	go func() {
		for {
			var cmd ipc.Command
			err := w.dec.Next(&cmd)
			if err == io.EOF {
				errCh <- nil
				return
			}
			if err == ipc.ErrMalformed {
				continue
			}
			if err != nil {
				errCh <- err
				return
			}
			select {
			case cmdCh <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case cmd := <-cmdCh:
			w.applyCommand(cmd)
		case <-time.After(time.Second):
			// periodic wakeup so ctx.Done() is observed promptly even
			// while the decoder goroutine is blocked mid-read
		}
	}
}

func (w *Worker) applyCommand(cmd ipc.Command) {
	if !ipc.KnownCommand(cmd.Name) {
		w.cfg.Logger.Warn().Str("camera_id", w.cfg.CameraID).Str("command", string(cmd.Name)).Msg("unknown command ignored")
		return
	}

	switch cmd.Name {
	case ipc.CmdStop:
		w.state.mu.Lock()
		w.state.stopRequest = true
		w.state.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
	case ipc.CmdStartRecording:
		w.state.mu.Lock()
		w.state.recordRequest = true
		w.state.mu.Unlock()
	case ipc.CmdStopRecording:
		w.state.mu.Lock()
		w.state.stopRequest = true
		w.state.mu.Unlock()
	case ipc.CmdPTZMove:
		move, err := ptz.ParseMove(cmd.Params)
		if err != nil {
			w.cfg.Logger.Warn().Err(err).Str("camera_id", w.cfg.CameraID).Msg("ptz_move rejected")
			return
		}
		if err := w.cfg.PTZ.Move(w.cfg.CameraID, move); err != nil {
			w.cfg.Logger.Warn().Err(err).Str("camera_id", w.cfg.CameraID).Msg("ptz_move failed")
		}
	}
}
