// SPDX-License-Identifier: MIT

// Package recorder drives an ffmpeg encoder subprocess that turns a stream
// of raw frames into a correctly closed media file, surviving transient
// encoder crashes by restarting into a new, suffixed output file and
// protecting memory with a bounded, backpressure-aware write queue.
//
// The restart loop is adapted from an audio-to-RTSP encoder into a
// frame-writing video encoder; pre-roll ring sizing, write queue
// backpressure, and the _partN_HHMMSS restart naming scheme follow an
// earlier ffmpeg-based recording module's proven shape.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvrcore/nvr/internal/ffmpegproc"
	"github.com/rs/zerolog"
)

// Frame is one decoded, resized video frame ready for encoding.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Config parameterizes a Recorder instance. One Config corresponds to one
// camera's high-quality recording path.
type Config struct {
	CameraID   string
	FFmpegPath string
	OutputDir  string

	Width, Height int
	FPS           int

	// PreRollSeconds sets the size of the always-on ring buffer that is
	// primed into the encoder at the start of every recording.
	PreRollSeconds int

	// WriteQueueCapacity bounds the encoder write queue. Zero uses 1000.
	WriteQueueCapacity int

	// MaxRestarts bounds encoder restarts within one recording session.
	// Zero uses 3.
	MaxRestarts int

	// MaxConsecutiveWriteErrors marks recording_failed after this many
	// back-to-back write failures. Zero uses 10.
	MaxConsecutiveWriteErrors int

	// GracefulStopTimeout bounds how long stop_recording waits for the
	// encoder to exit after the end-of-input sentinel before escalating to
	// a kill. Zero uses 3s.
	GracefulStopTimeout time.Duration

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.WriteQueueCapacity <= 0 {
		c.WriteQueueCapacity = 1000
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.MaxConsecutiveWriteErrors <= 0 {
		c.MaxConsecutiveWriteErrors = 10
	}
	if c.GracefulStopTimeout <= 0 {
		c.GracefulStopTimeout = 3 * time.Second
	}
}

const (
	// highWatermarkFraction suppresses further enqueues once the write
	// queue is this full.
	highWatermarkFraction = 0.8
	// criticalFraction triggers an emergency drain and marks the
	// recording failed.
	criticalFraction = 0.95
	// emergencyDrainCount bounds how many frames an emergency drain
	// discards in one pass.
	emergencyDrainCount = 200
	// drainSafetyCap bounds the shutdown-time queue drain so memory is
	// released promptly even under a pathological backlog.
	drainSafetyCap = 2000
	// forceImmediateQueueBacklog is the write-queue depth beyond which
	// stop_recording always forces an immediate kill instead of a
	// graceful shutdown.
	forceImmediateQueueBacklog = 50
)

// Status is a point-in-time snapshot suitable for embedding in a worker
// heartbeat.
type Status struct {
	Recording       bool
	RecordingFailed bool
	RestartCount    int
	DroppedFrames   int
	ProcessAlive    bool
	OutputPath      string
}

// Recorder manages one camera's high-quality recording path.
type Recorder struct {
	cfg Config

	mu              sync.Mutex
	recording       bool
	recordingFailed bool
	restartCount    int
	droppedFrames   int
	outputPath      string
	baseOutputPath  string

	preRoll *ring

	proc       *ffmpegproc.Process
	writeQueue chan []byte
	stopWriter chan struct{}
	stopMonitor chan struct{}
	loopsDone  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Recorder. cfg.setDefaults fills in zero-valued tunables.
func New(cfg Config) *Recorder {
	cfg.setDefaults()
	capacity := cfg.PreRollSeconds * cfg.FPS
	if capacity < 0 {
		capacity = 0
	}
	return &Recorder{
		cfg:     cfg,
		preRoll: newRing(capacity),
	}
}

// AddFrame appends frame to the pre-roll ring unconditionally, and if
// currently recording and healthy, also enqueues it for the encoder. A
// full write queue counts a drop rather than blocking the caller.
func (r *Recorder) AddFrame(frame Frame) {
	r.preRoll.push(frame.Data)

	r.mu.Lock()
	recording := r.recording
	failed := r.recordingFailed
	queue := r.writeQueue
	r.mu.Unlock()

	if !recording || failed || queue == nil {
		return
	}

	depth := len(queue)
	capacity := cap(queue)
	if capacity > 0 && float64(depth) >= float64(capacity)*criticalFraction {
		r.emergencyDrain(queue)
		r.mu.Lock()
		r.recordingFailed = true
		r.mu.Unlock()
		r.cfg.Logger.Error().Str("camera_id", r.cfg.CameraID).Msg("write queue critical, emergency drain and recording_failed")
		return
	}
	if capacity > 0 && float64(depth) > float64(capacity)*highWatermarkFraction {
		r.recordDrop()
		return
	}

	select {
	case queue <- frame.Data:
	default:
		r.recordDrop()
	}
}

func (r *Recorder) recordDrop() {
	r.mu.Lock()
	r.droppedFrames++
	n := r.droppedFrames
	r.mu.Unlock()
	r.cfg.Logger.Warn().Str("camera_id", r.cfg.CameraID).Int("dropped_frames", n).Msg("write queue full, dropping frame")
}

func (r *Recorder) emergencyDrain(queue chan []byte) {
	for i := 0; i < emergencyDrainCount; i++ {
		select {
		case <-queue:
			r.recordDrop()
		default:
			return
		}
	}
}

// StartRecording launches the encoder, primes it with the pre-roll ring,
// and starts the writer and monitor loops. Idempotent: a no-op if already
// recording.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recordingFailed = false
	r.restartCount = 0
	r.droppedFrames = 0
	r.mu.Unlock()

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("recorder: create output dir: %w", err)
	}

	outputPath := r.nextOutputPath(0)

	runCtx, cancel := context.WithCancel(ctx)
	proc, err := r.startEncoder(runCtx, outputPath)
	if err != nil {
		cancel()
		return fmt.Errorf("recorder: start encoder: %w", err)
	}

	queue := make(chan []byte, r.cfg.WriteQueueCapacity)
	for _, f := range r.preRoll.snapshot() {
		select {
		case queue <- f:
		default:
		}
	}

	r.mu.Lock()
	r.proc = proc
	r.writeQueue = queue
	r.outputPath = outputPath
	r.baseOutputPath = outputPath
	r.recording = true
	r.ctx = runCtx
	r.cancel = cancel
	r.stopWriter = make(chan struct{})
	r.stopMonitor = make(chan struct{})
	r.mu.Unlock()

	r.loopsDone.Add(2)
	go r.writerLoop()
	go r.monitorLoop()

	r.cfg.Logger.Info().Str("camera_id", r.cfg.CameraID).Int("pid", proc.Pid()).Str("output", outputPath).Msg("recording started")
	return nil
}

func (r *Recorder) startEncoder(ctx context.Context, outputPath string) (*ffmpegproc.Process, error) {
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", r.cfg.Width, r.cfg.Height),
		"-r", fmt.Sprintf("%d", r.cfg.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		outputPath,
	}
	return ffmpegproc.Start(ctx, ffmpegproc.Options{
		FFmpegPath: r.cfg.FFmpegPath,
		Args:       args,
		Stdin:      true,
	})
}

func (r *Recorder) nextOutputPath(part int) string {
	name := fmt.Sprintf("%s.mp4", r.cfg.CameraID)
	if part > 0 {
		name = fmt.Sprintf("%s_part%d_%s.mp4", r.cfg.CameraID, part, time.Now().Format("150405"))
	}
	return filepath.Join(r.cfg.OutputDir, name)
}

// writerLoop dequeues frames and writes them to the encoder's stdin.
func (r *Recorder) writerLoop() {
	defer r.loopsDone.Done()

	consecutiveErrors := 0
	for {
		r.mu.Lock()
		queue := r.writeQueue
		stop := r.stopWriter
		r.mu.Unlock()

		select {
		case <-stop:
			r.drainQueue(queue)
			return
		case frame, ok := <-queue:
			if !ok {
				return
			}
			r.mu.Lock()
			proc := r.proc
			failed := r.recordingFailed
			r.mu.Unlock()
			if failed || proc == nil {
				continue
			}
			stdin := proc.Stdin()
			if stdin == nil {
				consecutiveErrors++
			} else if _, err := stdin.Write(frame); err != nil {
				consecutiveErrors++
				r.cfg.Logger.Warn().Err(err).Str("camera_id", r.cfg.CameraID).Int("consecutive_errors", consecutiveErrors).Msg("write error")
			} else {
				consecutiveErrors = 0
			}

			if consecutiveErrors >= r.cfg.MaxConsecutiveWriteErrors {
				r.mu.Lock()
				r.recordingFailed = true
				r.mu.Unlock()
				r.cfg.Logger.Error().Str("camera_id", r.cfg.CameraID).Msg("writer loop: too many consecutive write errors, recording_failed")
				r.drainQueue(queue)
				return
			}
		case <-time.After(100 * time.Millisecond):
			continue
		}
	}
}

func (r *Recorder) drainQueue(queue chan []byte) {
	for i := 0; i < drainSafetyCap; i++ {
		select {
		case <-queue:
		default:
			return
		}
	}
}

// monitorLoop waits for the encoder process to exit. An exit with an error
// restarts the encoder, up to MaxRestarts, after which the recording is
// marked failed; a clean exit ends the loop without a restart. The 2s
// ticker does not drive any check.
func (r *Recorder) monitorLoop() {
	defer r.loopsDone.Done()

	r.mu.Lock()
	proc := r.proc
	stop := r.stopMonitor
	r.mu.Unlock()

	exitCh := make(chan error, 1)
	go func() { exitCh <- proc.Wait() }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Liveness observed via exitCh below; the tick exists only to
			// match the polling cadence this loop is specified at.
		case err := <-exitCh:
			if err == nil {
				return
			}
			if !r.restartEncoder() {
				r.mu.Lock()
				r.recordingFailed = true
				r.mu.Unlock()
				r.cfg.Logger.Error().Str("camera_id", r.cfg.CameraID).Msg("monitor loop: giving up after max restarts")
				return
			}
			r.mu.Lock()
			proc = r.proc
			r.mu.Unlock()
			exitCh = make(chan error, 1)
			go func(p *ffmpegproc.Process) { exitCh <- p.Wait() }(proc)
		}
	}
}

func (r *Recorder) restartEncoder() bool {
	r.mu.Lock()
	if r.restartCount >= r.cfg.MaxRestarts {
		r.mu.Unlock()
		return false
	}
	r.restartCount++
	part := r.restartCount
	ctx := r.ctx
	oldProc := r.proc
	r.mu.Unlock()

	if oldProc != nil {
		oldProc.Stop(r.cfg.GracefulStopTimeout)
	}

	newPath := r.nextOutputPath(part)
	newProc, err := r.startEncoder(ctx, newPath)
	if err != nil {
		r.cfg.Logger.Error().Err(err).Str("camera_id", r.cfg.CameraID).Msg("monitor loop: restart failed")
		return false
	}

	r.mu.Lock()
	r.proc = newProc
	r.outputPath = newPath
	r.mu.Unlock()

	r.cfg.Logger.Warn().Str("camera_id", r.cfg.CameraID).Int("restart_count", part).Str("output", newPath).Msg("encoder restarted")
	return true
}

// StopRecording idempotently stops an active recording. forceImmediate
// skips the graceful end-of-input sentinel and kills the encoder directly;
// it is also forced automatically when the encoder has already restarted,
// the write queue is badly backed up, or the encoder's stdin is gone.
func (r *Recorder) StopRecording(forceImmediate bool) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.recording = false
	proc := r.proc
	queue := r.writeQueue
	stopWriter := r.stopWriter
	stopMonitor := r.stopMonitor
	restartCount := r.restartCount
	cancel := r.cancel
	r.mu.Unlock()

	backedUp := queue != nil && len(queue) > forceImmediateQueueBacklog
	stdinGone := proc != nil && proc.Stdin() == nil
	force := forceImmediate || restartCount >= 1 || backedUp || stdinGone

	close(stopMonitor)
	close(stopWriter)
	r.loopsDone.Wait()

	if proc != nil {
		if force {
			_ = proc.Kill()
		} else {
			if err := proc.SendLine("q"); err != nil {
				_ = proc.Kill()
			} else {
				done := make(chan struct{})
				go func() { _ = proc.Wait(); close(done) }()
				select {
				case <-done:
				case <-time.After(r.cfg.GracefulStopTimeout):
					proc.Stop(r.cfg.GracefulStopTimeout)
				}
			}
		}
	}

	if cancel != nil {
		cancel()
	}

	r.cfg.Logger.Info().Str("camera_id", r.cfg.CameraID).Int("restart_count", restartCount).Int("dropped_frames", r.droppedFrames).Msg("recording stopped")
}

// IsRecordingHealthy reports whether a recording is active, has not
// failed, and its encoder subprocess is still alive.
func (r *Recorder) IsRecordingHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording || r.recordingFailed {
		return false
	}
	return r.proc != nil && r.proc.Alive()
}

// GetStatus returns a snapshot suitable for a heartbeat message.
func (r *Recorder) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Recording:       r.recording,
		RecordingFailed: r.recordingFailed,
		RestartCount:    r.restartCount,
		DroppedFrames:   r.droppedFrames,
		ProcessAlive:    r.proc != nil && r.proc.Alive(),
		OutputPath:      r.outputPath,
	}
}
