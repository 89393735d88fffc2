// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvrcore/nvr/internal/backoff"
	"github.com/nvrcore/nvr/internal/ipc"
	"github.com/nvrcore/nvr/internal/util"
)

// WorkerState is the lifecycle state of one spawned camera worker process,
// as tracked by the CameraSupervisor. It is distinct from the in-process
// ServiceState above: a camera worker is a separate OS process monitored by
// heartbeat, not a goroutine suture restarts directly.
type WorkerState int

const (
	WorkerStarting WorkerState = iota
	WorkerRunning
	WorkerUnhealthy
	WorkerCrashed
	WorkerStopping
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerUnhealthy:
		return "unhealthy"
	case WorkerCrashed:
		return "crashed"
	case WorkerStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

const (
	// DefaultHeartbeatTimeout is the interval after which a missing
	// heartbeat first marks a worker Unhealthy.
	DefaultHeartbeatTimeout = 15 * time.Second
	// monitorInterval is how often the monitor loop sweeps all workers.
	monitorInterval = 2 * time.Second
	// commandQueueCapacity and statusQueueCapacity size each worker's
	// bounded IPC channels.
	commandQueueCapacity = 100
	statusQueueCapacity  = 1000
	// stopJoinTimeout and stopKillGrace bound the worker stop sequence:
	// send "stop", wait, terminate, wait again, then force-kill.
	stopJoinTimeout = 5 * time.Second
	stopKillGrace   = 2 * time.Second
)

// criticalErrors are heartbeat error messages that immediately transition a
// worker from Running to Unhealthy, ahead of the heartbeat-timeout ladder.
var criticalErrors = map[string]bool{
	"Max connection failures": true,
	"No valid camera URL":     true,
}

// WorkerSpec describes how to spawn one camera's worker process.
type WorkerSpec struct {
	CameraID   string
	Command    string
	Args       []string
	WorkingDir string
}

// WorkerStatus is a point-in-time snapshot of one worker, the unit the
// external health endpoint consumes.
type WorkerStatus struct {
	CameraID      string
	State         WorkerState
	LastHeartbeat time.Time
	FPS           float64
	Recording     bool
	ErrorMessage  string
	RestartCount  int
	ProcessAlive  bool
	NextRestartAt time.Time
}

// worker is the CameraSupervisor's live bookkeeping for one camera process.
// Every field is guarded by CameraSupervisor.mu.
type worker struct {
	spec WorkerSpec

	cmd    *exec.Cmd
	enc    *ipc.Encoder
	dec    *ipc.Decoder
	stdin  chan ipc.Command
	status chan ipc.Heartbeat

	state         WorkerState
	lastHeartbeat time.Time
	fps           float64
	recording     bool
	errorMessage  string
	restartCount  int
	nextRestartAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// CameraSupervisor owns the lifecycle of one OS process per enabled camera:
// spawning, heartbeat monitoring, crash detection, and backoff restart. It
// implements the Supervisor responsibility (Startup/Monitor loop/Restart
// backoff/Worker stop/Status snapshot) on a different isolation tier than
// the in-process suture-backed Supervisor above.
type CameraSupervisor struct {
	mu      sync.Mutex
	workers map[string]*worker

	heartbeatTimeout time.Duration
	restartSchedule  backoff.RestartSchedule
	logger           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CameraSupervisorConfig configures a CameraSupervisor.
type CameraSupervisorConfig struct {
	HeartbeatTimeout time.Duration
	MaxRestartDelay  time.Duration
	Logger           zerolog.Logger
}

// NewCameraSupervisor creates a CameraSupervisor. Call Start to spawn
// registered workers and begin monitoring.
func NewCameraSupervisor(cfg CameraSupervisorConfig) *CameraSupervisor {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &CameraSupervisor{
		workers:          make(map[string]*worker),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		restartSchedule:  backoff.NewRestartSchedule(cfg.MaxRestartDelay),
		logger:           cfg.Logger,
	}
}

// Register adds a worker spec before Start. Registering after Start spawns
// the worker immediately.
func (s *CameraSupervisor) Register(spec WorkerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[spec.CameraID]; exists {
		return fmt.Errorf("camera supervisor: camera %q already registered", spec.CameraID)
	}
	w := &worker{spec: spec, state: WorkerStarting, status: make(chan ipc.Heartbeat, statusQueueCapacity)}
	s.workers[spec.CameraID] = w

	if s.ctx != nil {
		return s.spawnLocked(w)
	}
	return nil
}

// Start spawns every registered worker and runs the monitor loop until ctx
// is cancelled.
func (s *CameraSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		s.mu.Lock()
		if err := s.spawnLocked(w); err != nil {
			s.logger.Error().Err(err).Str("camera_id", w.spec.CameraID).Msg("spawn failed")
		}
		s.mu.Unlock()
	}

	s.monitorLoop(s.ctx)
	return nil
}

// Stop signals the monitor loop and every running worker to stop, waiting
// up to the per-worker stop sequence bound for each.
func (s *CameraSupervisor) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			s.stopWorker(w)
		}(w)
	}
	wg.Wait()
	s.wg.Wait()
}

// spawnLocked starts the worker's child process and its reader/writer
// goroutines. Caller must hold s.mu.
func (s *CameraSupervisor) spawnLocked(w *worker) error {
	ctx, cancel := context.WithCancel(s.ctx)
	cmd := exec.CommandContext(ctx, w.spec.Command, w.spec.Args...) // #nosec G204 - command/args come from validated camera configuration
	cmd.Dir = w.spec.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("camera supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("camera supervisor: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("camera supervisor: start: %w", err)
	}

	w.cmd = cmd
	w.cancel = cancel
	w.enc = ipc.NewEncoder(stdin)
	w.dec = ipc.NewDecoder(stdout)
	w.stdin = make(chan ipc.Command, commandQueueCapacity)
	w.done = make(chan struct{})
	w.state = WorkerStarting
	w.lastHeartbeat = time.Now()

	s.wg.Add(3)
	// A panic in any of these would otherwise crash the whole supervisor
	// process, taking down every other camera's worker with it.
	util.SafeGo("camera-read-loop-"+w.spec.CameraID, s.logger, func() { s.readLoop(w) }, nil)
	util.SafeGo("camera-write-loop-"+w.spec.CameraID, s.logger, func() { s.writeLoop(w) }, nil)
	util.SafeGo("camera-wait-loop-"+w.spec.CameraID, s.logger, func() { s.waitLoop(w) }, nil)

	s.logger.Info().Str("camera_id", w.spec.CameraID).Int("pid", cmd.Process.Pid).Msg("worker spawned")
	return nil
}

// readLoop decodes the worker's heartbeat stream and forwards each frame to
// the worker's status channel, dropping malformed frames without failing.
func (s *CameraSupervisor) readLoop(w *worker) {
	defer s.wg.Done()
	for {
		var hb ipc.Heartbeat
		err := w.dec.Next(&hb)
		if err == ipc.ErrMalformed {
			continue
		}
		if err != nil {
			return
		}
		select {
		case w.status <- hb:
		default:
			// status queue saturated; discard this (newest) heartbeat
			// rather than blocking the reader.
		}
	}
}

// writeLoop drains queued commands onto the worker's stdin.
func (s *CameraSupervisor) writeLoop(w *worker) {
	defer s.wg.Done()
	for cmd := range w.stdin {
		if err := w.enc.Encode(cmd); err != nil {
			s.logger.Warn().Err(err).Str("camera_id", w.spec.CameraID).Msg("command write failed")
			return
		}
	}
}

// waitLoop blocks on the child process exiting and marks the worker Crashed
// with a scheduled restart time, unless the supervisor is shutting down.
func (s *CameraSupervisor) waitLoop(w *worker) {
	defer s.wg.Done()
	err := w.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if w.state == WorkerStopping {
		close(w.done)
		return
	}
	s.logger.Warn().Err(err).Str("camera_id", w.spec.CameraID).Msg("worker process exited")
	s.markCrashedLocked(w)
}

func (s *CameraSupervisor) markCrashedLocked(w *worker) {
	w.state = WorkerCrashed
	w.nextRestartAt = time.Now().Add(s.restartSchedule.Delay(w.restartCount))
	w.restartCount++
	close(w.done)
}

// monitorLoop implements the every-2s sweep: drain heartbeats, evaluate the
// timeout ladder, and re-spawn crashed workers whose restart delay elapsed.
func (s *CameraSupervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *CameraSupervisor) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, w := range s.workers {
		s.drainHeartbeatsLocked(w)

		if w.state == WorkerCrashed {
			if !w.nextRestartAt.IsZero() && now.After(w.nextRestartAt) {
				if err := s.spawnLocked(w); err != nil {
					s.logger.Error().Err(err).Str("camera_id", w.spec.CameraID).Msg("respawn failed")
					w.nextRestartAt = now.Add(s.restartSchedule.Delay(w.restartCount))
				}
			}
			continue
		}

		if w.state == WorkerStopping {
			continue
		}

		since := now.Sub(w.lastHeartbeat)
		switch {
		case since > 3*s.heartbeatTimeout && w.state == WorkerUnhealthy:
			s.logger.Warn().Str("camera_id", w.spec.CameraID).Msg("force restart: unhealthy past 3x heartbeat timeout")
			s.killAndMarkCrashedLocked(w)
		case since > 2*s.heartbeatTimeout:
			s.logger.Warn().Str("camera_id", w.spec.CameraID).Msg("stopping worker: no heartbeat past 2x timeout")
			s.killAndMarkCrashedLocked(w)
		case since > s.heartbeatTimeout:
			w.state = WorkerUnhealthy
		}
	}
}

// drainHeartbeatsLocked consumes every pending heartbeat for w, applying
// the most recent one's state transitions.
func (s *CameraSupervisor) drainHeartbeatsLocked(w *worker) {
	for {
		select {
		case hb := <-w.status:
			w.lastHeartbeat = time.Now()
			w.fps = hb.FPS
			w.recording = hb.Recording
			w.errorMessage = hb.ErrorMessage

			if criticalErrors[hb.ErrorMessage] {
				w.state = WorkerUnhealthy
				continue
			}
			if hb.FPS > 0 {
				w.state = WorkerRunning
				w.restartCount = 0
			}
		default:
			return
		}
	}
}

// killAndMarkCrashedLocked terminates a worker's process immediately
// (bypassing the graceful stop sequence, since this path is a supervisor-
// initiated recovery action rather than an operator stop). The process
// death wakes waitLoop, which performs the actual Crashed/restart-schedule
// bookkeeping once the exit is observed.
func (s *CameraSupervisor) killAndMarkCrashedLocked(w *worker) {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	if w.cancel != nil {
		w.cancel()
	}
}

// SendCommand enqueues a command for delivery to the named camera's worker.
func (s *CameraSupervisor) SendCommand(cameraID string, cmd ipc.Command) error {
	s.mu.Lock()
	w, exists := s.workers[cameraID]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("camera supervisor: camera %q not found", cameraID)
	}
	select {
	case w.stdin <- cmd:
		return nil
	default:
		return fmt.Errorf("camera supervisor: command queue full for camera %q", cameraID)
	}
}

// stopWorker runs the worker stop sequence: send stop, join up to
// stopJoinTimeout, terminate, then force-kill after stopKillGrace.
func (s *CameraSupervisor) stopWorker(w *worker) {
	s.mu.Lock()
	if w.state == WorkerCrashed || w.cmd == nil {
		s.mu.Unlock()
		return
	}
	w.state = WorkerStopping
	done := w.done
	s.mu.Unlock()

	select {
	case w.stdin <- ipc.NewCommand(ipc.CmdStop, nil):
	default:
	}

	select {
	case <-done:
		return
	case <-time.After(stopJoinTimeout):
	}

	s.mu.Lock()
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(os.Interrupt)
	}
	s.mu.Unlock()

	select {
	case <-done:
		return
	case <-time.After(stopKillGrace):
	}

	s.mu.Lock()
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	s.mu.Unlock()
}

// Status returns a snapshot of every camera worker, the sole contract
// consumed by the external health endpoint.
func (s *CameraSupervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]WorkerStatus, 0, len(s.workers))
	for id, w := range s.workers {
		result = append(result, WorkerStatus{
			CameraID:      id,
			State:         w.state,
			LastHeartbeat: w.lastHeartbeat,
			FPS:           w.fps,
			Recording:     w.recording,
			ErrorMessage:  w.errorMessage,
			RestartCount:  w.restartCount,
			ProcessAlive:  w.cmd != nil && w.cmd.ProcessState == nil,
			NextRestartAt: w.nextRestartAt,
		})
	}
	return result
}
