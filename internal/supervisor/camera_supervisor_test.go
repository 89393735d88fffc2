package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nvrcore/nvr/internal/ipc"
)

// heartbeatScript spawns a shell command that emits one heartbeat JSON line
// to stdout, then reads stdin lines until EOF or timeout. It lets tests
// drive CameraSupervisor against a real child process without depending on
// the actual nvr-worker binary.
func heartbeatScript(line string) WorkerSpec {
	return WorkerSpec{
		CameraID: "cam-1",
		Command:  "/bin/sh",
		Args:     []string{"-c", "printf '" + line + "\\n'; cat >/dev/null"},
	}
}

func TestCameraSupervisorRegisterBeforeStartDoesNotSpawn(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{})
	if err := cs.Register(heartbeatScript(`{"schema_version":"1.0"}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if cs.workers["cam-1"].cmd != nil {
		t.Error("worker spawned before Start")
	}
}

func TestCameraSupervisorDuplicateRegisterFails(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{})
	spec := heartbeatScript(`{}`)
	if err := cs.Register(spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := cs.Register(spec); err == nil {
		t.Error("duplicate Register: expected error, got nil")
	}
}

func TestCameraSupervisorSpawnAndHeartbeatDrain(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{HeartbeatTimeout: 200 * time.Millisecond})
	hb := ipc.NewHeartbeat("cam-1", ipc.StreamRecording, 15, true, "")
	raw, err := json.Marshal(hb)
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	if err := cs.Register(heartbeatScript(string(raw))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = cs.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cs.mu.Lock()
		w := cs.workers["cam-1"]
		gotFPS := w.fps
		cs.mu.Unlock()
		if gotFPS > 0 {
			break
		}
		cs.sweep()
		time.Sleep(50 * time.Millisecond)
	}

	status := cs.Status()
	if len(status) != 1 {
		t.Fatalf("Status length = %d, want 1", len(status))
	}
	if status[0].FPS != 15 {
		t.Errorf("FPS = %v, want 15", status[0].FPS)
	}
	if status[0].State != WorkerRunning {
		t.Errorf("State = %v, want %v", status[0].State, WorkerRunning)
	}
}

// stopOnStdinScript spawns a child that emits one heartbeat, then exits as
// soon as anything arrives on stdin — standing in for a worker process that
// exits promptly once it applies a received stop command.
func stopOnStdinScript(line string) WorkerSpec {
	return WorkerSpec{
		CameraID: "cam-1",
		Command:  "/bin/sh",
		Args:     []string{"-c", "printf '" + line + "\\n'; read _line; exit 0"},
	}
}

// TestStopWorkerReturnsPromptlyOnCleanExit verifies that stopWorker's
// "send stop, join" step completes as soon as the child process exits,
// instead of always burning the full stopJoinTimeout before escalating.
func TestStopWorkerReturnsPromptlyOnCleanExit(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{HeartbeatTimeout: time.Second})
	hb := ipc.NewHeartbeat("cam-1", ipc.StreamRecording, 15, true, "")
	raw, err := json.Marshal(hb)
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	if err := cs.Register(stopOnStdinScript(string(raw))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = cs.Start(ctx) }()

	// Give the child a moment to start and print its heartbeat.
	time.Sleep(100 * time.Millisecond)

	cs.mu.Lock()
	w := cs.workers["cam-1"]
	cs.mu.Unlock()

	start := time.Now()
	cs.stopWorker(w)
	elapsed := time.Since(start)

	if elapsed >= stopJoinTimeout {
		t.Errorf("stopWorker() took %v, want well under stopJoinTimeout (%v) since the child exits on its own", elapsed, stopJoinTimeout)
	}
}

func TestCameraSupervisorSendCommandUnknownCamera(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{})
	err := cs.SendCommand("missing", ipc.NewCommand(ipc.CmdStop, nil))
	if err == nil {
		t.Error("SendCommand to unknown camera: expected error, got nil")
	}
}

func TestCameraSupervisorSendCommandQueueFull(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{})
	if err := cs.Register(heartbeatScript(`{}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w := cs.workers["cam-1"]
	w.stdin = make(chan ipc.Command, 1)
	w.stdin <- ipc.NewCommand(ipc.CmdStop, nil)

	if err := cs.SendCommand("cam-1", ipc.NewCommand(ipc.CmdStop, nil)); err == nil {
		t.Error("SendCommand on full queue: expected error, got nil")
	}
}

func TestWorkerStateString(t *testing.T) {
	cases := map[WorkerState]string{
		WorkerStarting:  "starting",
		WorkerRunning:   "running",
		WorkerUnhealthy: "unhealthy",
		WorkerCrashed:   "crashed",
		WorkerStopping:  "stopping",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestSweepMarksUnhealthyPastHeartbeatTimeout(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{HeartbeatTimeout: 10 * time.Millisecond})
	w := &worker{spec: WorkerSpec{CameraID: "cam-1"}, state: WorkerRunning, status: make(chan ipc.Heartbeat, 1), lastHeartbeat: time.Now().Add(-15 * time.Millisecond)}
	cs.workers["cam-1"] = w

	cs.sweep()

	if w.state != WorkerUnhealthy {
		t.Errorf("state = %v, want %v", w.state, WorkerUnhealthy)
	}
}

func TestDrainHeartbeatsCriticalErrorMarksUnhealthy(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{})
	w := &worker{spec: WorkerSpec{CameraID: "cam-1"}, state: WorkerRunning, status: make(chan ipc.Heartbeat, 1)}
	w.status <- ipc.NewHeartbeat("cam-1", ipc.StreamError, 0, false, "No valid camera URL")

	cs.drainHeartbeatsLocked(w)

	if w.state != WorkerUnhealthy {
		t.Errorf("state = %v, want %v", w.state, WorkerUnhealthy)
	}
	if w.errorMessage != "No valid camera URL" {
		t.Errorf("errorMessage = %q", w.errorMessage)
	}
}

func TestDrainHeartbeatsRecoveryResetsRestartCount(t *testing.T) {
	cs := NewCameraSupervisor(CameraSupervisorConfig{})
	w := &worker{spec: WorkerSpec{CameraID: "cam-1"}, state: WorkerUnhealthy, restartCount: 4, status: make(chan ipc.Heartbeat, 1)}
	w.status <- ipc.NewHeartbeat("cam-1", ipc.StreamRecording, 12, true, "")

	cs.drainHeartbeatsLocked(w)

	if w.state != WorkerRunning {
		t.Errorf("state = %v, want %v", w.state, WorkerRunning)
	}
	if w.restartCount != 0 {
		t.Errorf("restartCount = %d, want 0", w.restartCount)
	}
}
