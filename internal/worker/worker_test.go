package worker

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/nvrcore/nvr/internal/ipc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorker() (*Worker, *bytes.Buffer) {
	var out bytes.Buffer
	w := New(Config{
		CameraID:   "cam-1",
		MainURL:    "rtsp://example/main",
		TargetFPS:  15,
		Width:      640,
		Height:     480,
		FFmpegPath: "/usr/bin/ffmpeg",
		OutputDir:  "/tmp/cam-1",
		Logger:     zerolog.Nop(),
	}, bytes.NewReader(nil), &out)
	return w, &out
}

func TestApplyCommandStopSetsStopRequest(t *testing.T) {
	w, _ := testWorker()
	w.applyCommand(ipc.NewCommand(ipc.CmdStop, nil))

	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	assert.True(t, w.state.stopRequest)
}

func TestApplyCommandStartRecordingSetsRecordRequest(t *testing.T) {
	w, _ := testWorker()
	w.applyCommand(ipc.NewCommand(ipc.CmdStartRecording, nil))

	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	assert.True(t, w.state.recordRequest)
}

// TestRunUnwindsOnCmdStop verifies that a stop command received over the
// command loop cancels the worker's own context, unwinding captureLoop,
// heartbeatLoop, and commandLoop as well as ending any active recording,
// rather than only flipping stopRequest for the recording controller.
func TestRunUnwindsOnCmdStop(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	var out bytes.Buffer

	w := New(Config{
		CameraID:   "cam-1",
		MainURL:    "rtsp://example/main",
		TargetFPS:  15,
		Width:      640,
		Height:     480,
		FFmpegPath: "/nonexistent/ffmpeg",
		OutputDir:  t.TempDir(),
		Logger:     zerolog.Nop(),
	}, stdinR, &out)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	enc := ipc.NewEncoder(stdinW)
	require.NoError(t, enc.Encode(ipc.NewCommand(ipc.CmdStop, nil)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not unwind within 5s of a stop command")
	}

	_ = stdinW.Close()
}

func TestApplyCommandUnknownIsIgnored(t *testing.T) {
	w, _ := testWorker()
	w.applyCommand(ipc.Command{Name: ipc.CommandName("reboot")})

	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	assert.False(t, w.state.stopRequest)
	assert.False(t, w.state.recordRequest)
}

func TestPublishHeartbeatReflectsCriticalError(t *testing.T) {
	w, out := testWorker()
	w.setCriticalError("No valid camera URL")
	w.publishHeartbeat()

	dec := ipc.NewDecoder(out)
	var hb ipc.Heartbeat
	require.NoError(t, dec.Next(&hb))
	assert.Equal(t, ipc.StreamError, hb.StreamState)
	assert.Equal(t, "No valid camera URL", hb.ErrorMessage)
}

func TestPublishHeartbeatIdleWhenNoActivity(t *testing.T) {
	w, out := testWorker()
	w.publishHeartbeat()

	dec := ipc.NewDecoder(out)
	var hb ipc.Heartbeat
	require.NoError(t, dec.Next(&hb))
	assert.Equal(t, ipc.StreamIdle, hb.StreamState)
}
