package ipc_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/nvrcore/nvr/internal/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ipc.NewEncoder(&buf)
	hb := ipc.NewHeartbeat("cam-1", ipc.StreamRecording, 14.8, true, "")
	require.NoError(t, enc.Encode(hb))

	dec := ipc.NewDecoder(&buf)
	var got ipc.Heartbeat
	require.NoError(t, dec.Next(&got))

	assert.Equal(t, ipc.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, "cam-1", got.WorkerID)
	assert.Equal(t, ipc.StreamRecording, got.StreamState)
	assert.True(t, got.Recording)
}

func TestCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ipc.NewEncoder(&buf)
	cmd := ipc.NewCommand(ipc.CmdPTZMove, map[string]interface{}{"pan": 1.0})
	require.NoError(t, enc.Encode(cmd))

	dec := ipc.NewDecoder(&buf)
	var got ipc.Command
	require.NoError(t, dec.Next(&got))

	assert.Equal(t, ipc.CmdPTZMove, got.Name)
	assert.True(t, ipc.KnownCommand(got.Name))
	assert.EqualValues(t, 1.0, got.Params["pan"])
}

func TestUnknownCommandIsNotKnown(t *testing.T) {
	assert.False(t, ipc.KnownCommand(ipc.CommandName("reboot_camera")))
}

func TestMalformedLineIsDroppedNotFatal(t *testing.T) {
	r := bytes.NewBufferString("not json\n" + `{"schema_version":"1.0","worker_id":"cam-2"}` + "\n")
	dec := ipc.NewDecoder(r)

	var hb ipc.Heartbeat
	err := dec.Next(&hb)
	assert.ErrorIs(t, err, ipc.ErrMalformed)

	err = dec.Next(&hb)
	require.NoError(t, err)
	assert.Equal(t, "cam-2", hb.WorkerID)
}

func TestDecoderReturnsEOFWhenExhausted(t *testing.T) {
	dec := ipc.NewDecoder(bytes.NewBufferString(""))
	var hb ipc.Heartbeat
	err := dec.Next(&hb)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMultipleFramesSequentialDecode(t *testing.T) {
	var buf bytes.Buffer
	enc := ipc.NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		require.NoError(t, enc.Encode(ipc.NewHeartbeat("cam-3", ipc.StreamIdle, 0, false, "")))
	}

	dec := ipc.NewDecoder(&buf)
	count := 0
	for {
		var hb ipc.Heartbeat
		err := dec.Next(&hb)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}
