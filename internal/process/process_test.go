package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/types"
)

// recordingEmitter captures every emitted line, for asserting ordering and
// fan-out independent of the registry's own rings.
type recordingEmitter struct {
	lines []types.LogLine
}

func (e *recordingEmitter) Emit(targetKind, targetID string, line types.LogLine) {
	e.lines = append(e.lines, line)
}

// S3: a synchronous exec of `echo world` returns exit code 0 and the
// expected stdout.
func TestExecSync_EchoSucceeds(t *testing.T) {
	reg := New(nil, Config{})
	res, err := reg.ExecSync(context.Background(), "echo", []string{"world"}, ExecOptions{})
	require.Nil(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "world\n", res.Stdout)
}

// S4: an async exec of `sleep 60` can be observed running, then killed, and
// transitions to killed within the grace window.
func TestExec_AsyncThenKillTransitionsToKilled(t *testing.T) {
	reg := New(nil, Config{KillGrace: 200 * time.Millisecond})
	rec, err := reg.Exec("sleep", []string{"60"}, ExecOptions{})
	require.Nil(t, err)

	status, err := reg.Status(rec.ID)
	require.Nil(t, err)
	assert.Equal(t, types.ProcessRunning, status.State)

	require.Nil(t, reg.Kill(rec.ID, "SIGTERM"))

	require.Eventually(t, func() bool {
		status, _ := reg.Status(rec.ID)
		return status.State == types.ProcessKilled
	}, 2*time.Second, 10*time.Millisecond)
}

// P8: a synchronous exec that outlives its timeout is killed and reports
// the termination sentinel as its exit code.
func TestExecSync_TimeoutMarksKilledWithSentinel(t *testing.T) {
	reg := New(nil, Config{})
	res, err := reg.ExecSync(context.Background(), "sleep", []string{"60"}, ExecOptions{Timeout: 50 * time.Millisecond})
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeOperationTimeout, err.Code)
	assert.Equal(t, terminationSentinel, res.ExitCode)
}

// P2: logs emitted in order are returned in non-decreasing sequence with no
// duplicates or reorder, and with nothing evicted, no gaps.
func TestLogs_SequenceOrderedAndGapFree(t *testing.T) {
	emitter := &recordingEmitter{}
	reg := New(emitter, Config{})

	rec, err := reg.Exec("sh", []string{"-c", "for i in 1 2 3 4 5; do echo line$i; done"}, ExecOptions{})
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		status, _ := reg.Status(rec.ID)
		return status.State == types.ProcessExited
	}, 2*time.Second, 10*time.Millisecond)

	logs, lerr := reg.Logs(rec.ID, 0, nil)
	require.Nil(t, lerr)
	require.NotEmpty(t, logs)

	var lastSeq uint64
	seen := map[uint64]bool{}
	for i, l := range logs {
		if i > 0 {
			assert.GreaterOrEqual(t, l.Sequence, lastSeq)
			assert.Equal(t, lastSeq+1, l.Sequence, "gap after sequence %d", lastSeq)
		}
		assert.False(t, seen[l.Sequence], "duplicate sequence %d", l.Sequence)
		seen[l.Sequence] = true
		lastSeq = l.Sequence
	}
}

func TestKill_UnknownSignalRejected(t *testing.T) {
	reg := New(nil, Config{})
	rec, err := reg.Exec("sleep", []string{"5"}, ExecOptions{})
	require.Nil(t, err)
	kerr := reg.Kill(rec.ID, "SIGBOGUS")
	require.NotNil(t, kerr)
	_ = reg.Kill(rec.ID, "SIGKILL")
}

func TestStatus_UnknownIDReturnsProcessNotFound(t *testing.T) {
	reg := New(nil, Config{})
	_, err := reg.Status("does-not-exist")
	require.NotNil(t, err)
}

func TestList_EnumeratesSpawnedProcesses(t *testing.T) {
	reg := New(nil, Config{})
	_, err := reg.Exec("true", nil, ExecOptions{})
	require.Nil(t, err)
	_, err = reg.Exec("true", nil, ExecOptions{})
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		return len(reg.List()) == 2
	}, time.Second, 10*time.Millisecond)
}
