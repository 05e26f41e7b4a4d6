// ABOUTME: Tests for the process supervisor: PID file arbitration and staleness healing.
// ABOUTME: Uses real processes (the test binary's own PID, sleep) where liveness matters.

package supervisor

import (
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "run"), filepath.Join(dir, "log"), 2*time.Second, slog.Default())
}

func writePIDFile(t *testing.T, s *Supervisor, role Role, key string, rec Record) {
	t.Helper()
	path := s.PIDPath(role, key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestInspectNoPIDFile(t *testing.T) {
	s := newTestSupervisor(t)
	status, err := s.Inspect(RoleHub, "7600")
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.False(t, status.StaleCleaned)
}

func TestInspectLiveProcess(t *testing.T) {
	s := newTestSupervisor(t)
	// Our own PID is reliably alive.
	writePIDFile(t, s, RoleHub, "7600", Record{
		Role: RoleHub, PID: os.Getpid(), PortOrPath: "7600", StartedAt: time.Now().UTC(),
	})

	status, err := s.Inspect(RoleHub, "7600")
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
}

func TestInspectStalePIDSelfHeals(t *testing.T) {
	s := newTestSupervisor(t)

	// Spawn a short-lived process and let it exit so its PID is dead.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	deadPID := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	writePIDFile(t, s, RoleListener, "alpha", Record{
		Role: RoleListener, PID: deadPID, PortOrPath: "alpha", StartedAt: time.Now().UTC(),
	})

	status, err := s.Inspect(RoleListener, "alpha")
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.True(t, status.StaleCleaned)

	// The stale file is gone; a second inspect is clean.
	_, statErr := os.Stat(s.PIDPath(RoleListener, "alpha"))
	assert.True(t, os.IsNotExist(statErr))

	status, err = s.Inspect(RoleListener, "alpha")
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.False(t, status.StaleCleaned)
}

func TestInspectMalformedPIDFileCleaned(t *testing.T) {
	s := newTestSupervisor(t)
	path := s.PIDPath(RoleHub, "7600")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0644))

	status, err := s.Inspect(RoleHub, "7600")
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.True(t, status.StaleCleaned)
}

func TestClaimPIDFileLoserDetectsRunningDaemon(t *testing.T) {
	s := newTestSupervisor(t)
	writePIDFile(t, s, RoleHub, "7600", Record{
		Role: RoleHub, PID: os.Getpid(), PortOrPath: "7600", StartedAt: time.Now().UTC(),
	})

	_, err := s.claimPIDFile(RoleHub, "7600")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestClaimPIDFileHealsStaleAndRetries(t *testing.T) {
	s := newTestSupervisor(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	deadPID := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	writePIDFile(t, s, RoleHub, "7600", Record{
		Role: RoleHub, PID: deadPID, PortOrPath: "7600", StartedAt: time.Now().UTC(),
	})

	f, err := s.claimPIDFile(RoleHub, "7600")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The claim stamped a live placeholder record.
	rec, err := s.ReadRecord(RoleHub, "7600")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestStopIdempotent(t *testing.T) {
	s := newTestSupervisor(t)

	stopped, err := s.Stop(RoleListener, "alpha", time.Second)
	require.NoError(t, err)
	assert.False(t, stopped, "stopping a non-running daemon is a no-op")

	// Twice in a row: still no error.
	stopped, err = s.Stop(RoleListener, "alpha", time.Second)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestStopTerminatesProcess(t *testing.T) {
	s := newTestSupervisor(t)

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()

	writePIDFile(t, s, RoleListener, "alpha", Record{
		Role: RoleListener, PID: cmd.Process.Pid, PortOrPath: "alpha", StartedAt: time.Now().UTC(),
	})

	stopped, err := s.Stop(RoleListener, "alpha", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, stopped)

	_, statErr := os.Stat(s.PIDPath(RoleListener, "alpha"))
	assert.True(t, os.IsNotExist(statErr))

	// Eventually dead.
	assert.Eventually(t, func() bool {
		return !processAlive(cmd.Process.Pid)
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWriteOwnRecordAndRemove(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.WriteOwnRecord(RoleHub, "7600", "7600"))

	rec, err := s.ReadRecord(RoleHub, "7600")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, RoleHub, rec.Role)
	assert.Equal(t, "7600", rec.PortOrPath)

	require.NoError(t, s.RemovePIDFile(RoleHub, "7600"))
	rec, err = s.ReadRecord(RoleHub, "7600")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Removing again is fine.
	require.NoError(t, s.RemovePIDFile(RoleHub, "7600"))
}
