package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPidFileWriteAndReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "gdnsd.pid")
	pf, err := NewPidFile(path)
	require.NoError(t, err)

	require.NoError(t, pf.Write())
	pid, err := pf.ReadPid()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	require.NoError(t, pf.Remove())
	pid, err = pf.ReadPid()
	require.NoError(t, err)
	require.Zero(t, pid)
}

func TestPidFileReadPidMissingFileReturnsZero(t *testing.T) {
	pf, err := NewPidFile(filepath.Join(t.TempDir(), "gdnsd.pid"))
	require.NoError(t, err)
	pid, err := pf.ReadPid()
	require.NoError(t, err)
	require.Zero(t, pid)
}

func TestPidFileReadPidCorruptContentErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gdnsd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))
	pf, err := NewPidFile(path)
	require.NoError(t, err)
	_, err = pf.ReadPid()
	require.Error(t, err)
}

func TestIsAliveRejectsNonPositivePid(t *testing.T) {
	require.False(t, IsAlive(0))
	require.False(t, IsAlive(-1))
}

func TestIsAliveTrueForCurrentProcess(t *testing.T) {
	require.True(t, IsAlive(os.Getpid()))
}
