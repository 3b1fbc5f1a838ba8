package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	log := zerolog.Nop()
	d, err := New(log, filepath.Join(t.TempDir(), "gdnsd.pid"))
	require.NoError(t, err)
	return d
}

func TestRunWritesAndRemovesPidFile(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	d.AddWorker(Worker{Name: "noop", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		pid, err := d.pidFile.ReadPid()
		return err == nil && pid != 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	pid, err := d.pidFile.ReadPid()
	require.NoError(t, err)
	require.Zero(t, pid, "pidfile must be removed on clean exit")
}

func TestRunRefusesToStartOverLivePredecessor(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.pidFile.Write())

	err := d.Run(context.Background())
	require.Error(t, err)
}

func TestRunCancelsAllWorkersWhenOneFails(t *testing.T) {
	d := newTestDaemon(t)
	boom := errors.New("worker boom")

	secondStarted := make(chan struct{})
	secondCanceled := make(chan struct{})
	d.AddWorker(Worker{Name: "failing", Run: func(ctx context.Context) error {
		return boom
	}})
	d.AddWorker(Worker{Name: "victim", Run: func(ctx context.Context) error {
		close(secondStarted)
		<-ctx.Done()
		close(secondCanceled)
		return ctx.Err()
	}})

	err := d.Run(context.Background())
	require.ErrorIs(t, err, boom)

	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("second worker never started")
	}
	select {
	case <-secondCanceled:
	case <-time.After(time.Second):
		t.Fatal("second worker was not canceled by the failing sibling")
	}
}

func TestRescanInvokesRegisteredCallback(t *testing.T) {
	d := newTestDaemon(t)
	called := make(chan struct{}, 1)
	d.OnRescan(func() { called <- struct{}{} })

	d.Rescan()
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("rescan callback was not invoked")
	}
}

func TestRescanWithoutCallbackIsANoop(t *testing.T) {
	d := newTestDaemon(t)
	d.Rescan()
}

func TestCheckPredecessorNoPidfile(t *testing.T) {
	d := newTestDaemon(t)
	pid, err := d.CheckPredecessor()
	require.NoError(t, err)
	require.Zero(t, pid)
}

type fakeBinder struct {
	failFirst bool
	calls     int
}

func (f *fakeBinder) BindPacketConn(network, address string) (net.PacketConn, error) {
	f.calls++
	if f.failFirst && f.calls == 1 {
		return nil, errors.New("bind: address already in use")
	}
	return net.ListenPacket("udp", "127.0.0.1:0")
}

func startFakePredecessor(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { cmd.Process.Kill() })
	return cmd.Process.Pid
}

func TestAcquireListenersSOReuseportPathKillsPredecessorAfterBind(t *testing.T) {
	d := newTestDaemon(t)
	pid := startFakePredecessor(t)
	require.NoError(t, os.WriteFile(d.pidFile.path, []byte(strconv.Itoa(pid)), 0o644))

	binder := &fakeBinder{}
	conns, err := d.AcquireListeners(binder, []string{"127.0.0.1:0"})
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, 1, binder.calls, "SO_REUSEPORT path binds exactly once before killing the predecessor")
	require.False(t, IsAlive(pid), "predecessor must be dead once hand-off completes")
}

func TestAcquireListenersSoftBindFailureKillsPredecessorThenRetries(t *testing.T) {
	d := newTestDaemon(t)
	pid := startFakePredecessor(t)
	require.NoError(t, os.WriteFile(d.pidFile.path, []byte(strconv.Itoa(pid)), 0o644))

	binder := &fakeBinder{failFirst: true}
	conns, err := d.AcquireListeners(binder, []string{"127.0.0.1:0"})
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, 2, binder.calls, "soft bind failure must retry once after killing the predecessor")
	require.False(t, IsAlive(pid))
}

func TestAcquireListenersFailsWithNoPredecessorToBlame(t *testing.T) {
	d := newTestDaemon(t)
	binder := &fakeBinder{failFirst: true}
	_, err := d.AcquireListeners(binder, []string{"127.0.0.1:0"})
	require.Error(t, err)
}
