// Package daemon implements the daemon skeleton: process actions
// (start/stop/reload/restart/...), privileged bind and predecessor
// hand-off, the worker thread roster, and signal handling.
package daemon

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Action names one of the daemon's CLI-invokable lifecycle operations
// (check-config/start/stop/reload/restart/cond-restart/status), one per
// entry of gdnsd's main.c action enum.
type Action string

const (
	ActionCheckConfig Action = "check-config"
	ActionStart       Action = "start"
	ActionStop        Action = "stop"
	ActionReload      Action = "reload"
	ActionRestart     Action = "restart"
	ActionCondRestart Action = "cond-restart"
	ActionStatus      Action = "status"
)

// Worker is one named entry in the thread roster (§5): a function run
// on its own goroutine for the process's lifetime until ctx is
// canceled.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Daemon owns the pidfile, the worker roster, and the signal loop that
// ties them together.
type Daemon struct {
	log     zerolog.Logger
	pidFile *PidFile
	workers []Worker

	mu       sync.Mutex
	rescanFn func()
}

// New creates a Daemon bound to the given pidfile path.
func New(log zerolog.Logger, pidFilePath string) (*Daemon, error) {
	pf, err := NewPidFile(pidFilePath)
	if err != nil {
		return nil, err
	}
	return &Daemon{log: log, pidFile: pf}, nil
}

// AddWorker registers one more roster entry. Call before Run.
func (d *Daemon) AddWorker(w Worker) {
	d.workers = append(d.workers, w)
}

// OnRescan sets the callback SIGHUP (or the "reload" action) invokes.
// Typically wired to the zone-data thread's rescan.
func (d *Daemon) OnRescan(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rescanFn = fn
}

// CheckPredecessor inspects the pidfile and returns the predecessor's
// pid if one is recorded and still alive, or 0 otherwise. Run refuses
// to proceed if a live predecessor is found; AcquireListeners uses this
// to locate the predecessor it replaces.
func (d *Daemon) CheckPredecessor() (int, error) {
	pid, err := d.pidFile.ReadPid()
	if err != nil {
		return 0, err
	}
	if pid != 0 && IsAlive(pid) {
		return pid, nil
	}
	return 0, nil
}

// Run acquires the pidfile and runs every registered worker until one
// exits or ctx is canceled, matching the spec's "a worker's unexpected
// exit is fatal to the whole process" rule via errgroup: the first
// non-nil error cancels every other worker's context.
func (d *Daemon) Run(ctx context.Context) error {
	if pred, err := d.CheckPredecessor(); err != nil {
		return err
	} else if pred != 0 {
		return fmt.Errorf("daemon: predecessor pid %d is still running", pred)
	}
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("daemon: write pidfile: %w", err)
	}
	defer d.pidFile.Remove()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		w := w
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			d.log.Info().Str("worker", w.Name).Msg("worker thread starting")
			err := w.Run(gctx)
			if err != nil {
				d.log.Error().Err(err).Str("worker", w.Name).Msg("worker thread exited with error")
			}
			return err
		})
	}
	return g.Wait()
}

// Binder binds privileged listening sockets, the contract implemented
// by internal/daemon/privhelper.Helper. It exists so daemon need not
// import privhelper directly, keeping the hand-off sequence testable
// against a fake.
type Binder interface {
	BindPacketConn(network, address string) (net.PacketConn, error)
}

// AcquireListeners performs the privileged-bind + predecessor hand-off
// sequence (§4.4): it asks binder to bind every address with
// SO_REUSEPORT set before touching any predecessor. If the kernel
// supports SO_REUSEPORT, that first bind succeeds even while a
// predecessor still holds the same ports, so no listen-queue window is
// ever unheld; the predecessor is only killed once the new sockets are
// live. If the first attempt fails — the expected outcome without
// SO_REUSEPORT, or with no predecessor at all to blame it on — any
// predecessor found is killed and the bind is retried; failure on that
// second attempt is fatal (§7's bind-error policy: soft once, fatal
// twice).
func (d *Daemon) AcquireListeners(binder Binder, addrs []string) (map[string]net.PacketConn, error) {
	conns, err := bindAll(binder, addrs)
	pred, predErr := d.CheckPredecessor()
	if predErr != nil {
		return nil, predErr
	}

	if err != nil {
		if pred == 0 {
			return nil, fmt.Errorf("daemon: bind failed and no predecessor holds the ports: %w", err)
		}
		if err := d.killPredecessor(pred); err != nil {
			return nil, fmt.Errorf("daemon: kill predecessor: %w", err)
		}
		conns, err = bindAll(binder, addrs)
		if err != nil {
			return nil, fmt.Errorf("daemon: bind failed even after clearing predecessor: %w", err)
		}
		return conns, nil
	}

	if pred != 0 {
		if err := d.killPredecessor(pred); err != nil {
			d.log.Warn().Err(err).Int("pid", pred).Msg("bound new listeners but failed to signal predecessor")
		}
	}
	return conns, nil
}

func bindAll(binder Binder, addrs []string) (map[string]net.PacketConn, error) {
	out := make(map[string]net.PacketConn, len(addrs))
	for _, addr := range addrs {
		pc, err := binder.BindPacketConn("udp", addr)
		if err != nil {
			for _, c := range out {
				c.Close()
			}
			return nil, err
		}
		out[addr] = pc
	}
	return out, nil
}

// killPredecessor sends SIGTERM and waits for the pid to exit, the
// "predecessor is killed (pid-file acquisition)" half of §4.4's
// hand-off. gdnsd itself blocks here; a bounded poll keeps a wedged
// predecessor from hanging the new process forever.
func (d *Daemon) killPredecessor(pid int) error {
	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		if !IsAlive(pid) {
			return nil
		}
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("predecessor pid %d did not exit after SIGTERM", pid)
}

// Rescan invokes the registered rescan callback, if any. Safe to call
// concurrently with Run.
func (d *Daemon) Rescan() {
	d.mu.Lock()
	fn := d.rescanFn
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}
