package daemon

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// WatchSignals blocks handling SIGHUP (rescan) and SIGTERM/SIGINT
// (graceful shutdown) until the process receives a terminating signal,
// at which point it signals its own pid with the same signal it
// received (matching gdnsd main.c's "raise(killed_by)" so the parent
// process/supervisor sees the expected exit status) and returns.
//
// cmd/gdnsd runs this on its own goroutine while the main goroutine
// runs Daemon.Run; it is the Go analogue of gdnsd's sigwait loop.
func WatchSignals(log zerolog.Logger, d *Daemon, stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info().Msg("SIGHUP received, rescanning zone data")
			d.Rescan()
		case syscall.SIGTERM, syscall.SIGINT:
			log.Info().Str("signal", sig.String()).Msg("received terminating signal, shutting down")
			stop()
			if s, ok := sig.(syscall.Signal); ok {
				signal.Reset(sig)
				_ = syscall.Kill(os.Getpid(), s)
			}
			return
		}
	}
}
