// Command gdnsd-extmon-helper is the privileged external-monitor
// helper. It is started by the daemon before privilege drop, reads its
// check commands over stdin, runs them on their configured intervals,
// and streams state-change results back over stdout.
//
// It never reads the daemon's config file directly: the parent process
// owns the config and hands over exactly the command set the helper
// needs, per the handshake in internal/extmon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdnsd/gdnsd-core/internal/extmon"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := extmon.RunHelper(ctx, os.Stdin, os.Stdout); err != nil {
		os.Exit(1)
	}
}
