package extmon

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// HelperCommand is one service's runnable check, as decoded by the
// helper process from the daemon's command frames.
type HelperCommand struct {
	Index    uint32
	Argv     []string
	Interval time.Duration
	Timeout  time.Duration
}

// RunHelper is the helper subprocess's main loop: it performs its side
// of the §4.2 handshake (HELO/HELO_ACK, CMDS:/CMDS_ACK, one CMD_ACK per
// command frame, END_CMDS/END_CMDS_ACK), then runs each configured
// command on its own interval and writes result words to out whenever a
// command's exit status changes. It returns only when in is closed or
// ctx is canceled.
//
// This is the privileged side of the protocol: it is expected to run as
// a separate binary (cmd/gdnsd-extmon-helper) started before the main
// daemon drops privileges, so the health-check commands it execs can
// still do privileged things (e.g. bind low ports, ping raw sockets)
// that the unprivileged daemon process no longer can.
func RunHelper(ctx context.Context, in io.Reader, out io.Writer) error {
	rd := NewReader(in)

	if err := rd.ReadHelo(); err != nil {
		return fmt.Errorf("extmon: helper read HELO: %w", err)
	}
	if err := WriteHeloAck(out); err != nil {
		return fmt.Errorf("extmon: helper write HELO_ACK: %w", err)
	}

	n, err := rd.ReadCmdsHeader()
	if err != nil {
		return fmt.Errorf("extmon: helper read CMDS header: %w", err)
	}
	if err := WriteCmdsAck(out); err != nil {
		return fmt.Errorf("extmon: helper write CMDS_ACK: %w", err)
	}

	cmds := make([]HelperCommand, 0, n)
	for i := uint16(0); i < n; i++ {
		c, err := rd.ReadCommand()
		if err != nil {
			return fmt.Errorf("extmon: helper read command %d: %w", i, err)
		}
		if err := WriteCmdAck(out); err != nil {
			return fmt.Errorf("extmon: helper write CMD_ACK for command %d: %w", i, err)
		}
		cmds = append(cmds, HelperCommand{
			Index:    c.Index,
			Argv:     c.Argv,
			Interval: time.Duration(c.IntervalMS) * time.Millisecond,
			Timeout:  time.Duration(c.TimeoutMS) * time.Millisecond,
		})
	}
	if err := rd.ReadEndCmds(); err != nil {
		return fmt.Errorf("extmon: helper read END_CMDS: %w", err)
	}
	if err := WriteEndCmdsAck(out); err != nil {
		return fmt.Errorf("extmon: helper write END_CMDS_ACK: %w", err)
	}

	lastDown := make(map[uint32]bool, len(cmds))
	resultCh := make(chan Result)

	for _, c := range cmds {
		go runOneCheck(ctx, c, resultCh)
	}

	// Nothing more is read from in after the handshake; draining it is
	// how the loop below learns that in was closed.
	inClosed := make(chan struct{})
	go func() {
		io.Copy(io.Discard, rd.br)
		close(inClosed)
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inClosed:
			return nil
		case <-ticker.C:
			if err := WritePing(out); err != nil {
				return err
			}
		case r := <-resultCh:
			if prev, ok := lastDown[r.Index]; !ok || prev != r.Down {
				lastDown[r.Index] = r.Down
				if err := WriteResult(out, r); err != nil {
					return err
				}
			}
		}
	}
}

func runOneCheck(ctx context.Context, c HelperCommand, out chan<- Result) {
	interval := c.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		cctx := ctx
		var cancel context.CancelFunc
		if c.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		down := true
		if len(c.Argv) > 0 {
			cmd := exec.CommandContext(cctx, c.Argv[0], c.Argv[1:]...)
			down = cmd.Run() != nil
		}
		select {
		case out <- Result{Index: c.Index, Down: down}:
		case <-ctx.Done():
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
