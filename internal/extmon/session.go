package extmon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sessionState names the helper subprocess's lifetime, per the daemon
// skeleton's "typed session state machine" design note.
type sessionState int

const (
	stateHandshaking sessionState = iota
	stateInit
	stateStreaming
	stateClosed
)

// FailureAction selects what happens when the helper's output pipe
// closes. The helper is not restarted.
type FailureAction int

const (
	// Stasis freezes every monitor at its last-known state.
	Stasis FailureAction = iota
	// KillDaemon exits the whole process.
	KillDaemon
)

// StateSink receives result frames decoded from the helper. It is
// satisfied by *monitor.Table via a small adapter in cmd/gdnsd.
type StateSink interface {
	Update(idx int, down bool, ttl uint32) error
}

// Session owns one running helper subprocess: it drives the init
// handshake, then reads result frames for the subprocess's lifetime,
// applying a per-monitor local timeout so a service whose command never
// even starts (or whose helper has wedged) still gets marked down.
//
// Per §4.2's init-vs-runtime phase split, Session also tracks which
// monitors have reported at least once (seen_once): during the init
// phase the only thing that matters about a result or a local timeout
// firing is that the monitor has now been seen, not its value. Once
// every monitor has been seen, the session transitions to its
// continuous runtime phase and WaitInit unblocks.
type Session struct {
	log     zerolog.Logger
	cmd     *exec.Cmd
	toHelp  io.WriteCloser
	fromHlp io.ReadCloser

	mu        sync.Mutex
	state     sessionState
	localTTLs map[uint32]time.Duration
	timers    map[uint32]*time.Timer
	sink      StateSink
	reader    *Reader

	seen      map[uint32]bool
	seenCount int
	total     int
	initDone  chan struct{}
	initOnce  sync.Once

	failureAction FailureAction
}

// NewSession starts helperPath as a subprocess and returns a Session
// ready for Handshake. commands describes every monitored
// service; their Index fields are the StateSink indices Update will be
// called with.
func NewSession(log zerolog.Logger, helperPath string, commands []Command, sink StateSink, onFailure FailureAction) (*Session, error) {
	cmd := exec.Command(helperPath)
	toHelp, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("extmon: stdin pipe: %w", err)
	}
	fromHlp, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("extmon: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("extmon: start helper: %w", err)
	}

	s := &Session{
		log:           log,
		cmd:           cmd,
		toHelp:        toHelp,
		fromHlp:       fromHlp,
		state:         stateHandshaking,
		localTTLs:     make(map[uint32]time.Duration, len(commands)),
		timers:        make(map[uint32]*time.Timer, len(commands)),
		sink:          sink,
		seen:          make(map[uint32]bool, len(commands)),
		total:         len(commands),
		initDone:      make(chan struct{}),
		failureAction: onFailure,
	}
	if s.total == 0 {
		close(s.initDone)
	}
	for _, c := range commands {
		// §4.2: "each monitor has a one-shot repeating timer set to
		// 2 x (interval + timeout) seconds". A stuck helper must not
		// leave stale "up" state past twice the worst-case round trip.
		d := 2 * (time.Duration(c.IntervalMS) + time.Duration(c.TimeoutMS)) * time.Millisecond
		if d <= 0 {
			d = 10 * time.Second
		}
		s.localTTLs[c.Index] = d
	}
	return s, nil
}

// Handshake performs the full §4.2 handshake, step by step with the
// acks the spec requires at each stage: HELO/HELO_ACK, CMDS:/CMDS_ACK,
// one command frame plus CMD_ACK per service, then END_CMDS/END_CMDS_ACK.
// It must complete before Run or WaitInit is called.
func (s *Session) Handshake(commands []Command) error {
	rd := NewReader(s.fromHlp)

	if err := WriteHelo(s.toHelp); err != nil {
		return fmt.Errorf("extmon: send HELO: %w", err)
	}
	if err := rd.ReadHeloAck(); err != nil {
		return fmt.Errorf("extmon: read HELO_ACK: %w", err)
	}

	if len(commands) > 1<<16-1 {
		return fmt.Errorf("extmon: %d commands exceeds the 16-bit command count", len(commands))
	}
	if err := WriteCmdsHeader(s.toHelp, uint16(len(commands))); err != nil {
		return fmt.Errorf("extmon: send CMDS header: %w", err)
	}
	if err := rd.ReadCmdsAck(); err != nil {
		return fmt.Errorf("extmon: read CMDS_ACK: %w", err)
	}

	for _, c := range commands {
		if err := WriteCommand(s.toHelp, c); err != nil {
			return fmt.Errorf("extmon: send command %d: %w", c.Index, err)
		}
		if err := rd.ReadCmdAck(); err != nil {
			return fmt.Errorf("extmon: read CMD_ACK for command %d: %w", c.Index, err)
		}
	}

	if err := WriteEndCmds(s.toHelp); err != nil {
		return fmt.Errorf("extmon: send END_CMDS: %w", err)
	}
	if err := rd.ReadEndCmdsAck(); err != nil {
		return fmt.Errorf("extmon: read END_CMDS_ACK: %w", err)
	}

	s.mu.Lock()
	s.state = stateInit
	for idx, d := range s.localTTLs {
		s.armLocalTimeout(idx, d)
	}
	s.mu.Unlock()

	s.reader = rd
	return nil
}

// WaitInit blocks until every monitor has reported at least once
// (seen_once, §4.2's init-phase completion), or ctx is canceled.
func (s *Session) WaitInit(ctx context.Context) error {
	select {
	case <-s.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run streams result frames until the helper's pipe closes or ctx is
// canceled. Each frame's local timeout is rearmed on receipt, per
// gdnsd's "bump the timer on every status line" discipline.
func (s *Session) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.toHelp.Close()
			s.fromHlp.Close()
		case <-done:
		}
	}()

	for {
		res, ok, err := s.reader.ReadResult()
		if err != nil {
			if err == io.EOF {
				return s.onHelperExit()
			}
			return fmt.Errorf("extmon: read result: %w", err)
		}
		if !ok {
			continue // liveness ping, no state change
		}

		if err := s.sink.Update(int(res.Index), res.Down, uint32(s.localTTLs[res.Index]/time.Second)); err != nil {
			s.log.Warn().Err(err).Uint32("index", res.Index).Msg("failed to apply monitor update")
		}

		s.mu.Lock()
		if d, ok := s.localTTLs[res.Index]; ok {
			s.armLocalTimeout(res.Index, d)
		}
		s.markSeenLocked(res.Index)
		s.mu.Unlock()
	}
}

// markSeenLocked records that idx has reported at least once (via a
// real result or a local-timeout firing) and, once every monitor has
// been seen, flips the session into its runtime phase and unblocks
// WaitInit. Caller holds s.mu.
func (s *Session) markSeenLocked(idx uint32) {
	if s.seen[idx] {
		return
	}
	s.seen[idx] = true
	s.seenCount++
	if s.seenCount >= s.total {
		s.state = stateStreaming
		s.initOnce.Do(func() { close(s.initDone) })
	}
}

// armLocalTimeout (re)starts the per-service timer that fires a forced
// down report if the helper goes silent on that service for longer
// than d, its local-timeout duration (2 x (interval + timeout), see
// NewSession). Caller holds s.mu.
//
// A timeout firing still counts as the monitor having been seen: the
// init-phase diagram's NEW --timeout--> SEEN transition treats a
// service that never once succeeded, but whose timeout has elapsed, as
// resolved (forced down) rather than leaving init waiting forever.
func (s *Session) armLocalTimeout(idx uint32, d time.Duration) {
	if t, ok := s.timers[idx]; ok {
		t.Stop()
	}
	s.timers[idx] = time.AfterFunc(d, func() {
		s.log.Warn().Uint32("index", idx).Msg("monitor local timeout fired, forcing down")
		if err := s.sink.Update(int(idx), true, 0); err != nil {
			s.log.Warn().Err(err).Uint32("index", idx).Msg("failed to apply forced-down update")
		}
		s.mu.Lock()
		s.markSeenLocked(idx)
		s.mu.Unlock()
	})
}

// onHelperExit applies the configured failure policy once the helper's
// pipe closes unexpectedly.
func (s *Session) onHelperExit() error {
	s.mu.Lock()
	s.state = stateClosed
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()

	switch s.failureAction {
	case KillDaemon:
		return fmt.Errorf("extmon: helper exited, failure action is kill_daemon")
	default:
		s.log.Error().Msg("extmon helper exited, holding last-known monitor states (stasis)")
		return nil
	}
}

// Close tears down the helper subprocess.
func (s *Session) Close() error {
	s.toHelp.Close()
	s.fromHlp.Close()
	return s.cmd.Wait()
}
