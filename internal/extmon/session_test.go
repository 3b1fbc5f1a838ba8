package extmon

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSink is a StateSink recording every Update call, for assertions
// against the monitor-table effects a real Session.Run would produce.
type fakeSink struct {
	mu     sync.Mutex
	states map[int]bool // idx -> down
}

func newFakeSink() *fakeSink {
	return &fakeSink{states: make(map[int]bool)}
}

func (f *fakeSink) Update(idx int, down bool, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[idx] = down
	return nil
}

func (f *fakeSink) down(idx int) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.states[idx]
	return d, ok
}

// newPipeSession builds a Session wired to in-process pipes instead of
// a real helper subprocess, so the handshake and result-streaming logic
// can be exercised without exec'ing anything.
func newPipeSession(sink StateSink, failureAction FailureAction, commands []Command) (*Session, io.ReadCloser, io.WriteCloser) {
	toHelpR, toHelpW := io.Pipe()
	fromHlpR, fromHlpW := io.Pipe()

	s := &Session{
		log:           zerolog.Nop(),
		toHelp:        toHelpW,
		fromHlp:       fromHlpR,
		state:         stateHandshaking,
		localTTLs:     make(map[uint32]time.Duration, len(commands)),
		timers:        make(map[uint32]*time.Timer, len(commands)),
		sink:          sink,
		seen:          make(map[uint32]bool, len(commands)),
		total:         len(commands),
		initDone:      make(chan struct{}),
		failureAction: failureAction,
	}
	if s.total == 0 {
		close(s.initDone)
	}
	for _, c := range commands {
		d := 2 * (time.Duration(c.IntervalMS) + time.Duration(c.TimeoutMS)) * time.Millisecond
		if d <= 0 {
			d = 10 * time.Second
		}
		s.localTTLs[c.Index] = d
	}
	return s, toHelpR, fromHlpW
}

// runFakeHelperHandshake plays the helper's side of the §4.2 handshake
// against the parent's pipes, then returns the decoded commands.
func runFakeHelperHandshake(t *testing.T, in io.Reader, out io.Writer) []Command {
	t.Helper()
	rd := NewReader(in)

	require.NoError(t, rd.ReadHelo())
	require.NoError(t, WriteHeloAck(out))

	n, err := rd.ReadCmdsHeader()
	require.NoError(t, err)
	require.NoError(t, WriteCmdsAck(out))

	cmds := make([]Command, 0, n)
	for i := uint16(0); i < n; i++ {
		c, err := rd.ReadCommand()
		require.NoError(t, err)
		require.NoError(t, WriteCmdAck(out))
		cmds = append(cmds, c)
	}

	require.NoError(t, rd.ReadEndCmds())
	require.NoError(t, WriteEndCmdsAck(out))
	return cmds
}

// TestScenarioA_SingleResultReachesUp reproduces spec scenario A: one
// service (ping, interval 5s, timeout 2s), one monitor. The helper
// completes the handshake then reports one successful result 100ms
// later; the init phase must end and the monitor's effective state must
// be up.
func TestScenarioA_SingleResultReachesUp(t *testing.T) {
	commands := []Command{{
		Index: 0, Argv: []string{"/bin/true", "host1"},
		Description: "m", IntervalMS: 5000, TimeoutMS: 2000,
	}}

	sink := newFakeSink()
	s, toHelpR, fromHlpW := newPipeSession(sink, Stasis, commands)

	handshakeDone := make(chan []Command, 1)
	go func() {
		handshakeDone <- runFakeHelperHandshake(t, toHelpR, fromHlpW)
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, WriteResult(fromHlpW, Result{Index: 0, Down: false}))
	}()

	require.NoError(t, s.Handshake(commands))
	got := <-handshakeDone
	require.Len(t, got, 1)
	require.Equal(t, "host1", got[0].Argv[1])

	runDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { runDone <- s.Run(ctx) }()

	initCtx, initCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer initCancel()
	require.NoError(t, s.WaitInit(initCtx), "init phase must end once every monitor has reported once")

	down, ok := sink.down(0)
	require.True(t, ok)
	require.False(t, down, "scenario A: monitor must read up after its one successful result")
}

// TestScenarioB_SilenceReachesDownAtLocalTimeout reproduces spec
// scenario B: same service/monitor as A, but the helper never emits a
// result. At 2*(interval+timeout) the local-timeout watcher must force
// the monitor down and count it as seen for init-phase purposes.
func TestScenarioB_SilenceReachesDownAtLocalTimeout(t *testing.T) {
	commands := []Command{{
		Index: 0, Argv: []string{"/bin/true", "host1"},
		// Scaled down 1000x from the spec's 5s/2s so the test runs fast;
		// the local-timeout math (2 * (interval+timeout)) is unchanged.
		Description: "m", IntervalMS: 5, TimeoutMS: 2,
	}}

	sink := newFakeSink()
	s, toHelpR, fromHlpW := newPipeSession(sink, Stasis, commands)

	handshakeDone := make(chan struct{})
	go func() {
		runFakeHelperHandshake(t, toHelpR, fromHlpW)
		close(handshakeDone)
		// helper goes silent forever: no result, no ping
	}()

	require.NoError(t, s.Handshake(commands))
	<-handshakeDone

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	initCtx, initCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer initCancel()
	require.NoError(t, s.WaitInit(initCtx), "a local timeout firing must still count as seen_once")

	down, ok := sink.down(0)
	require.True(t, ok)
	require.True(t, down, "scenario B: silence past 2*(interval+timeout) must force the monitor down")
}

// TestHelperExitStasisKeepsLastKnownState verifies the "stasis" failure
// policy: when the helper's pipe closes, Run returns nil (not an
// error) and no further state changes are applied.
func TestHelperExitStasisKeepsLastKnownState(t *testing.T) {
	commands := []Command{{Index: 0, Argv: []string{"/bin/true"}, Description: "m", IntervalMS: 1000, TimeoutMS: 500}}
	sink := newFakeSink()
	s, toHelpR, fromHlpW := newPipeSession(sink, Stasis, commands)

	go func() {
		runFakeHelperHandshake(t, toHelpR, fromHlpW)
		require.NoError(t, WriteResult(fromHlpW, Result{Index: 0, Down: false}))
		fromHlpW.Close()
	}()

	require.NoError(t, s.Handshake(commands))

	err := s.Run(context.Background())
	require.NoError(t, err, "stasis must not surface the helper exit as an error")

	down, ok := sink.down(0)
	require.True(t, ok)
	require.False(t, down, "stasis must freeze the last-known state, not change it")
}

// TestHelperExitKillDaemonReturnsError verifies the "kill_daemon"
// failure policy: when the helper's pipe closes, Run returns a non-nil
// error so the caller aborts the process.
func TestHelperExitKillDaemonReturnsError(t *testing.T) {
	commands := []Command{{Index: 0, Argv: []string{"/bin/true"}, Description: "m", IntervalMS: 1000, TimeoutMS: 500}}
	sink := newFakeSink()
	s, toHelpR, fromHlpW := newPipeSession(sink, KillDaemon, commands)

	go func() {
		runFakeHelperHandshake(t, toHelpR, fromHlpW)
		fromHlpW.Close()
	}()

	require.NoError(t, s.Handshake(commands))
	err := s.Run(context.Background())
	require.Error(t, err, "kill_daemon must surface the helper exit as an error")
}

// TestInitPhaseWaitsForEveryMonitor verifies testable property 3: with
// N=2 monitors, WaitInit must not unblock until both have reported at
// least once.
func TestInitPhaseWaitsForEveryMonitor(t *testing.T) {
	commands := []Command{
		{Index: 0, Argv: []string{"/bin/true"}, Description: "a", IntervalMS: 5000, TimeoutMS: 2000},
		{Index: 1, Argv: []string{"/bin/true"}, Description: "b", IntervalMS: 5000, TimeoutMS: 2000},
	}
	sink := newFakeSink()
	s, toHelpR, fromHlpW := newPipeSession(sink, Stasis, commands)

	go func() {
		runFakeHelperHandshake(t, toHelpR, fromHlpW)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, WriteResult(fromHlpW, Result{Index: 0, Down: false}))
	}()

	require.NoError(t, s.Handshake(commands))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	quickCtx, quickCancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer quickCancel()
	require.Error(t, s.WaitInit(quickCtx), "init must not complete until every monitor has reported")
}
