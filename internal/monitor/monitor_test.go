package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	ps "github.com/keybase/go-ps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/notify"
	"aegisflux/agents/exec-guard/internal/types"
)

func testLogger() *logging.Logger {
	return logging.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

type fakeDecider struct {
	verdicts map[string]types.Verdict
	ids      map[string]int64
}

func (f *fakeDecider) Decide(ctx context.Context, path string) (types.Verdict, int64) {
	v, ok := f.verdicts[path]
	if !ok {
		v = types.VerdictAllow
	}
	return v, f.ids[path]
}

type fakeEventLog struct {
	mu     sync.Mutex
	events []types.ProcessEvent
}

func (f *fakeEventLog) LogProcessEvent(ctx context.Context, ev *types.ProcessEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return int64(len(f.events)), nil
}

type fakeNotifier struct {
	notices []notify.Notice
}

func (f *fakeNotifier) NotifyDenied(n notify.Notice) error {
	f.notices = append(f.notices, n)
	return nil
}

type scriptedInterceptor struct {
	queue     []Notification
	responses map[uint64]types.Verdict
}

func (s *scriptedInterceptor) Next(ctx context.Context) (Notification, error) {
	if len(s.queue) == 0 {
		return Notification{}, ErrClosed
	}
	n := s.queue[0]
	s.queue = s.queue[1:]
	return n, nil
}

func (s *scriptedInterceptor) Respond(token uint64, verdict types.Verdict) error {
	s.responses[token] = verdict
	return nil
}

func newTestMonitor(decider Decider, events EventLog, notifier notify.Notifier) *Monitor {
	m := New(decider, events, notifier, func() string { return "sys-1" }, testLogger(), nil)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestMonitorRun(t *testing.T) {
	decider := &fakeDecider{
		verdicts: map[string]types.Verdict{"/tmp/evil": types.VerdictDeny},
		ids:      map[string]int64{"/usr/bin/ls": 3, "/tmp/evil": 9},
	}
	events := &fakeEventLog{}
	notifier := &fakeNotifier{}
	ic := &scriptedInterceptor{
		responses: map[uint64]types.Verdict{},
		queue: []Notification{
			{PID: 10, PPID: 1, ImagePath: "/usr/bin/ls", CommandLine: "ls -l", Token: 1, State: types.ProcessStarted},
			{PID: 11, PPID: 1, ImagePath: "/tmp/evil", Token: 2, State: types.ProcessStarted},
			{PID: 10, State: types.ProcessTerminated},
			{PID: 11, State: types.ProcessTerminated},
		},
	}

	m := newTestMonitor(decider, events, notifier)
	require.NoError(t, m.Run(context.Background(), ic))

	assert.Equal(t, map[uint64]types.Verdict{1: types.VerdictAllow, 2: types.VerdictDeny}, ic.responses)

	require.Len(t, events.events, 4)
	assert.Equal(t, int64(3), events.events[0].ExecutableID)
	assert.Equal(t, "ls -l", events.events[0].CommandLine)
	assert.Equal(t, types.ProcessStarted, events.events[0].State)

	term := events.events[2]
	assert.Equal(t, types.ProcessTerminated, term.State)
	assert.Equal(t, int64(3), term.ExecutableID)
	assert.Equal(t, "/usr/bin/ls", term.ImagePath)

	deniedTerm := events.events[3]
	assert.Equal(t, types.ProcessTerminated, deniedTerm.State)
	assert.Equal(t, int64(9), deniedTerm.ExecutableID, "denied processes keep their executable on termination")
	assert.Equal(t, "/tmp/evil", deniedTerm.ImagePath)

	require.Len(t, notifier.notices, 1)
	assert.Equal(t, "/tmp/evil", notifier.notices[0].Path)
	assert.Equal(t, "sys-1", notifier.notices[0].SystemUUID)
	assert.Zero(t, m.Tracked())
}

type errInterceptor struct{ err error }

func (e errInterceptor) Next(ctx context.Context) (Notification, error) { return Notification{}, e.err }
func (e errInterceptor) Respond(uint64, types.Verdict) error            { return nil }

func TestMonitorRunErrors(t *testing.T) {
	m := newTestMonitor(&fakeDecider{}, &fakeEventLog{}, nil)

	err := m.Run(context.Background(), errInterceptor{err: errors.New("driver gone")})
	assert.EqualError(t, err, "driver gone")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Run(ctx, errInterceptor{err: context.Canceled}))
}

type fakeProcess struct {
	pid, ppid int
	exe       string
}

func (f fakeProcess) Pid() int              { return f.pid }
func (f fakeProcess) PPid() int             { return f.ppid }
func (f fakeProcess) Executable() string    { return f.exe }
func (f fakeProcess) Path() (string, error) { return f.exe, nil }

func newTestPoller(procs *[]ps.Process) (*Poller, *[]int) {
	killed := &[]int{}
	p := NewPoller(5*time.Millisecond, true, testLogger())
	p.list = func() ([]ps.Process, error) { return *procs, nil }
	p.resolve = func(proc ps.Process) (string, string) { return proc.Executable(), proc.Executable() + " --flag" }
	p.kill = func(pid int) error {
		*killed = append(*killed, pid)
		return nil
	}
	return p, killed
}

func TestAnalyzeRunningProcesses(t *testing.T) {
	procs := []ps.Process{fakeProcess{100, 1, "/usr/sbin/sshd"}, fakeProcess{101, 100, "/bin/bash"}}
	poller, _ := newTestPoller(&procs)
	events := &fakeEventLog{}

	m := newTestMonitor(&fakeDecider{}, events, nil)
	n, err := m.AnalyzeRunningProcesses(context.Background(), poller)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, events.events, 2)
	for _, ev := range events.events {
		assert.Equal(t, types.ProcessExists, ev.State)
	}
	assert.Equal(t, 2, m.Tracked())
}

func TestPollerDiffsSnapshots(t *testing.T) {
	procs := []ps.Process{fakeProcess{100, 1, "/usr/sbin/sshd"}}
	poller, killed := newTestPoller(&procs)

	_, err := poller.Snapshot()
	require.NoError(t, err)

	procs = []ps.Process{fakeProcess{200, 1, "/tmp/evil"}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []Notification
	for i := 0; i < 2; i++ {
		n, err := poller.Next(ctx)
		require.NoError(t, err)
		got = append(got, n)
	}

	byState := map[types.ProcessState]Notification{}
	for _, n := range got {
		byState[n.State] = n
	}

	started := byState[types.ProcessStarted]
	assert.Equal(t, 200, started.PID)
	assert.Equal(t, "/tmp/evil --flag", started.CommandLine)
	assert.NotZero(t, started.Token)
	assert.Equal(t, 100, byState[types.ProcessTerminated].PID)

	require.NoError(t, poller.Respond(started.Token, types.VerdictDeny))
	assert.Equal(t, []int{200}, *killed)
	assert.Error(t, poller.Respond(started.Token, types.VerdictDeny), "tokens are single use")
}

func TestPollerAllowDoesNotKill(t *testing.T) {
	procs := []ps.Process{}
	poller, killed := newTestPoller(&procs)
	_, err := poller.Snapshot()
	require.NoError(t, err)

	procs = []ps.Process{fakeProcess{300, 1, "/usr/bin/top"}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := poller.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, poller.Respond(n.Token, types.VerdictAllow))
	assert.Empty(t, *killed)
}

func TestPollerNextHonoursContext(t *testing.T) {
	procs := []ps.Process{}
	poller, _ := newTestPoller(&procs)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := poller.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
