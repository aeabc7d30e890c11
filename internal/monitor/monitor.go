package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/metrics"
	"aegisflux/agents/exec-guard/internal/notify"
	"aegisflux/agents/exec-guard/internal/types"
)

// ErrClosed is returned by an interceptor that will deliver no more notifications
var ErrClosed = errors.New("interceptor closed")

// Notification is one process lifecycle observation from the interception layer
type Notification struct {
	PID         int
	PPID        int
	ImagePath   string
	CommandLine string
	Token       uint64
	State       types.ProcessState
}

// Interceptor delivers process notifications and accepts verdicts for them
type Interceptor interface {
	// Next blocks until a notification is available
	Next(ctx context.Context) (Notification, error)
	// Respond answers a ProcessStarted notification
	Respond(token uint64, verdict types.Verdict) error
}

// Snapshotter lists the processes running right now
type Snapshotter interface {
	Snapshot() ([]Notification, error)
}

// Decider returns a verdict and executable id for an image path
type Decider interface {
	Decide(ctx context.Context, path string) (types.Verdict, int64)
}

// EventLog appends process events to the outbox
type EventLog interface {
	LogProcessEvent(ctx context.Context, ev *types.ProcessEvent) (int64, error)
}

type tracked struct {
	executableID int64
	imagePath    string
}

// Monitor decides on new processes and records their lifecycle
type Monitor struct {
	decider  Decider
	events   EventLog
	notifier notify.Notifier
	identity func() string
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	running map[int]tracked
}

// New creates a monitor; identity may be nil
func New(decider Decider, events EventLog, notifier notify.Notifier, identity func() string, logger *logging.Logger, m *metrics.Metrics) *Monitor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if identity == nil {
		identity = func() string { return "" }
	}
	return &Monitor{
		decider:  decider,
		events:   events,
		notifier: notifier,
		identity: identity,
		logger:   logger.WithComponent("monitor"),
		metrics:  m,
		now:      time.Now,
		running:  make(map[int]tracked),
	}
}

// Run consumes notifications until ctx is cancelled or the interceptor closes
func (m *Monitor) Run(ctx context.Context, ic Interceptor) error {
	for {
		n, err := ic.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		verdict := m.Handle(ctx, n)
		if n.State != types.ProcessStarted {
			continue
		}
		if err := ic.Respond(n.Token, verdict); err != nil {
			m.logger.Error("Failed to respond to notification", "error", err, "pid", n.PID, "verdict", verdict.String())
		}
	}
}

// AnalyzeRunningProcesses decides on and logs every process already running
func (m *Monitor) AnalyzeRunningProcesses(ctx context.Context, snap Snapshotter) (int, error) {
	procs, err := snap.Snapshot()
	if err != nil {
		return 0, err
	}

	for _, n := range procs {
		n.State = types.ProcessExists
		m.Handle(ctx, n)
	}

	m.logger.Info("Analyzed running processes", "count", len(procs))
	return len(procs), nil
}

// Handle processes one notification and returns the verdict for it.
// Terminations are logged against the executable recorded at start.
func (m *Monitor) Handle(ctx context.Context, n Notification) types.Verdict {
	m.metrics.RecordProcessEvent(n.State.String())

	if n.State == types.ProcessTerminated {
		m.mu.Lock()
		t, ok := m.running[n.PID]
		delete(m.running, n.PID)
		m.mu.Unlock()

		path := n.ImagePath
		if ok && path == "" {
			path = t.imagePath
		}
		m.logEvent(ctx, n, t.executableID, path)
		return types.VerdictNoResponse
	}

	verdict, exeID := m.decider.Decide(ctx, n.ImagePath)
	m.logEvent(ctx, n, exeID, n.ImagePath)

	m.mu.Lock()
	m.running[n.PID] = tracked{executableID: exeID, imagePath: n.ImagePath}
	m.mu.Unlock()

	if verdict == types.VerdictDeny {
		m.logger.LogDecisionEvent("process_denied", n.ImagePath, "pid", n.PID, "executable_id", exeID)
		if err := m.notifier.NotifyDenied(notify.Notice{
			SystemUUID:   m.identity(),
			Path:         n.ImagePath,
			PID:          n.PID,
			ExecutableID: exeID,
		}); err != nil {
			m.logger.Warn("Failed to queue block notice", "error", err, "path", n.ImagePath)
		}
	}
	return verdict
}

// Tracked returns the number of processes currently tracked as running
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Monitor) logEvent(ctx context.Context, n Notification, exeID int64, path string) {
	ev := &types.ProcessEvent{
		ExecutableID: exeID,
		ImagePath:    path,
		PID:          n.PID,
		PPID:         n.PPID,
		CommandLine:  n.CommandLine,
		EventTime:    m.now().UTC(),
		State:        n.State,
	}
	if _, err := m.events.LogProcessEvent(ctx, ev); err != nil {
		m.logger.Error("Failed to log process event", "error", err, "pid", n.PID, "path", path)
	}
}
