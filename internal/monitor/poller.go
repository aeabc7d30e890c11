package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	ps "github.com/keybase/go-ps"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/types"
)

type procInfo struct {
	ppid        int
	imagePath   string
	commandLine string
}

// Poller is an Interceptor that diffs process table snapshots. It observes
// processes after they start, so a DENY terminates the process instead of
// preventing it.
type Poller struct {
	interval   time.Duration
	killOnDeny bool
	logger     *logging.Logger

	list    func() ([]ps.Process, error)
	resolve func(p ps.Process) (imagePath, commandLine string)
	kill    func(pid int) error

	mu        sync.Mutex
	known     map[int]procInfo
	pending   []Notification
	tokens    map[uint64]int
	nextToken uint64
	seeded    bool
}

// NewPoller creates a poller that snapshots the process table every interval
func NewPoller(interval time.Duration, killOnDeny bool, logger *logging.Logger) *Poller {
	return &Poller{
		interval:   interval,
		killOnDeny: killOnDeny,
		logger:     logger.WithComponent("poller"),
		list:       ps.Processes,
		resolve:    resolveProcess,
		kill:       killProcess,
		known:      make(map[int]procInfo),
		tokens:     make(map[uint64]int),
	}
}

// Snapshot lists running processes and seeds the poller so they are not
// reported again as started
func (p *Poller) Snapshot() ([]Notification, error) {
	current, err := p.scan()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.known = current
	p.seeded = true

	out := make([]Notification, 0, len(current))
	for pid, info := range current {
		out = append(out, Notification{
			PID:         pid,
			PPID:        info.ppid,
			ImagePath:   info.imagePath,
			CommandLine: info.commandLine,
			State:       types.ProcessExists,
		})
	}
	return out, nil
}

// Next returns the next started or terminated process
func (p *Poller) Next(ctx context.Context) (Notification, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if n, ok := p.pop(); ok {
			return n, nil
		}

		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-ticker.C:
			if err := p.poll(); err != nil {
				p.logger.Error("Failed to poll process table", "error", err)
			}
		}
	}
}

// Respond applies a verdict to a started process
func (p *Poller) Respond(token uint64, verdict types.Verdict) error {
	p.mu.Lock()
	pid, ok := p.tokens[token]
	delete(p.tokens, token)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown notification token %d", token)
	}
	if verdict != types.VerdictDeny || !p.killOnDeny {
		return nil
	}

	if err := p.kill(pid); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	p.logger.Warn("Killed denied process", "pid", pid)
	return nil
}

func (p *Poller) pop() (Notification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return Notification{}, false
	}
	n := p.pending[0]
	p.pending = p.pending[1:]
	return n, true
}

// poll diffs the process table against the last snapshot. The first poll
// only seeds the table unless Snapshot already did.
func (p *Poller) poll() error {
	current, err := p.scan()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seeded {
		p.known = current
		p.seeded = true
		return nil
	}

	for pid, info := range p.known {
		if _, ok := current[pid]; !ok {
			p.pending = append(p.pending, Notification{
				PID:       pid,
				PPID:      info.ppid,
				ImagePath: info.imagePath,
				State:     types.ProcessTerminated,
			})
		}
	}

	for pid, info := range current {
		if _, ok := p.known[pid]; ok {
			continue
		}
		p.nextToken++
		p.tokens[p.nextToken] = pid
		p.pending = append(p.pending, Notification{
			PID:         pid,
			PPID:        info.ppid,
			ImagePath:   info.imagePath,
			CommandLine: info.commandLine,
			Token:       p.nextToken,
			State:       types.ProcessStarted,
		})
	}

	p.known = current
	return nil
}

func (p *Poller) scan() (map[int]procInfo, error) {
	procs, err := p.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	self := os.Getpid()
	current := make(map[int]procInfo, len(procs))
	for _, proc := range procs {
		if proc.Pid() == self {
			continue
		}
		image, cmdline := p.resolve(proc)
		if image == "" {
			continue
		}
		current[proc.Pid()] = procInfo{ppid: proc.PPid(), imagePath: image, commandLine: cmdline}
	}
	return current, nil
}

func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
