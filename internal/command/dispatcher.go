package command

import (
	"context"
	"fmt"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/metrics"
)

// MaxCommandChain bounds how many follow-up commands one server reply can trigger
const MaxCommandChain = 100

// Handler executes one command and may return a follow-up command
type Handler interface {
	Handle(ctx context.Context, cmd Command) (Command, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, cmd Command) (Command, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Command, error) {
	return f(ctx, cmd)
}

// Dispatcher routes decoded commands to their handlers
type Dispatcher struct {
	handlers map[string]Handler
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher with no handlers
func NewDispatcher(logger *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger.WithComponent("dispatcher"),
		metrics:  m,
	}
}

// Register binds a handler to a command name
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Dispatch runs exactly one handler for cmd. Errors and panics are logged
// and yield no follow-up.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (next Command) {
	if cmd == nil {
		return nil
	}
	name := cmd.Name()

	h, ok := d.handlers[name]
	if !ok {
		d.logger.LogCommandEvent("command_unknown", name)
		d.metrics.RecordCommand(name, "unknown")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.LogCommandEvent("command_failed", name, "error", fmt.Sprintf("panic: %v", r))
			d.metrics.RecordCommand(name, "panic")
			next = nil
		}
	}()

	d.logger.LogCommandEvent("command_received", name)
	next, err := h.Handle(ctx, cmd)
	if err != nil {
		d.logger.LogCommandEvent("command_failed", name, "error", err)
		d.metrics.RecordCommand(name, "error")
		return nil
	}

	d.metrics.RecordCommand(name, "ok")
	return next
}

// RunChain dispatches cmd and then each follow-up it produces, stopping
// after MaxCommandChain dispatches. It returns the number of dispatches.
func (d *Dispatcher) RunChain(ctx context.Context, cmd Command) int {
	n := 0
	for cmd != nil {
		if n == MaxCommandChain {
			d.logger.LogCommandEvent("command_chain_truncated", cmd.Name(), "limit", MaxCommandChain)
			break
		}
		cmd = d.Dispatch(ctx, cmd)
		n++
	}
	return n
}

// HandleMessage decodes a raw server reply and runs any command it carries.
// Malformed replies are logged and dropped.
func (d *Dispatcher) HandleMessage(ctx context.Context, data []byte) int {
	cmd, err := Decode(data)
	if err != nil {
		d.logger.LogCommandEvent("command_failed", "", "error", err)
		d.metrics.RecordCommand("malformed", "error")
		return 0
	}
	return d.RunChain(ctx, cmd)
}
