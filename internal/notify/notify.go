package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"aegisflux/agents/exec-guard/internal/logging"
)

// Notice describes a process the agent stopped from running
type Notice struct {
	Type         string `json:"type"`
	Timestamp    string `json:"timestamp"`
	SystemUUID   string `json:"system_uuid,omitempty"`
	Path         string `json:"path"`
	PID          int    `json:"pid"`
	ExecutableID int64  `json:"executable_id"`
}

// Notifier delivers block notices to the user-facing side
type Notifier interface {
	NotifyDenied(n Notice) error
}

// Nop discards every notice
type Nop struct{}

// NotifyDenied does nothing
func (Nop) NotifyDenied(Notice) error { return nil }

// Conn is the subset of *nats.Conn used by the publisher
type Conn interface {
	Publish(subject string, data []byte) error
}

// Connect dials the NATS server used for notices
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("exec-guard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Publisher queues notices and publishes them to a NATS subject
type Publisher struct {
	logger   *logging.Logger
	conn     Conn
	subject  string
	queue    chan Notice
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewPublisher creates a publisher with a bounded queue
func NewPublisher(logger *logging.Logger, conn Conn, subject string) *Publisher {
	return &Publisher{
		logger:   logger.WithComponent("notify"),
		conn:     conn,
		subject:  subject,
		queue:    make(chan Notice, 256),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// NotifyDenied queues a notice; it never blocks the caller
func (p *Publisher) NotifyDenied(n Notice) error {
	if n.Type == "" {
		n.Type = "process_denied"
	}
	if n.Timestamp == "" {
		n.Timestamp = p.now().UTC().Format(time.RFC3339)
	}

	select {
	case p.queue <- n:
		return nil
	default:
		return fmt.Errorf("notice queue is full")
	}
}

// Run publishes queued notices until ctx is cancelled or Stop is called
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("Starting notice publisher", "subject", p.subject)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopChan:
			return nil
		case n := <-p.queue:
			if err := p.publish(n); err != nil {
				p.logger.Error("Failed to publish notice", "error", err, "path", n.Path)
			}
		}
	}
}

// Stop ends the publish loop
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}

// QueueSize returns the number of notices waiting to be published
func (p *Publisher) QueueSize() int {
	return len(p.queue)
}

func (p *Publisher) publish(n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}

	p.logger.Debug("Published notice", "subject", p.subject, "path", n.Path)
	return nil
}
