package beacon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegisflux/agents/exec-guard/internal/command"
	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/metrics"
	"aegisflux/agents/exec-guard/internal/mgmt"
	"aegisflux/agents/exec-guard/internal/store"
	"aegisflux/agents/exec-guard/internal/types"
)

// Transport is the subset of the management client used by the beacon
type Transport interface {
	Register(ctx context.Context, host types.HostInfo) ([]byte, error)
	Heartbeat(ctx context.Context) ([]byte, error)
	SendProcessEvent(ctx context.Context, msg mgmt.ProcessEventMessage) ([]byte, error)
	SendCatalogFile(ctx context.Context, msg mgmt.CatalogFileMessage) ([]byte, error)
}

// Outbox is the persistent queue drained by the beacon
type Outbox interface {
	UndeliveredProcessEvents(ctx context.Context) ([]types.ProcessEvent, error)
	MarkProcessEventDelivered(ctx context.Context, id int64) error
	UndeliveredCatalogFiles(ctx context.Context) ([]types.CatalogFile, error)
	MarkCatalogFileDelivered(ctx context.Context, id int64) error
	ExecutableByID(ctx context.Context, id int64) (*types.Executable, error)
}

// Identity holds the system identity assigned at registration
type Identity interface {
	HasRegistered() bool
	SetSystemUUID(id string) error
}

// MessageHandler runs commands carried by server replies
type MessageHandler interface {
	HandleMessage(ctx context.Context, data []byte) int
}

// Beacon periodically registers, drains the outbox and heartbeats
type Beacon struct {
	transport Transport
	outbox    Outbox
	identity  Identity
	handler   MessageHandler
	hostInfo  func() types.HostInfo
	interval  time.Duration
	logger    *logging.Logger
	metrics   *metrics.Metrics

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a beacon that runs one iteration every interval
func New(transport Transport, outbox Outbox, identity Identity, handler MessageHandler, hostInfo func() types.HostInfo, interval time.Duration, logger *logging.Logger, m *metrics.Metrics) *Beacon {
	return &Beacon{
		transport: transport,
		outbox:    outbox,
		identity:  identity,
		handler:   handler,
		hostInfo:  hostInfo,
		interval:  interval,
		logger:    logger.WithComponent("beacon"),
		metrics:   m,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run executes iterations until ctx is cancelled or Stop is called. Stop
// requests are only observed between iterations; an iteration in progress
// finishes on a context detached from ctx.
func (b *Beacon) Run(ctx context.Context) error {
	defer close(b.done)

	iterCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Beacon stopped", "reason", "context")
			return nil
		case <-b.stopChan:
			b.logger.Info("Beacon stopped", "reason", "stop")
			return nil
		case <-timer.C:
			b.Iterate(iterCtx)
			timer.Reset(b.interval)
		}
	}
}

// Stop asks the loop to exit after the current iteration
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
}

// Done is closed once Run has returned
func (b *Beacon) Done() <-chan struct{} {
	return b.done
}

// Iterate performs one sync pass
func (b *Beacon) Iterate(ctx context.Context) {
	b.logger.LogBeaconEvent("beacon_started")

	if !b.identity.HasRegistered() {
		if err := b.register(ctx); err != nil {
			b.logger.LogBeaconEvent("beacon_error", "stage", "register", "error", err)
		}
		return
	}

	delivered := b.deliverProcessEvents(ctx)
	delivered += b.deliverCatalogFiles(ctx)

	if delivered > 0 {
		return
	}

	resp, err := b.transport.Heartbeat(ctx)
	if err != nil {
		b.logger.LogBeaconEvent("beacon_error", "stage", "heartbeat", "error", err)
		return
	}
	b.metrics.IncrementHeartbeats()
	b.logger.LogBeaconEvent("heartbeat_sent")
	b.handler.HandleMessage(ctx, resp)
}

func (b *Beacon) register(ctx context.Context) error {
	resp, err := b.transport.Register(ctx, b.hostInfo())
	if err != nil {
		return err
	}

	cmd, err := command.Decode(resp)
	if err != nil {
		return fmt.Errorf("invalid registration response: %w", err)
	}
	set, ok := cmd.(command.SetSystemUUID)
	if !ok {
		return fmt.Errorf("registration response command not in correct format")
	}

	if err := b.identity.SetSystemUUID(set.SystemUUID); err != nil {
		return fmt.Errorf("failed to persist system uuid: %w", err)
	}

	b.logger.LogBeaconEvent("registered", "system_uuid", set.SystemUUID)
	return nil
}

func (b *Beacon) deliverProcessEvents(ctx context.Context) int {
	events, err := b.outbox.UndeliveredProcessEvents(ctx)
	if err != nil {
		b.logger.LogBeaconEvent("beacon_error", "stage", "load_process_events", "error", err)
		return 0
	}

	delivered := 0
	for _, ev := range events {
		msg, err := b.processEventMessage(ctx, ev)
		if err != nil {
			b.logger.LogBeaconEvent("beacon_error", "stage", "process_event", "event_id", ev.ID, "error", err)
			continue
		}

		resp, err := b.transport.SendProcessEvent(ctx, msg)
		if err != nil {
			b.metrics.RecordDelivery("process_event", false)
			b.logger.LogBeaconEvent("beacon_error", "stage", "send_process_event", "event_id", ev.ID, "error", err)
			continue
		}

		if err := b.outbox.MarkProcessEventDelivered(ctx, ev.ID); err != nil {
			b.logger.LogBeaconEvent("beacon_error", "stage", "mark_process_event", "event_id", ev.ID, "error", err)
			continue
		}
		b.metrics.RecordDelivery("process_event", true)
		b.logger.LogBeaconEvent("event_delivered", "kind", "process_event", "event_id", ev.ID)
		delivered++

		b.handler.HandleMessage(ctx, resp)
	}
	return delivered
}

// processEventMessage joins an event with its executable record. Events
// without a record are sent with the logged image path and no digests.
func (b *Beacon) processEventMessage(ctx context.Context, ev types.ProcessEvent) (mgmt.ProcessEventMessage, error) {
	msg := mgmt.ProcessEventMessage{
		TimeOfEvent: ev.EventTime.Unix(),
		Type:        int(ev.State),
		PID:         ev.PID,
		PPID:        ev.PPID,
		Path:        ev.ImagePath,
		CommandLine: ev.CommandLine,
	}

	if ev.ExecutableID == 0 {
		return msg, nil
	}

	exe, err := b.outbox.ExecutableByID(ctx, ev.ExecutableID)
	if errors.Is(err, store.ErrNotFound) {
		return msg, nil
	}
	if err != nil {
		return msg, err
	}

	msg.Path = exe.Path
	msg.MD5 = hex.EncodeToString(exe.MD5)
	msg.SHA1 = hex.EncodeToString(exe.SHA1)
	msg.SHA256 = hex.EncodeToString(exe.SHA256)
	msg.Size = exe.Size
	msg.IsSigned = exe.Signed
	return msg, nil
}

func (b *Beacon) deliverCatalogFiles(ctx context.Context) int {
	files, err := b.outbox.UndeliveredCatalogFiles(ctx)
	if err != nil {
		b.logger.LogBeaconEvent("beacon_error", "stage", "load_catalog_files", "error", err)
		return 0
	}

	delivered := 0
	for _, cf := range files {
		resp, err := b.transport.SendCatalogFile(ctx, mgmt.CatalogFileMessage{
			TimeOfEvent: cf.FirstAccessTime.Unix(),
			Path:        cf.Path,
			SHA256:      hex.EncodeToString(cf.SHA256),
			Size:        cf.Size,
		})
		if err != nil {
			b.metrics.RecordDelivery("catalog_file", false)
			b.logger.LogBeaconEvent("beacon_error", "stage", "send_catalog_file", "catalog_id", cf.ID, "error", err)
			continue
		}

		if err := b.outbox.MarkCatalogFileDelivered(ctx, cf.ID); err != nil {
			b.logger.LogBeaconEvent("beacon_error", "stage", "mark_catalog_file", "catalog_id", cf.ID, "error", err)
			continue
		}
		b.metrics.RecordDelivery("catalog_file", true)
		b.logger.LogBeaconEvent("event_delivered", "kind", "catalog_file", "catalog_id", cf.ID)
		delivered++

		b.handler.HandleMessage(ctx, resp)
	}
	return delivered
}
