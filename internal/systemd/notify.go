package systemd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"aegisflux/agents/exec-guard/internal/logging"
)

// Notifier provides systemd integration
type Notifier struct {
	socket string

	mu   sync.Mutex
	conn net.Conn
}

// NewNotifier creates a notifier for the socket named by NOTIFY_SOCKET
func NewNotifier() *Notifier {
	return NewNotifierForSocket(os.Getenv("NOTIFY_SOCKET"))
}

// NewNotifierForSocket creates a notifier for an explicit socket path
func NewNotifierForSocket(socket string) *Notifier {
	return &Notifier{socket: socket}
}

// IsAvailable checks if systemd notification is available
func (n *Notifier) IsAvailable() bool {
	return n.socket != ""
}

// Notify sends a raw state string to systemd; it is a no-op outside systemd
func (n *Notifier) Notify(state string) error {
	if !n.IsAvailable() {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		addr := n.socket
		if addr[0] == '@' {
			addr = "\x00" + addr[1:]
		}
		conn, err := net.Dial("unixgram", addr)
		if err != nil {
			return fmt.Errorf("failed to connect to systemd socket: %w", err)
		}
		n.conn = conn
	}

	_, err := n.conn.Write([]byte(state + "\n"))
	return err
}

// NotifyReady notifies systemd that the service is ready
func (n *Notifier) NotifyReady() error {
	return n.Notify("READY=1")
}

// NotifyStopping notifies systemd that the service is stopping
func (n *Notifier) NotifyStopping() error {
	return n.Notify("STOPPING=1")
}

// NotifyWatchdog notifies systemd watchdog
func (n *Notifier) NotifyWatchdog() error {
	return n.Notify("WATCHDOG=1")
}

// NotifyStatus updates systemd status
func (n *Notifier) NotifyStatus(status string) error {
	return n.Notify("STATUS=" + status)
}

// Close closes the systemd notification connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the watchdog is off
func WatchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// RunWatchdog pings the watchdog every interval until ctx is cancelled
func (n *Notifier) RunWatchdog(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	if !n.IsAvailable() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.NotifyWatchdog(); err != nil {
				logger.Warn("Failed to notify systemd watchdog", "error", err)
			}
		}
	}
}
