package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"aegisflux/agents/exec-guard/internal/config"
)

// Logger provides structured logging with systemd integration
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger
func NewLogger(cfg *config.Config) *Logger {
	var handler slog.Handler
	var output io.Writer = os.Stdout

	if isSystemd() {
		// journald captures stderr
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: ParseLevel(cfg.LogLevel),
		})
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err == nil {
			logFile := filepath.Join(cfg.DataDir, "exec-guard.log")
			if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				output = file
			}
		}
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level:     ParseLevel(cfg.LogLevel),
			AddSource: true,
		})
	}

	hostname, _ := os.Hostname()
	return &Logger{
		Logger: slog.New(handler).With(
			"host", hostname,
			"service", "exec-guard",
			"component", "agent",
		),
	}
}

// New wraps an existing slog logger
func New(l *slog.Logger) *Logger {
	return &Logger{Logger: l}
}

// ParseLevel parses a log level string
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	return os.Getpid() == 1
}

// LogSystemEvent logs agent lifecycle events
func (l *Logger) LogSystemEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "agent_started":
		l.Info("Agent started", args...)
	case "agent_stopped":
		l.Info("Agent stopped", args...)
	case "shutdown_signal":
		l.Info("Shutdown signal received", args...)
	case "config_loaded":
		l.Info("Configuration loaded", args...)
	case "http_server_started":
		l.Info("HTTP server started", args...)
	case "http_server_stopped":
		l.Info("HTTP server stopped", args...)
	case "rules_bootstrapped":
		l.Info("Rules bootstrapped", args...)
	default:
		l.Info("System event", args...)
	}
}

// LogDecisionEvent logs execution decisions
func (l *Logger) LogDecisionEvent(event string, path string, additional ...any) {
	args := append([]any{"event", event, "path", path}, additional...)

	switch event {
	case "decision_cached":
		l.Debug("Cached decision", args...)
	case "decision_evaluated":
		l.Info("Decision evaluated", args...)
	case "decision_failed_open":
		l.Error("Decision failed, allowing", args...)
	case "process_denied":
		l.Warn("Stopping process from running", args...)
	default:
		l.Info("Decision event", args...)
	}
}

// LogBeaconEvent logs sync-loop events
func (l *Logger) LogBeaconEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "beacon_started":
		l.Debug("Beacon iteration started", args...)
	case "registered":
		l.Info("Registered with management service", args...)
	case "event_delivered":
		l.Debug("Event delivered", args...)
	case "heartbeat_sent":
		l.Debug("Heartbeat sent", args...)
	case "beacon_error":
		l.Error("Beacon error", args...)
	default:
		l.Info("Beacon event", args...)
	}
}

// LogCommandEvent logs server command handling
func (l *Logger) LogCommandEvent(event string, command string, additional ...any) {
	args := append([]any{"event", event, "command", command}, additional...)

	switch event {
	case "command_received":
		l.Info("Command received", args...)
	case "command_failed":
		l.Error("Command failed", args...)
	case "command_unknown":
		l.Warn("Unknown command", args...)
	case "command_chain_truncated":
		l.Warn("Command chain truncated", args...)
	default:
		l.Info("Command event", args...)
	}
}

// LogSecurityEvent logs security-related events
func (l *Logger) LogSecurityEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "signature_verified":
		l.Info("Signature verified", args...)
	case "signature_failed":
		l.Error("Signature verification failed", args...)
	case "signer_rejected":
		l.Error("Update signer rejected", args...)
	case "update_launched":
		l.Info("Update launched", args...)
	default:
		l.Warn("Security event", args...)
	}
}

// WithComponent creates a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}
