package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"aegisflux/agents/exec-guard/internal/arbiter"
	"aegisflux/agents/exec-guard/internal/beacon"
	"aegisflux/agents/exec-guard/internal/command"
	"aegisflux/agents/exec-guard/internal/config"
	"aegisflux/agents/exec-guard/internal/hostinfo"
	"aegisflux/agents/exec-guard/internal/http"
	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/metrics"
	"aegisflux/agents/exec-guard/internal/mgmt"
	"aegisflux/agents/exec-guard/internal/monitor"
	"aegisflux/agents/exec-guard/internal/notify"
	"aegisflux/agents/exec-guard/internal/rules"
	"aegisflux/agents/exec-guard/internal/signing"
	"aegisflux/agents/exec-guard/internal/store"
	"aegisflux/agents/exec-guard/internal/systemd"
)

// Agent wires the decision engine, outbox, sync loop and command handling
type Agent struct {
	logger          *logging.Logger
	config          *config.Config
	metrics         *metrics.Metrics
	store           *store.Store
	engine          *arbiter.Engine
	client          *mgmt.Client
	dispatcher      *command.Dispatcher
	beacon          *beacon.Beacon
	monitor         *monitor.Monitor
	interceptor     monitor.Interceptor
	snapshotter     monitor.Snapshotter
	publisher       *notify.Publisher
	nc              *nats.Conn
	httpServer      *http.Server
	systemdNotifier *systemd.Notifier

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// Option customizes an Agent
type Option func(*Agent)

// WithInterceptor replaces the polling interceptor with an external one
func WithInterceptor(ic monitor.Interceptor, snap monitor.Snapshotter) Option {
	return func(a *Agent) {
		a.interceptor = ic
		a.snapshotter = snap
	}
}

// New creates a new agent instance
func New(logger *logging.Logger, cfg *config.Config, opts ...Option) (*Agent, error) {
	m := metrics.NewMetrics()

	st, err := store.OpenOrCreate(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &Agent{
		logger:          logger,
		config:          cfg,
		metrics:         m,
		store:           st,
		systemdNotifier: systemd.NewNotifier(),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) build() error {
	cfg := a.config
	ctx := context.Background()

	if _, err := BootstrapRules(ctx, a.store, cfg.RulesFile, a.logger); err != nil {
		return err
	}

	verifier, err := NewVerifier(cfg)
	if err != nil {
		return err
	}

	a.engine, err = arbiter.NewEngine(a.store, verifier, cfg, cfg.VerdictCacheSize, a.logger, a.metrics)
	if err != nil {
		return err
	}

	a.client = mgmt.NewClient(a.logger, cfg)

	pin, err := signing.BuildPin()
	if err != nil {
		return fmt.Errorf("invalid update signer pin: %w", err)
	}

	updateDir := filepath.Join(cfg.DataDir, "updates")
	if err := os.MkdirAll(updateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create update directory: %w", err)
	}

	a.dispatcher = command.NewDispatcher(a.logger, a.metrics)
	upload := command.NewFileUploadHandler(a.store, a.client, a.logger)
	a.dispatcher.Register(command.NameGetFileByHash, upload)
	a.dispatcher.Register(command.NameGetCatalogFileByHash, upload)
	a.dispatcher.Register(command.NameSetSystemUUID, command.NewSetSystemUUIDHandler(cfg, a.logger))
	a.dispatcher.Register(command.NameUpdate, command.NewUpdateHandler(a.client, verifier, pin, command.ExecLauncher{}, updateDir, a.logger, a.metrics))
	a.dispatcher.Register(command.NameStall, command.NewStallHandler(nil, a.logger))
	a.dispatcher.Register(command.NameNOP, command.NOPHandler())

	collector := hostinfo.Collector{}
	a.beacon = beacon.New(a.client, a.store, cfg, a.dispatcher, collector.Collect, cfg.BeaconInterval, a.logger, a.metrics)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATSURL != "" {
		a.nc, err = notify.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		a.publisher = notify.NewPublisher(a.logger, a.nc, cfg.NotifySubject)
		notifier = a.publisher
	}

	a.monitor = monitor.New(a.engine, a.store, notifier, cfg.SystemUUID, a.logger, a.metrics)
	poller := monitor.NewPoller(cfg.MonitorInterval, cfg.KillOnDeny, a.logger)
	a.interceptor = poller
	a.snapshotter = poller

	if cfg.HTTPAddress != "" {
		a.httpServer = http.NewServer(a.logger, cfg.HTTPAddress, cfg.Version, a.store, a.store, cfg, a.metrics.Registry)
	}
	return nil
}

// Run starts all components and blocks until ctx is cancelled or one of
// them fails
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	a.logger.LogSystemEvent("agent_started",
		"version", a.config.Version,
		"audit_mode", a.config.AuditMode(),
		"registered", a.config.HasRegistered())

	g, gctx := errgroup.WithContext(ctx)

	if a.httpServer != nil {
		g.Go(func() error { return a.httpServer.Run(gctx) })
	}
	if a.publisher != nil {
		g.Go(func() error { return a.publisher.Run(gctx) })
	}

	if a.snapshotter != nil {
		if _, err := a.monitor.AnalyzeRunningProcesses(gctx, a.snapshotter); err != nil {
			a.logger.Error("Failed to analyze running processes", "error", err)
		}
	}

	g.Go(func() error { return a.monitor.Run(gctx, a.interceptor) })
	g.Go(func() error { return a.beacon.Run(gctx) })

	if err := a.systemdNotifier.NotifyReady(); err != nil {
		a.logger.Warn("Failed to notify systemd ready", "error", err)
	}
	a.readyOnce.Do(func() { close(a.ready) })

	g.Go(func() error {
		a.systemdNotifier.RunWatchdog(gctx, systemd.WatchdogInterval(), a.logger)
		return nil
	})

	err := g.Wait()

	if nerr := a.systemdNotifier.NotifyStopping(); nerr != nil {
		a.logger.Warn("Failed to notify systemd stopping", "error", nerr)
	}
	a.logger.LogSystemEvent("agent_stopped")
	return err
}

// Ready is closed once every component has started
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// Done is closed once Run has returned
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Engine returns the decision engine
func (a *Agent) Engine() *arbiter.Engine {
	return a.engine
}

// Close releases the store and connections
func (a *Agent) Close() error {
	if a.nc != nil {
		a.nc.Close()
	}
	a.systemdNotifier.Close()
	return a.store.Close()
}

// NewVerifier returns the configured signature verifier. Without a helper
// command every file is treated as unsigned.
func NewVerifier(cfg *config.Config) (signing.Verifier, error) {
	if cfg.VerifierCommand == "" {
		return signing.Unsigned{}, nil
	}
	v, err := signing.NewCommandVerifier(cfg.VerifierCommand, cfg.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid verifier command: %w", err)
	}
	return v, nil
}

// BootstrapRules imports the rule file when the store holds no rules yet
func BootstrapRules(ctx context.Context, st *store.Store, path string, logger *logging.Logger) (int, error) {
	if path == "" {
		return 0, nil
	}

	count, err := st.CountRules(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	list, err := rules.LoadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load bootstrap rules: %w", err)
	}
	if err := st.AddRules(ctx, list); err != nil {
		return 0, fmt.Errorf("failed to import bootstrap rules: %w", err)
	}

	logger.LogSystemEvent("rules_bootstrapped", "file", path, "count", len(list))
	return len(list), nil
}

// ShutdownTimeout bounds how long main waits for Run to return after a signal
const ShutdownTimeout = 30 * time.Second
