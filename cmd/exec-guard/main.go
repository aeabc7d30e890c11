package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aegisflux/agents/exec-guard/internal/agent"
	"aegisflux/agents/exec-guard/internal/arbiter"
	"aegisflux/agents/exec-guard/internal/config"
	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "exec-guard",
		Short:         "Host execution control agent",
		Long:          `exec-guard decides whether executables may run, records process activity and syncs with the management service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCommand(), decideCommand(), rulesCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger := logging.NewLogger(cfg)
			logger.LogSystemEvent("config_loaded",
				"server_url", cfg.ServerURL,
				"group_uuid", cfg.GroupUUID,
				"beacon_interval", cfg.BeaconInterval,
				"data_dir", cfg.DataDir,
				"nats_url", cfg.NATSURL,
				"http_address", cfg.HTTPAddress)

			agentInstance, err := agent.New(logger, cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}
			defer agentInstance.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() { errCh <- agentInstance.Run(ctx) }()

			select {
			case err := <-errCh:
				return err
			case sig := <-sigChan:
				logger.LogSystemEvent("shutdown_signal", "signal", sig.String())
				cancel()
			}

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-time.After(agent.ShutdownTimeout):
				logger.Warn("Shutdown timed out", "timeout", agent.ShutdownTimeout)
			}

			logger.Info("Agent shutdown complete")
			return nil
		},
	}
}

func decideCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decide <path>",
		Short: "Evaluate an executable against the trust store and rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			logger := logging.NewLogger(cfg)
			verifier, err := agent.NewVerifier(cfg)
			if err != nil {
				return err
			}

			engine, err := arbiter.NewEngine(st, verifier, cfg, 1, logger, nil)
			if err != nil {
				return err
			}

			verdict, id := engine.Decide(cmd.Context(), args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s\texecutable_id=%d\taudit_mode=%t\n", verdict, id, cfg.AuditMode())
			return nil
		},
	}
}

func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.OpenOrCreate(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return cfg, st, nil
}
