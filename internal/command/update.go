package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/metrics"
	"aegisflux/agents/exec-guard/internal/signing"
)

// UpdateFetcher downloads the agent artifact
type UpdateFetcher interface {
	GetUpdate(ctx context.Context, w io.Writer) (int64, error)
}

// Launcher starts a verified update artifact
type Launcher interface {
	Launch(ctx context.Context, path string) error
}

// ExecLauncher starts the artifact as a detached child process
type ExecLauncher struct {
	Args []string
}

// Launch implements Launcher
func (l ExecLauncher) Launch(ctx context.Context, path string) error {
	cmd := exec.Command(path, l.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}
	return cmd.Process.Release()
}

// UpdateHandler fetches an update, checks its signature against the pinned
// signer and launches it. The downloaded file is always removed.
type UpdateHandler struct {
	fetcher  UpdateFetcher
	verifier signing.Verifier
	pin      signing.Pin
	launcher Launcher
	tempDir  string
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewUpdateHandler creates an Update handler; tempDir "" uses the OS default
func NewUpdateHandler(fetcher UpdateFetcher, verifier signing.Verifier, pin signing.Pin, launcher Launcher, tempDir string, logger *logging.Logger, m *metrics.Metrics) *UpdateHandler {
	return &UpdateHandler{
		fetcher:  fetcher,
		verifier: verifier,
		pin:      pin,
		launcher: launcher,
		tempDir:  tempDir,
		logger:   logger.WithComponent("update"),
		metrics:  m,
	}
}

// Handle implements Handler
func (h *UpdateHandler) Handle(ctx context.Context, cmd Command) (Command, error) {
	if _, ok := cmd.(Update); !ok {
		return nil, fmt.Errorf("unexpected command %s", cmd.Name())
	}

	f, err := os.CreateTemp(h.tempDir, "exec-guard-update-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create update file: %w", err)
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("Failed to remove update file", "path", path, "error", err)
		}
	}()

	size, err := h.fetcher.GetUpdate(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch update: %w", err)
	}

	if err := os.Chmod(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to mark update executable: %w", err)
	}

	result, err := h.verifier.Verify(ctx, path)
	if err != nil {
		h.metrics.IncrementUpdatesRejected()
		h.logger.LogSecurityEvent("signature_failed", "path", path, "error", err)
		return nil, fmt.Errorf("failed to verify update: %w", err)
	}
	if !result.Verified {
		h.metrics.IncrementUpdatesRejected()
		h.logger.LogSecurityEvent("signature_failed", "path", path)
		return nil, fmt.Errorf("update is not validly signed")
	}
	if err := h.pin.Check(result.Signers); err != nil {
		h.metrics.IncrementUpdatesRejected()
		h.logger.LogSecurityEvent("signer_rejected", "path", path, "error", err)
		return nil, fmt.Errorf("update rejected: %w", err)
	}

	if err := h.launcher.Launch(ctx, path); err != nil {
		return nil, err
	}

	h.logger.LogSecurityEvent("update_launched", "size", size, "signer", result.Signers[0].Name)
	return nil, nil
}
