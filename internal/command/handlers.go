package command

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/mgmt"
	"aegisflux/agents/exec-guard/internal/types"
)

// HashLookup resolves uploaded artifacts by digest
type HashLookup interface {
	ExecutableBySHA256(ctx context.Context, digest []byte) (*types.Executable, error)
	CatalogFileBySHA256(ctx context.Context, digest []byte) (*types.CatalogFile, error)
}

// Uploader sends a file to the management service
type Uploader interface {
	UploadFile(ctx context.Context, path, sha256Hex, fileType string) ([]byte, error)
}

// IdentityStore persists the system identity
type IdentityStore interface {
	SetSystemUUID(id string) error
}

// FileUploadHandler answers GetFileByHash and GetCatalogFileByHash
type FileUploadHandler struct {
	lookup   HashLookup
	uploader Uploader
	logger   *logging.Logger
}

// NewFileUploadHandler creates a handler for the upload commands
func NewFileUploadHandler(lookup HashLookup, uploader Uploader, logger *logging.Logger) *FileUploadHandler {
	return &FileUploadHandler{lookup: lookup, uploader: uploader, logger: logger.WithComponent("upload")}
}

// Handle implements Handler
func (h *FileUploadHandler) Handle(ctx context.Context, cmd Command) (Command, error) {
	var (
		sha256Hex string
		path      string
		fileType  string
	)

	switch c := cmd.(type) {
	case GetFileByHash:
		digest, err := hex.DecodeString(c.SHA256)
		if err != nil {
			return nil, fmt.Errorf("invalid sha256 %q: %w", c.SHA256, err)
		}
		exe, err := h.lookup.ExecutableBySHA256(ctx, digest)
		if err != nil {
			return nil, err
		}
		if exe == nil {
			h.logger.Warn("Requested executable not found", "sha256", c.SHA256)
			return nil, nil
		}
		sha256Hex, path, fileType = c.SHA256, exe.Path, mgmt.FileTypeExecutable
	case GetCatalogFileByHash:
		digest, err := hex.DecodeString(c.SHA256)
		if err != nil {
			return nil, fmt.Errorf("invalid sha256 %q: %w", c.SHA256, err)
		}
		cf, err := h.lookup.CatalogFileBySHA256(ctx, digest)
		if err != nil {
			return nil, err
		}
		if cf == nil {
			h.logger.Warn("Requested catalog file not found", "sha256", c.SHA256)
			return nil, nil
		}
		sha256Hex, path, fileType = c.SHA256, cf.Path, mgmt.FileTypeCatalog
	default:
		return nil, fmt.Errorf("unexpected command %s", cmd.Name())
	}

	resp, err := h.uploader.UploadFile(ctx, path, sha256Hex, fileType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", path, err)
	}

	h.logger.Info("Uploaded file", "path", path, "sha256", sha256Hex, "file_type", fileType)
	return Decode(resp)
}

// SetSystemUUIDHandler stores a server-assigned identity
type SetSystemUUIDHandler struct {
	identity IdentityStore
	logger   *logging.Logger
}

// NewSetSystemUUIDHandler creates a SetSystemUUID handler
func NewSetSystemUUIDHandler(identity IdentityStore, logger *logging.Logger) *SetSystemUUIDHandler {
	return &SetSystemUUIDHandler{identity: identity, logger: logger}
}

// Handle implements Handler
func (h *SetSystemUUIDHandler) Handle(ctx context.Context, cmd Command) (Command, error) {
	c, ok := cmd.(SetSystemUUID)
	if !ok {
		return nil, fmt.Errorf("unexpected command %s", cmd.Name())
	}
	if err := h.identity.SetSystemUUID(c.SystemUUID); err != nil {
		return nil, fmt.Errorf("failed to persist system uuid: %w", err)
	}
	h.logger.Info("System identity updated", "system_uuid", c.SystemUUID)
	return nil, nil
}

// StallHandler blocks the caller for the requested delay. The wait is not
// interrupted by ctx; the sync loop observes stop only between iterations.
type StallHandler struct {
	sleep  func(time.Duration)
	logger *logging.Logger
}

// NewStallHandler creates a Stall handler; a nil sleep uses time.Sleep
func NewStallHandler(sleep func(time.Duration), logger *logging.Logger) *StallHandler {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &StallHandler{sleep: sleep, logger: logger}
}

// Handle implements Handler
func (h *StallHandler) Handle(ctx context.Context, cmd Command) (Command, error) {
	c, ok := cmd.(Stall)
	if !ok {
		return nil, fmt.Errorf("unexpected command %s", cmd.Name())
	}
	delay := c.Delay()
	h.logger.Info("Stalling", "requested_seconds", c.DelayInSeconds, "delay", delay.String())
	h.sleep(delay)
	return nil, nil
}

// NOPHandler accepts NOP
func NOPHandler() Handler {
	return HandlerFunc(func(context.Context, Command) (Command, error) { return nil, nil })
}
