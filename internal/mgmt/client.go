package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"aegisflux/agents/exec-guard/internal/config"
	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/types"
)

// ErrEmptyResponse is returned when an update download carried no artifact
var ErrEmptyResponse = errors.New("empty response from management service")

const maxResponseBytes = 1 << 20

// Client handles communication with the management service
type Client struct {
	logger     *logging.Logger
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new management service client
func NewClient(logger *logging.Logger, cfg *config.Config) *Client {
	return &Client{
		logger:  logger.WithComponent("mgmt"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		now: time.Now,
	}
}

// envelope stamps the identity and client clock on an outgoing message
func (c *Client) envelope() Envelope {
	return Envelope{
		SystemUUID:        c.cfg.SystemUUID(),
		GroupUUID:         c.cfg.GroupUUID,
		CurrentClientTime: c.now().Unix(),
	}
}

// Register sends host facts and returns the service's reply
func (c *Client) Register(ctx context.Context, host types.HostInfo) ([]byte, error) {
	req := RegisterRequest{
		GroupUUID:    c.cfg.GroupUUID,
		AgentVersion: c.cfg.Version,
		OSHumanName:  host.OSHumanName,
		OSVersion:    host.OSVersion,
		Manufacturer: host.Manufacturer,
		Model:        host.Model,
		Arch:         host.Arch,
		MachineName:  host.MachineName,
		MachineGUID:  host.MachineGUID,
	}
	return c.postJSON(ctx, RouteRegister, req)
}

// Heartbeat tells the service the agent is alive; the reply may carry a command
func (c *Client) Heartbeat(ctx context.Context) ([]byte, error) {
	return c.postJSON(ctx, RouteHeartbeat, c.envelope())
}

// SendProcessEvent delivers one process event
func (c *Client) SendProcessEvent(ctx context.Context, msg ProcessEventMessage) ([]byte, error) {
	msg.Envelope = c.envelope()
	return c.postJSON(ctx, RouteProcessEvent, msg)
}

// SendCatalogFile delivers one catalog file observation
func (c *Client) SendCatalogFile(ctx context.Context, msg CatalogFileMessage) ([]byte, error) {
	msg.Envelope = c.envelope()
	return c.postJSON(ctx, RouteCatalogFileEvent, msg)
}

// UploadFile streams the file at path as a multipart upload. The file part
// is named by its sha256 hex digest.
func (c *Client) UploadFile(ctx context.Context, path, sha256Hex, fileType string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	eventData, err := json.Marshal(UploadFileMessage{
		Envelope: c.envelope(),
		SHA256:   sha256Hex,
		FileType: fileType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload metadata: %w", err)
	}

	pr, pw := io.Pipe()

	var (
		body io.Writer = pw
		gz   *gzip.Writer
	)
	if c.cfg.CompressUploads {
		gz = gzip.NewWriter(pw)
		body = gz
	}
	mw := multipart.NewWriter(body)

	go func() {
		pw.CloseWithError(writeMultipart(mw, gz, eventData, sha256Hex, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.routeURL(RouteUploadFile), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.CompressUploads {
		req.Header.Set("Content-Encoding", "gzip")
	}

	c.logger.Debug("Uploading file", "sha256", sha256Hex, "file_type", fileType, "path", path)
	return c.do(req, RouteUploadFile)
}

func writeMultipart(mw *multipart.Writer, gz *gzip.Writer, eventData []byte, sha256Hex string, file io.Reader) error {
	if err := mw.WriteField("event_data", string(eventData)); err != nil {
		return fmt.Errorf("failed to write event_data: %w", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, sha256Hex))
	header.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	if err := mw.Close(); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}

// GetUpdate downloads the current agent artifact into w, refusing artifacts
// larger than the configured limit
func (c *Client) GetUpdate(ctx context.Context, w io.Writer) (int64, error) {
	body, err := json.Marshal(UpdateRequest{Envelope: c.envelope(), Version: c.cfg.Version})
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.routeURL(RouteGetUpdate), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	limit := c.cfg.MaxUpdateBytes
	n, err := io.Copy(w, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return n, fmt.Errorf("failed to download update: %w", err)
	}
	if n > limit {
		return n, fmt.Errorf("update exceeds %d bytes", limit)
	}
	if n == 0 {
		return 0, ErrEmptyResponse
	}

	c.logger.Info("Downloaded update", "size", n)
	return n, nil
}

func (c *Client) routeURL(route string) string {
	return fmt.Sprintf("%s/api/v1/%s", c.baseURL, route)
}

func (c *Client) postJSON(ctx context.Context, route string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", route, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.routeURL(route), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, route)
}

// do executes req and returns the response body. An empty 200 body is a
// plain ack; only transport errors and non-200 statuses fail.
func (c *Client) do(req *http.Request, route string) ([]byte, error) {
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", route, err)
	}

	c.logger.Debug("Management service replied", "route", route, "size", len(data))
	return data, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "exec-guard/"+c.cfg.Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("management service returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}
