package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/exec-guard/internal/config"
	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/types"
)

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.GroupUUID = "group-1"
	cfg.ServerURL = serverURL
	cfg.Version = "1.2.3"
	cfg.StateFile = filepath.Join(t.TempDir(), "state.yaml")
	cfg.HTTPTimeout = 5 * time.Second
	return cfg
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *config.Config) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)
	logger := logging.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	client := NewClient(logger, cfg)
	client.now = func() time.Time { return time.Unix(1700000000, 0) }
	return client, cfg
}

func TestRegister(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/Register", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "exec-guard/1.2.3", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"Command":"SetSystemUUID","Arguments":{"SystemUUID":"abc"}}`))
	}))

	resp, err := client.Register(context.Background(), types.HostInfo{
		OSHumanName: "Debian GNU/Linux 12",
		Arch:        "amd64",
		MachineName: "host-1",
		MachineGUID: "guid-1",
	})
	require.NoError(t, err)

	assert.Contains(t, string(resp), "SetSystemUUID")
	assert.Equal(t, "group-1", got["GroupUUID"])
	assert.NotContains(t, got, "SystemUUID")
	assert.NotContains(t, got, "CurrentClientTime")
	assert.Equal(t, "1.2.3", got["AgentVersion"])
	assert.Equal(t, "Debian GNU/Linux 12", got["OSHumanName"])
	assert.Equal(t, "guid-1", got["MachineGUID"])
}

func TestSendProcessEventCarriesIdentity(t *testing.T) {
	var got ProcessEventMessage
	client, cfg := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ProcessEvent", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{}`))
	}))
	require.NoError(t, cfg.SetSystemUUID("system-9"))

	_, err := client.SendProcessEvent(context.Background(), ProcessEventMessage{
		TimeOfEvent: 1,
		Type:        1,
		PID:         42,
		PPID:        1,
		Path:        "/bin/foo",
		SHA256:      "ab",
		IsSigned:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "system-9", got.SystemUUID)
	assert.Equal(t, "group-1", got.GroupUUID)
	assert.Equal(t, 42, got.PID)
	assert.Equal(t, "/bin/foo", got.Path)
	assert.True(t, got.IsSigned)
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		errMsg  string
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) },
			errMsg:  "status 500",
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			errMsg:  "status 404",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			_, err := client.Heartbeat(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEmptyBodyIsAck(t *testing.T) {
	var routes []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routes = append(routes, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := client.SendProcessEvent(context.Background(), ProcessEventMessage{PID: 7, Path: "/bin/true"})
	require.NoError(t, err)
	assert.Empty(t, resp)

	resp, err = client.SendCatalogFile(context.Background(), CatalogFileMessage{Path: "/cat/a.cat"})
	require.NoError(t, err)
	assert.Empty(t, resp)

	_, err = client.Heartbeat(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/api/v1/ProcessEvent", "/api/v1/CatalogFileEvent", "/api/v1/Heartbeat"}, routes)
}

func TestUnreachableServer(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	client := NewClient(logging.New(slog.New(slog.NewTextHandler(io.Discard, nil))), cfg)

	_, err := client.Heartbeat(context.Background())
	assert.Error(t, err)
}

func TestUploadFile(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "gzip"}[compress], func(t *testing.T) {
			content := []byte("MZ executable bytes")
			path := filepath.Join(t.TempDir(), "tool.exe")
			require.NoError(t, os.WriteFile(path, content, 0o644))

			var (
				meta     UploadFileMessage
				fileBody []byte
				filename string
				partType string
			)
			client, cfg := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/UploadFile", r.URL.Path)

				if compress {
					assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
					gz, err := gzip.NewReader(r.Body)
					require.NoError(t, err)
					r.Body = io.NopCloser(gz)
				}

				require.NoError(t, r.ParseMultipartForm(1<<20))
				require.NoError(t, json.Unmarshal([]byte(r.FormValue("event_data")), &meta))

				file, header, err := r.FormFile("file")
				require.NoError(t, err)
				defer file.Close()
				filename = header.Filename
				partType = header.Header.Get("Content-Type")
				fileBody, _ = io.ReadAll(file)

				w.Write([]byte(`{}`))
			}))
			cfg.CompressUploads = compress

			_, err := client.UploadFile(context.Background(), path, "deadbeef", FileTypeExecutable)
			require.NoError(t, err)

			assert.Equal(t, "deadbeef", meta.SHA256)
			assert.Equal(t, "exe", meta.FileType)
			assert.Equal(t, "group-1", meta.GroupUUID)
			assert.Equal(t, "deadbeef", filename)
			assert.Equal(t, "application/octet-stream", partType)
			assert.Equal(t, content, fileBody)
		})
	}
}

func TestUploadMissingFile(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	_, err := client.UploadFile(context.Background(), filepath.Join(t.TempDir(), "gone"), "ab", FileTypeCatalog)
	assert.Error(t, err)
}

func TestGetUpdate(t *testing.T) {
	var req UpdateRequest
	client, cfg := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/GetUpdate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Write([]byte("new agent binary"))
	}))

	var buf bytes.Buffer
	n, err := client.GetUpdate(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("new agent binary")), n)
	assert.Equal(t, "new agent binary", buf.String())
	assert.Equal(t, "1.2.3", req.Version)

	cfg.MaxUpdateBytes = 4
	buf.Reset()
	_, err = client.GetUpdate(context.Background(), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestGetUpdateEmpty(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := client.GetUpdate(context.Background(), io.Discard)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
