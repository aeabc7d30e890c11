package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration
type Config struct {
	GroupUUID      string        `yaml:"group_uuid"`
	Version        string        `yaml:"version"`
	ServerURL      string        `yaml:"server_url"`
	BeaconInterval time.Duration `yaml:"beacon_interval"`
	DataDir        string        `yaml:"data_dir"`
	DBPath         string        `yaml:"db_path"`
	StateFile      string        `yaml:"state_file"`
	LogLevel       string        `yaml:"log_level"`
	HTTPAddress    string        `yaml:"http_address"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`

	NATSURL       string `yaml:"nats_url"`
	NotifySubject string `yaml:"notify_subject"`

	VerifierCommand  string        `yaml:"verifier_command"`
	CompressUploads  bool          `yaml:"compress_uploads"`
	MaxUpdateBytes   int64         `yaml:"max_update_bytes"`
	RulesFile        string        `yaml:"rules_file"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	VerdictCacheSize int           `yaml:"verdict_cache_size"`
	KillOnDeny       bool          `yaml:"kill_on_deny"`

	mu         sync.RWMutex
	auditMode  bool
	systemUUID string
}

// state is the part of the configuration the agent writes back
type state struct {
	SystemUUID string `yaml:"system_uuid"`
}

// fileConfig mirrors Config for the optional YAML file; durations are seconds
type fileConfig struct {
	GroupUUID         string `yaml:"group_uuid"`
	Version           string `yaml:"version"`
	ServerURL         string `yaml:"server_url"`
	BeaconIntervalSec int    `yaml:"beacon_interval_sec"`
	AuditMode         *bool  `yaml:"audit_mode"`
	DataDir           string `yaml:"data_dir"`
	DBPath            string `yaml:"db_path"`
	StateFile         string `yaml:"state_file"`
	LogLevel          string `yaml:"log_level"`
	HTTPAddress       string `yaml:"http_address"`
	HTTPTimeoutSec    int    `yaml:"http_timeout_sec"`
	NATSURL           string `yaml:"nats_url"`
	NotifySubject     string `yaml:"notify_subject"`
	VerifierCommand   string `yaml:"verifier_command"`
	CompressUploads   *bool  `yaml:"compress_uploads"`
	MaxUpdateBytes    int64  `yaml:"max_update_bytes"`
	RulesFile         string `yaml:"rules_file"`
	MonitorIntervalMs int    `yaml:"monitor_interval_ms"`
	VerdictCacheSize  int    `yaml:"verdict_cache_size"`
	KillOnDeny        *bool  `yaml:"kill_on_deny"`
}

// Load loads configuration from the optional YAML file, environment
// variables and the persisted agent state, in that order
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("AGENT_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "exec-guard.db")
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.DataDir, "state.yaml")
	}

	if err := cfg.loadState(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Defaults returns a configuration populated with default values only
func Defaults() *Config {
	return &Config{
		Version:          "0.1.0",
		ServerURL:        "https://localhost:8443",
		BeaconInterval:   300 * time.Second,
		DataDir:          "/var/lib/exec-guard",
		LogLevel:         "info",
		HTTPAddress:      "127.0.0.1:8089",
		HTTPTimeout:      30 * time.Second,
		NotifySubject:    "agent.exec_guard.decisions",
		MaxUpdateBytes:   256 << 20,
		MonitorInterval:  500 * time.Millisecond,
		VerdictCacheSize: 4096,
		KillOnDeny:       true,
		auditMode:        true,
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.GroupUUID, fc.GroupUUID)
	setString(&c.Version, fc.Version)
	setString(&c.ServerURL, fc.ServerURL)
	setString(&c.DataDir, fc.DataDir)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.StateFile, fc.StateFile)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.HTTPAddress, fc.HTTPAddress)
	setString(&c.NATSURL, fc.NATSURL)
	setString(&c.NotifySubject, fc.NotifySubject)
	setString(&c.VerifierCommand, fc.VerifierCommand)
	setString(&c.RulesFile, fc.RulesFile)

	if fc.BeaconIntervalSec > 0 {
		c.BeaconInterval = time.Duration(fc.BeaconIntervalSec) * time.Second
	}
	if fc.HTTPTimeoutSec > 0 {
		c.HTTPTimeout = time.Duration(fc.HTTPTimeoutSec) * time.Second
	}
	if fc.MonitorIntervalMs > 0 {
		c.MonitorInterval = time.Duration(fc.MonitorIntervalMs) * time.Millisecond
	}
	if fc.MaxUpdateBytes > 0 {
		c.MaxUpdateBytes = fc.MaxUpdateBytes
	}
	if fc.VerdictCacheSize > 0 {
		c.VerdictCacheSize = fc.VerdictCacheSize
	}
	if fc.AuditMode != nil {
		c.auditMode = *fc.AuditMode
	}
	if fc.CompressUploads != nil {
		c.CompressUploads = *fc.CompressUploads
	}
	if fc.KillOnDeny != nil {
		c.KillOnDeny = *fc.KillOnDeny
	}
	return nil
}

func (c *Config) applyEnv() {
	c.GroupUUID = getEnv("AGENT_GROUP_UUID", c.GroupUUID)
	c.Version = getEnv("AGENT_VERSION", c.Version)
	c.ServerURL = getEnv("AGENT_SERVER_URL", c.ServerURL)
	c.BeaconInterval = getDurationEnv("AGENT_BEACON_INTERVAL_SEC", c.BeaconInterval)
	c.auditMode = getBoolEnv("AGENT_AUDIT_MODE", c.auditMode)
	c.DataDir = getEnv("AGENT_DATA_DIR", c.DataDir)
	c.DBPath = getEnv("AGENT_DB_PATH", c.DBPath)
	c.StateFile = getEnv("AGENT_STATE_FILE", c.StateFile)
	c.LogLevel = getEnv("AGENT_LOG_LEVEL", c.LogLevel)
	c.HTTPAddress = getEnv("AGENT_HTTP_ADDRESS", c.HTTPAddress)
	c.HTTPTimeout = getDurationEnv("AGENT_HTTP_TIMEOUT_SEC", c.HTTPTimeout)
	c.NATSURL = getEnv("AGENT_NATS_URL", c.NATSURL)
	c.NotifySubject = getEnv("AGENT_NOTIFY_SUBJECT", c.NotifySubject)
	c.VerifierCommand = getEnv("AGENT_VERIFIER_CMD", c.VerifierCommand)
	c.CompressUploads = getBoolEnv("AGENT_COMPRESS_UPLOADS", c.CompressUploads)
	c.MaxUpdateBytes = getInt64Env("AGENT_MAX_UPDATE_BYTES", c.MaxUpdateBytes)
	c.RulesFile = getEnv("AGENT_RULES_FILE", c.RulesFile)
	c.MonitorInterval = getMillisEnv("AGENT_MONITOR_INTERVAL_MS", c.MonitorInterval)
	c.VerdictCacheSize = getIntEnv("AGENT_VERDICT_CACHE_SIZE", c.VerdictCacheSize)
	c.KillOnDeny = getBoolEnv("AGENT_KILL_ON_DENY", c.KillOnDeny)
}

// loadState reads the persisted system identity, if any
func (c *Config) loadState() error {
	data, err := os.ReadFile(c.StateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file %s: %w", c.StateFile, err)
	}

	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", c.StateFile, err)
	}

	c.mu.Lock()
	c.systemUUID = st.SystemUUID
	c.mu.Unlock()
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.GroupUUID == "" {
		return fmt.Errorf("group_uuid cannot be empty")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}
	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url must be an absolute URL: %q", c.ServerURL)
	}
	if c.BeaconInterval <= 0 {
		return fmt.Errorf("beacon_interval must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state_file cannot be empty")
	}
	if c.MaxUpdateBytes <= 0 {
		return fmt.Errorf("max_update_bytes must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if c.VerdictCacheSize <= 0 {
		return fmt.Errorf("verdict_cache_size must be positive")
	}
	return nil
}

// SystemUUID returns the identity assigned by the management service
func (c *Config) SystemUUID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemUUID
}

// HasRegistered reports whether the agent holds a system identity
func (c *Config) HasRegistered() bool {
	return c.SystemUUID() != ""
}

// SetSystemUUID stores and persists a new system identity. The in-memory
// value only changes once the state file has been written.
func (c *Config) SetSystemUUID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeState(c.StateFile, state{SystemUUID: id}); err != nil {
		return err
	}
	c.systemUUID = id
	return nil
}

// AuditMode reports whether DENY verdicts are reported but not enforced
func (c *Config) AuditMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auditMode
}

// SetAuditMode toggles audit mode for the running process
func (c *Config) SetAuditMode(enabled bool) {
	c.mu.Lock()
	c.auditMode = enabled
	c.mu.Unlock()
}

func writeState(path string, st state) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64Env gets an int64 environment variable with a default value
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable given in seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getMillisEnv gets a duration environment variable given in milliseconds
func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
