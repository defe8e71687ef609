package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Config holds all settings loaded from portcullis.jsonc
type Config struct {
	Server   ServerConfig   `json:"server"`
	Executor ExecutorConfig `json:"executor"`
	Stream   StreamConfig   `json:"stream"`
	Workflow WorkflowConfig `json:"workflow"`
	Notify   NotifyConfig   `json:"notify"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address string `json:"address"`
	DataDir string `json:"data_dir"`
	LogDir  string `json:"log_dir"`
	LogJSON bool   `json:"log_json"`
}

// ExecutorConfig holds settings for the executor HTTP adapter
type ExecutorConfig struct {
	BaseURL               string  `json:"base_url"`
	ConversationPrefix    string  `json:"conversation_prefix"`
	TimeoutSeconds        int     `json:"timeout_seconds"`
	PollIntervalSeconds   float64 `json:"poll_interval_seconds"`
	StabilityThreshold    int     `json:"stability_threshold"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
	PollRatePerSecond     float64 `json:"poll_rate_per_second"`
	PollBurst             int     `json:"poll_burst"`
}

// StreamConfig holds settings for subscriber polling loops
type StreamConfig struct {
	PollIntervalSeconds float64 `json:"poll_interval_seconds"`
	HeartbeatSeconds    int     `json:"heartbeat_seconds"`
	SnapshotLimit       int     `json:"snapshot_limit"`
}

// WorkflowConfig holds workflow and approval gate settings
type WorkflowConfig struct {
	GateTTLHours  int    `json:"gate_ttl_hours"`
	GateSweepCron string `json:"gate_sweep_cron"`
}

// NotifyConfig holds tracker notification settings
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Timeout returns the executor wall-clock budget as a duration
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the executor poll interval as a duration
func (c ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// RequestTimeout returns the per-request HTTP timeout as a duration
func (c ExecutorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns the subscriber poll interval as a duration
func (c StreamConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// HeartbeatInterval returns the heartbeat quiet window as a duration
func (c StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// GateTTL returns how long a pending gate stays valid
func (c WorkflowConfig) GateTTL() time.Duration {
	return time.Duration(c.GateTTLHours) * time.Hour
}

// Default returns the built-in configuration values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8400",
			DataDir: "data",
			LogDir:  "logs",
			LogJSON: false,
		},
		Executor: ExecutorConfig{
			BaseURL:               "http://localhost:3000",
			ConversationPrefix:    "pm-project-",
			TimeoutSeconds:        300,
			PollIntervalSeconds:   2.0,
			StabilityThreshold:    2,
			RequestTimeoutSeconds: 10,
			PollRatePerSecond:     10,
			PollBurst:             20,
		},
		Stream: StreamConfig{
			PollIntervalSeconds: 2.0,
			HeartbeatSeconds:    30,
			SnapshotLimit:       50,
		},
		Workflow: WorkflowConfig{
			GateTTLHours:  72,
			GateSweepCron: "*/15 * * * *",
		},
		Notify: NotifyConfig{},
	}
}

// Load reads portcullis.jsonc from configDir, applying values over defaults.
// A missing file is not an error; defaults are returned as-is.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "portcullis.jsonc")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane
func (c *Config) Validate() error {
	if c.Executor.BaseURL == "" {
		return fmt.Errorf("executor.base_url is required")
	}
	if c.Executor.StabilityThreshold < 2 {
		return fmt.Errorf("executor.stability_threshold must be >= 2, got %d", c.Executor.StabilityThreshold)
	}
	if c.Executor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("executor.poll_interval_seconds must be positive")
	}
	if c.Stream.PollIntervalSeconds <= 0 {
		return fmt.Errorf("stream.poll_interval_seconds must be positive")
	}
	if c.Stream.SnapshotLimit <= 0 {
		return fmt.Errorf("stream.snapshot_limit must be positive")
	}
	return nil
}
