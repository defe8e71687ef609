package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Empty dir, no config file
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Executor.StabilityThreshold != 2 {
		t.Errorf("StabilityThreshold = %d, want 2", cfg.Executor.StabilityThreshold)
	}
	if cfg.Executor.Timeout() != 5*time.Minute {
		t.Errorf("Timeout() = %v, want 5m", cfg.Executor.Timeout())
	}
	if cfg.Stream.SnapshotLimit != 50 {
		t.Errorf("SnapshotLimit = %d, want 50", cfg.Stream.SnapshotLimit)
	}
}

func TestLoad_OverridesAndComments(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// executor adapter settings
		"executor": {
			"base_url": "http://scar:3000", /* adapter */
			"timeout_seconds": 60,
			"poll_interval_seconds": 0.5
		},
		"stream": {
			"snapshot_limit": 10
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "portcullis.jsonc"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Executor.BaseURL != "http://scar:3000" {
		t.Errorf("BaseURL = %q", cfg.Executor.BaseURL)
	}
	if cfg.Executor.Timeout() != time.Minute {
		t.Errorf("Timeout() = %v, want 1m", cfg.Executor.Timeout())
	}
	if cfg.Executor.PollInterval() != 500*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 500ms", cfg.Executor.PollInterval())
	}
	if cfg.Stream.SnapshotLimit != 10 {
		t.Errorf("SnapshotLimit = %d, want 10", cfg.Stream.SnapshotLimit)
	}
	// Untouched sections keep defaults
	if cfg.Server.Address != ":8400" {
		t.Errorf("Address = %q, want :8400", cfg.Server.Address)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad json", `{"executor": }`},
		{"stability below minimum", `{"executor": {"stability_threshold": 1}}`},
		{"zero poll interval", `{"executor": {"poll_interval_seconds": 0}}`},
		{"missing base url", `{"executor": {"base_url": ""}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "portcullis.jsonc"), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(dir); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line comment", "{\n// note\n\"a\": 1}", "{\n\n\"a\": 1}"},
		{"block comment", `{"a": /* x */ 1}`, `{"a":  1}`},
		{"slashes in string", `{"url": "http://x//y"}`, `{"url": "http://x//y"}`},
		{"unterminated block comment", `{"a": 1} /* trailing`, `{"a": 1} `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("StripJSONComments() = %q, want %q", got, tt.want)
			}
		})
	}
}
