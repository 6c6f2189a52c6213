package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdir changes the working directory for the duration of the test.
// (Stand-in for t.Chdir, which requires Go 1.24.)
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("Chdir back failed: %v", err)
		}
	})
}

// TestLoadDefaults tests that loading without a file yields defaults.
func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %s, want default", cfg.Remote.BaseURL)
	}
	if cfg.Sync.DrainInterval != time.Minute {
		t.Errorf("DrainInterval = %v, want 1m", cfg.Sync.DrainInterval)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.Sync.InitialDelay)
	}
	if cfg.Events.Enabled {
		t.Error("Expected events disabled by default")
	}
	if cfg.Log.Level != "INFO" {
		t.Errorf("Log level = %s, want INFO", cfg.Log.Level)
	}
	if cfg.DataDir == "" {
		t.Error("Expected non-empty data dir default")
	}
}

// TestLoadFile tests reading an explicit config file.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opqueue.yaml")
	content := `
data_dir: /var/lib/opqueue
remote:
  base_url: https://api.example.com
sync:
  drain_interval: 30s
  max_retries: 5
events:
  enabled: true
log:
  level: DEBUG
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/opqueue" {
		t.Errorf("DataDir = %s, want /var/lib/opqueue", cfg.DataDir)
	}
	if cfg.Remote.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %s, want file value", cfg.Remote.BaseURL)
	}
	if cfg.Sync.DrainInterval != 30*time.Second {
		t.Errorf("DrainInterval = %v, want 30s", cfg.Sync.DrainInterval)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if !cfg.Events.Enabled {
		t.Error("Expected events enabled from file")
	}
	if cfg.Log.Level != "DEBUG" {
		t.Errorf("Log level = %s, want DEBUG", cfg.Log.Level)
	}

	// Keys absent from the file keep their defaults
	if cfg.Sync.RunTimeout != 5*time.Minute {
		t.Errorf("RunTimeout = %v, want default 5m", cfg.Sync.RunTimeout)
	}
}

// TestLoadEnvOverride tests OPQUEUE_* environment precedence.
func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("OPQUEUE_REMOTE_BASE_URL", "https://env.example.com")
	t.Setenv("OPQUEUE_SYNC_MAX_RETRIES", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.BaseURL != "https://env.example.com" {
		t.Errorf("BaseURL = %s, want env value", cfg.Remote.BaseURL)
	}
	if cfg.Sync.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.Sync.MaxRetries)
	}
}

// TestLoadMissingExplicitFile tests that a named but absent file errors.
func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

// TestLoadMalformedFile tests the parse-error path.
func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opqueue.yaml")
	if err := os.WriteFile(path, []byte("sync: [not: a: map"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for malformed config file")
	}
}
