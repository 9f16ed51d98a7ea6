package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("ACCESSFLEET_CONFIG")
	defer os.Setenv("ACCESSFLEET_CONFIG", originalEnv)

	os.Setenv("ACCESSFLEET_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingSecrets verifies run fails when the JWT secret and
// webhook token are not configured.
func TestRun_MissingSecrets(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
database:
  path: "` + filepath.Join(tmpDir, "test.db") + `"

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("ACCESSFLEET_CONFIG")
	defer os.Setenv("ACCESSFLEET_CONFIG", originalEnv)
	os.Setenv("ACCESSFLEET_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without security credentials")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("ACCESSFLEET_CONFIG")
	defer os.Setenv("ACCESSFLEET_CONFIG", originalEnv)

	os.Unsetenv("ACCESSFLEET_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("ACCESSFLEET_CONFIG")
	defer os.Setenv("ACCESSFLEET_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("ACCESSFLEET_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_StartupAndShutdown exercises a full startup with MQTT and
// InfluxDB disabled: migrations, caches, coordinator and API server
// all come up, then the context deadline triggers a clean shutdown.
func TestRun_StartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
database:
  path: "` + filepath.Join(tmpDir, "test.db") + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

api:
  host: "127.0.0.1"
  port: 18090

faces:
  dir: "` + filepath.Join(tmpDir, "faces") + `"

logging:
  level: error
  format: text
  output: stdout

security:
  jwt:
    secret: "test-secret-for-development-only-32ch"
  webhook_token: "test-webhook-token"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("ACCESSFLEET_CONFIG")
	defer os.Setenv("ACCESSFLEET_CONFIG", originalEnv)
	os.Setenv("ACCESSFLEET_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error: %v", err)
	}
}
