// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  allowed_origin: "https://tnet.example.com"
  max_connections: 500
  shutdown_timeout: "15s"
  rate_limit_window: "1m"
  rate_limit_max: 50

database:
  path: "./test.db"

redis:
  addr: "localhost:6379"
  password: "secret"

auth:
  jwt_secret: "test-secret"

queue:
  concurrency: 8
  poll_interval: "250ms"
  wait_timeout: "5s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want 0.0.0.0:8080", cfg.Server.HTTPAddr)
	}
	if cfg.Server.MaxConnections != 500 {
		t.Errorf("MaxConnections = %d, want 500", cfg.Server.MaxConnections)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.RateLimitWindow != time.Minute {
		t.Errorf("RateLimitWindow = %v, want 1m", cfg.Server.RateLimitWindow)
	}
	if cfg.Queue.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Queue.Concurrency)
	}
	if cfg.Queue.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.Queue.PollInterval)
	}
	if cfg.Queue.WaitTimeout != 5*time.Second {
		t.Errorf("WaitTimeout = %v, want 5s", cfg.Queue.WaitTimeout)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./gateway.db"
redis:
  addr: "localhost:6379"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.MaxConnections != DefaultMaxConnections {
		t.Errorf("MaxConnections = %d, want default %d", cfg.Server.MaxConnections, DefaultMaxConnections)
	}
	if cfg.Server.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want default %v", cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.Queue.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want default %v", cfg.Queue.PollInterval, DefaultPollInterval)
	}
	if cfg.Queue.WaitTimeout != DefaultWaitTimeout {
		t.Errorf("WaitTimeout = %v, want default %v", cfg.Queue.WaitTimeout, DefaultWaitTimeout)
	}
	if cfg.Queue.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want default %d", cfg.Queue.Concurrency, DefaultConcurrency)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "hunter2")

	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./gateway.db"
redis:
  addr: "localhost:6379"
  password: "${TEST_REDIS_PASSWORD}"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Redis.Password != "hunter2" {
		t.Errorf("Redis.Password = %q, want hunter2", cfg.Redis.Password)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./gateway.db"
redis:
  addr: "localhost:6379"
auth:
  jwt_secret: "s"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "127.0.0.1:8080"
redis:
  addr: "localhost:6379"
auth:
  jwt_secret: "s"
`,
			wantErr: "database.path",
		},
		{
			name: "missing redis addr",
			content: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./gateway.db"
auth:
  jwt_secret: "s"
`,
			wantErr: "redis.addr",
		},
		{
			name: "missing jwt secret",
			content: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./gateway.db"
redis:
  addr: "localhost:6379"
`,
			wantErr: "auth.jwt_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
  shutdown_timeout: "not-a-duration"
database:
  path: "./gateway.db"
redis:
  addr: "localhost:6379"
auth:
  jwt_secret: "s"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() succeeded, want duration parse error")
	}
	if !strings.Contains(err.Error(), "shutdown_timeout") {
		t.Errorf("error = %v, want mention of shutdown_timeout", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() succeeded, want read error")
	}
}
