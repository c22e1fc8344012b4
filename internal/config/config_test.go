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

const validConfig = `
server:
  addr: "0.0.0.0:8765"

auth:
  signing_key: "test-signing-key"
  token_ttl: "12h"
  credentials:
    peer-a: "secret-a"
    peer-b: "secret-b"
  permissions:
    peer-a: [read, write, execute]
    peer-b: [read, write]

rate_limit:
  capacity: 5
  window: "30s"

timeouts:
  handshake: "2s"
  idle: "90s"
  reaper_interval: "15s"
  health_interval: "10s"
  probe_timeout: "500ms"

downstream:
  services:
    code-tools: "http://localhost:9001/health"

mirror:
  path: "./mirror.db"
  expiry: "30m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validConfig), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:8765" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "0.0.0.0:8765")
	}
	if cfg.Auth.SigningKey != "test-signing-key" {
		t.Errorf("Auth.SigningKey = %q, want %q", cfg.Auth.SigningKey, "test-signing-key")
	}
	if cfg.Auth.TokenTTL != 12*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 12*time.Hour)
	}
	if cfg.Auth.Credentials["peer-a"] != "secret-a" {
		t.Errorf("Auth.Credentials[peer-a] = %q, want %q", cfg.Auth.Credentials["peer-a"], "secret-a")
	}
	if cfg.RateLimit.Capacity != 5 {
		t.Errorf("RateLimit.Capacity = %d, want 5", cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("RateLimit.Window = %v, want %v", cfg.RateLimit.Window, 30*time.Second)
	}
	if cfg.Timeouts.Handshake != 2*time.Second {
		t.Errorf("Timeouts.Handshake = %v, want %v", cfg.Timeouts.Handshake, 2*time.Second)
	}
	if cfg.Timeouts.Idle != 90*time.Second {
		t.Errorf("Timeouts.Idle = %v, want %v", cfg.Timeouts.Idle, 90*time.Second)
	}
	if cfg.Timeouts.ProbeTimeout != 500*time.Millisecond {
		t.Errorf("Timeouts.ProbeTimeout = %v, want %v", cfg.Timeouts.ProbeTimeout, 500*time.Millisecond)
	}
	if cfg.Downstream.Services["code-tools"] != "http://localhost:9001/health" {
		t.Errorf("Downstream.Services[code-tools] = %q", cfg.Downstream.Services["code-tools"])
	}
	if cfg.Mirror.Path != "./mirror.db" {
		t.Errorf("Mirror.Path = %q, want %q", cfg.Mirror.Path, "./mirror.db")
	}
	if cfg.Mirror.Expiry != 30*time.Minute {
		t.Errorf("Mirror.Expiry = %v, want %v", cfg.Mirror.Expiry, 30*time.Minute)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
}

func TestParse_Defaults(t *testing.T) {
	minimal := `
server:
  addr: "127.0.0.1:8765"
auth:
  signing_key: "k"
  credentials:
    peer-a: "secret-a"
`
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.RateLimit.Capacity != DefaultCapacity {
		t.Errorf("RateLimit.Capacity = %d, want default %d", cfg.RateLimit.Capacity, DefaultCapacity)
	}
	if cfg.RateLimit.Window != DefaultWindow {
		t.Errorf("RateLimit.Window = %v, want default %v", cfg.RateLimit.Window, DefaultWindow)
	}
	if cfg.Timeouts.Handshake != DefaultHandshake {
		t.Errorf("Timeouts.Handshake = %v, want default %v", cfg.Timeouts.Handshake, DefaultHandshake)
	}
	if cfg.Timeouts.Idle != DefaultIdle {
		t.Errorf("Timeouts.Idle = %v, want default %v", cfg.Timeouts.Idle, DefaultIdle)
	}
	if cfg.Auth.TokenTTL != DefaultTokenTTL {
		t.Errorf("Auth.TokenTTL = %v, want default %v", cfg.Auth.TokenTTL, DefaultTokenTTL)
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	t.Setenv("BRIDGE_TEST_SIGNING_KEY", "expanded-key")
	t.Setenv("BRIDGE_TEST_CREDENTIAL", "expanded-cred")

	content := `
server:
  addr: "127.0.0.1:8765"
auth:
  signing_key: "${BRIDGE_TEST_SIGNING_KEY}"
  credentials:
    peer-a: "${BRIDGE_TEST_CREDENTIAL}"
`
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Auth.SigningKey != "expanded-key" {
		t.Errorf("Auth.SigningKey = %q, want %q", cfg.Auth.SigningKey, "expanded-key")
	}
	if cfg.Auth.Credentials["peer-a"] != "expanded-cred" {
		t.Errorf("Auth.Credentials[peer-a] = %q, want %q", cfg.Auth.Credentials["peer-a"], "expanded-cred")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing addr",
			content: `
auth:
  signing_key: "k"
  credentials:
    peer-a: "s"
`,
			wantErr: "server.addr is required",
		},
		{
			name: "bad addr",
			content: `
server:
  addr: "not an address"
auth:
  signing_key: "k"
  credentials:
    peer-a: "s"
`,
			wantErr: "not a valid host:port",
		},
		{
			name: "missing signing key",
			content: `
server:
  addr: "127.0.0.1:8765"
auth:
  credentials:
    peer-a: "s"
`,
			wantErr: "auth.signing_key is required",
		},
		{
			name: "no credentials",
			content: `
server:
  addr: "127.0.0.1:8765"
auth:
  signing_key: "k"
`,
			wantErr: "at least one client class",
		},
		{
			name: "empty credential",
			content: `
server:
  addr: "127.0.0.1:8765"
auth:
  signing_key: "k"
  credentials:
    peer-a: ""
`,
			wantErr: "is empty",
		},
		{
			name: "cert without key",
			content: `
server:
  addr: "127.0.0.1:8765"
  cert_file: "/tmp/cert.pem"
auth:
  signing_key: "k"
  credentials:
    peer-a: "s"
`,
			wantErr: "must be set together",
		},
		{
			name: "bad duration",
			content: `
server:
  addr: "127.0.0.1:8765"
auth:
  signing_key: "k"
  credentials:
    peer-a: "s"
timeouts:
  handshake: "ten seconds"
`,
			wantErr: "parsing timeouts.handshake",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("Parse() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error")
	}
}

func TestClassPermissions(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	perms := cfg.ClassPermissions("peer-b")
	if len(perms) != 2 || perms[0] != "read" || perms[1] != "write" {
		t.Errorf("ClassPermissions(peer-b) = %v, want [read write]", perms)
	}
	if cfg.ClassPermissions("unknown") != nil {
		t.Error("ClassPermissions(unknown) should be nil")
	}
}
