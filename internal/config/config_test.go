package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.LogLevel != "info" {
		t.Errorf("expected info log level, got %s", cfg.Agent.LogLevel)
	}
	if cfg.Server.Transport != "ws" {
		t.Errorf("expected ws transport, got %s", cfg.Server.Transport)
	}
	if cfg.Client.ConnectTimeout != 10*time.Second {
		t.Errorf("expected 10s connect timeout, got %s", cfg.Client.ConnectTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	yaml := `
agent:
  log_level: debug
  log_format: json
server:
  transport: quic
  address: "0.0.0.0:9000"
client:
  transport: ws
  server_url: "ws://example.com:8080/tunnel"
  username: alice
  connect_timeout: 5s
forwards:
  - local_host: "127.0.0.1"
    local_port: 8022
    remote_host: "10.0.0.5"
    remote_port: 22
exec:
  command: "npm"
  args: ["test"]
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.Agent.LogLevel)
	}
	if cfg.Server.Transport != "quic" {
		t.Errorf("expected quic, got %s", cfg.Server.Transport)
	}
	if cfg.Client.ServerURL != "ws://example.com:8080/tunnel" {
		t.Errorf("unexpected server URL: %s", cfg.Client.ServerURL)
	}
	if cfg.Client.ConnectTimeout != 5*time.Second {
		t.Errorf("expected 5s, got %s", cfg.Client.ConnectTimeout)
	}
	if len(cfg.Forwards) != 1 {
		t.Fatalf("expected 1 forward, got %d", len(cfg.Forwards))
	}
	if got := cfg.Forwards[0].LocalAddr(); got != "127.0.0.1:8022" {
		t.Errorf("unexpected local addr: %s", got)
	}
	if got := cfg.Forwards[0].RemoteAddr(); got != "10.0.0.5:22" {
		t.Errorf("unexpected remote addr: %s", got)
	}
	if cfg.Exec.Command != "npm" {
		t.Errorf("unexpected exec command: %s", cfg.Exec.Command)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("WIREPOST_TEST_URL", "ws://fromenv:8080")
	defer os.Unsetenv("WIREPOST_TEST_URL")

	yaml := `
client:
  server_url: "${WIREPOST_TEST_URL}"
  username: "${WIREPOST_TEST_MISSING:-fallback}"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Client.ServerURL != "ws://fromenv:8080" {
		t.Errorf("expected env expansion, got %s", cfg.Client.ServerURL)
	}
	if cfg.Client.Username != "fallback" {
		t.Errorf("expected default value, got %s", cfg.Client.Username)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Agent.LogLevel = "verbose" },
			want:   "invalid log_level",
		},
		{
			name:   "bad transport",
			mutate: func(c *Config) { c.Server.Transport = "tcp" },
			want:   "invalid transport",
		},
		{
			name:   "bad address",
			mutate: func(c *Config) { c.Server.Address = "no-port" },
			want:   "server.address",
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.Client.ConnectTimeout = -time.Second },
			want:   "connect_timeout",
		},
		{
			name: "forward missing host",
			mutate: func(c *Config) {
				c.Forwards = []ForwardSpec{{LocalPort: 1, RemoteHost: "h", RemotePort: 2}}
			},
			want: "local_host is required",
		},
		{
			name: "forward bad port",
			mutate: func(c *Config) {
				c.Forwards = []ForwardSpec{{LocalHost: "h", LocalPort: 70000, RemoteHost: "h", RemotePort: 2}}
			},
			want: "invalid local_port",
		},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			want: "metrics.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/wirepost-config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
