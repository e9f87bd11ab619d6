// Package config provides configuration parsing and validation for Wirepost.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the default listening port for the server role.
const DefaultPort = 8080

// Config represents the complete Wirepost configuration.
type Config struct {
	Agent    AgentConfig   `yaml:"agent"`
	Server   ServerConfig  `yaml:"server"`
	Client   ClientConfig  `yaml:"client"`
	Session  SessionConfig `yaml:"session"`
	Limits   LimitsConfig  `yaml:"limits"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Forwards []ForwardSpec `yaml:"forwards"`
	Exec     ExecConfig    `yaml:"exec"`
}

// AgentConfig contains process-wide settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ServerConfig defines the server-role transport listener.
type ServerConfig struct {
	Transport   string `yaml:"transport"`     // ws, quic
	Address     string `yaml:"address"`       // listen address
	Path        string `yaml:"path"`          // HTTP path for ws
	HostKeyFile string `yaml:"host_key_file"` // PEM private key for the session layer
}

// ClientConfig defines the client-role connection.
type ClientConfig struct {
	Transport      string        `yaml:"transport"` // ws, quic
	ServerURL      string        `yaml:"server_url"`
	Username       string        `yaml:"username"`
	ServerKeyFile  string        `yaml:"server_key_file"` // pin the server host key (authorized-keys form)
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SessionConfig carries ordered algorithm preferences handed to the session
// library. Empty lists keep the library defaults.
type SessionConfig struct {
	KeyExchanges []string `yaml:"key_exchanges"`
	HostKeys     []string `yaml:"host_keys"`
	Ciphers      []string `yaml:"ciphers"`
}

// LimitsConfig defines resource limits for the server role.
type LimitsConfig struct {
	MaxConnections int           `yaml:"max_connections"` // concurrent transport connections (0 = unlimited)
	AcceptRate     float64       `yaml:"accept_rate"`     // connections per second (0 = unlimited)
	AcceptBurst    int           `yaml:"accept_burst"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// MetricsConfig defines the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ForwardSpec describes one port forwarding relationship requested by the
// client role.
type ForwardSpec struct {
	LocalHost  string `yaml:"local_host"`
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// ExecConfig defines an optional workload spawned once the forwards are up.
// Its exit cascades into session teardown.
type ExecConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Transport:   "ws",
			Address:     fmt.Sprintf("127.0.0.1:%d", DefaultPort),
			Path:        "/",
			HostKeyFile: "./data/host_key.pem",
		},
		Client: ClientConfig{
			Transport:      "ws",
			Username:       "wirepost",
			ConnectTimeout: 10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConnections: 256,
			AcceptRate:     0,
			AcceptBurst:    16,
			DrainTimeout:   10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if !isValidTransport(c.Server.Transport) {
		errs = append(errs, fmt.Sprintf("server.transport: invalid transport: %s (must be ws or quic)", c.Server.Transport))
	}
	if c.Server.Address != "" {
		if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
			errs = append(errs, fmt.Sprintf("server.address: %v", err))
		}
	}
	if !isValidTransport(c.Client.Transport) {
		errs = append(errs, fmt.Sprintf("client.transport: invalid transport: %s (must be ws or quic)", c.Client.Transport))
	}
	if c.Client.ConnectTimeout < 0 {
		errs = append(errs, "client.connect_timeout must not be negative")
	}

	for i, f := range c.Forwards {
		if err := validateForward(f); err != nil {
			errs = append(errs, fmt.Sprintf("forwards[%d]: %v", i, err))
		}
	}

	if c.Limits.MaxConnections < 0 {
		errs = append(errs, "limits.max_connections must not be negative")
	}
	if c.Limits.AcceptRate < 0 {
		errs = append(errs, "limits.accept_rate must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "ws", "quic":
		return true
	default:
		return false
	}
}

func validateForward(f ForwardSpec) error {
	if f.LocalHost == "" {
		return fmt.Errorf("local_host is required")
	}
	if !isValidPort(f.LocalPort) {
		return fmt.Errorf("invalid local_port: %d", f.LocalPort)
	}
	if f.RemoteHost == "" {
		return fmt.Errorf("remote_host is required")
	}
	if !isValidPort(f.RemotePort) {
		return fmt.Errorf("invalid remote_port: %d", f.RemotePort)
	}
	return nil
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
}

// LocalAddr returns the local host:port of the forward.
func (f ForwardSpec) LocalAddr() string {
	return net.JoinHostPort(f.LocalHost, strconv.Itoa(f.LocalPort))
}

// RemoteAddr returns the remote host:port of the forward.
func (f ForwardSpec) RemoteAddr() string {
	return net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort))
}

// String returns a YAML representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
