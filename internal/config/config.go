// Package config provides configuration parsing and validation for rakgate.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Network NetworkConfig `yaml:"network"`
	Worker  WorkerConfig  `yaml:"worker"`
	Query   QueryConfig   `yaml:"query"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// ServerConfig contains the advertised server identity and logging.
type ServerConfig struct {
	Name            string `yaml:"name"`
	Address         string `yaml:"address"`
	MaxPlayers      int    `yaml:"max_players"`
	ProtocolVersion int    `yaml:"protocol_version"`
	VersionString   string `yaml:"version_string"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	DebugLevel      int    `yaml:"debug_level"`
}

// NetworkConfig contains adapter policy settings.
type NetworkConfig struct {
	// BatchThreshold is the encoded size at which outbound packets are
	// batched. Negative disables batching.
	BatchThreshold   int           `yaml:"batch_threshold"`
	BlockCooldown    time.Duration `yaml:"block_cooldown"`
	TickRate         int           `yaml:"tick_rate"`
	QueueSize        int           `yaml:"queue_size"`
	CompressionLevel int           `yaml:"compression_level"`

	// BroadcastBatchMin is the recipient count from which broadcasts are
	// batched and compressed off the tick goroutine. Zero disables it.
	BroadcastBatchMin int `yaml:"broadcast_batch_min"`
}

// WorkerConfig contains transport worker settings.
type WorkerConfig struct {
	ALPN              string        `yaml:"alpn"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	KeepAlivePeriod   time.Duration `yaml:"keepalive_period"`
	MaxDatagramSize   int           `yaml:"max_datagram_size"`
	BandwidthInterval time.Duration `yaml:"bandwidth_interval"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig defines TLS certificate settings. When both paths are empty
// an ephemeral self-signed certificate is used.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// QueryConfig limits unconnected traffic handled by the server.
type QueryConfig struct {
	Enabled   bool    `yaml:"enabled"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines the local admin socket.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "Lifeboat Network",
			Address:         "0.0.0.0:19132",
			MaxPlayers:      31360,
			ProtocolVersion: 70,
			VersionString:   "0.14.3",
			LogLevel:        "info",
			LogFormat:       "text",
			DebugLevel:      1,
		},
		Network: NetworkConfig{
			BatchThreshold:   256,
			BlockCooldown:    5 * time.Second,
			TickRate:         20,
			QueueSize:        4096,
			CompressionLevel:  7,
			BroadcastBatchMin: 8,
		},
		Worker: WorkerConfig{
			ALPN:              "rakgate/1",
			HandshakeTimeout:  10 * time.Second,
			IdleTimeout:       30 * time.Second,
			KeepAlivePeriod:   10 * time.Second,
			MaxDatagramSize:   1200,
			BandwidthInterval: time.Second,
		},
		Query: QueryConfig{
			Enabled:   true,
			RateLimit: 10,
			Burst:     20,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./rakgate.sock",
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

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

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

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate server config
	if len(c.Server.Name) <= 1 {
		errs = append(errs, "server.name must be longer than one character")
	}
	if !isValidHostPort(c.Server.Address) {
		errs = append(errs, fmt.Sprintf("server.address: invalid address: %s", c.Server.Address))
	}
	if c.Server.MaxPlayers < 1 {
		errs = append(errs, "server.max_players must be positive")
	}
	if c.Server.ProtocolVersion < 0 {
		errs = append(errs, "server.protocol_version must not be negative")
	}
	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}
	if c.Server.DebugLevel < 0 {
		errs = append(errs, "server.debug_level must not be negative")
	}

	// Validate network policy
	if c.Network.BlockCooldown <= 0 {
		errs = append(errs, "network.block_cooldown must be positive")
	}
	if c.Network.TickRate < 1 || c.Network.TickRate > 1000 {
		errs = append(errs, "network.tick_rate must be between 1 and 1000")
	}
	if c.Network.QueueSize < 16 {
		errs = append(errs, "network.queue_size must be at least 16")
	}
	if c.Network.CompressionLevel < 0 || c.Network.CompressionLevel > 9 {
		errs = append(errs, "network.compression_level must be between 0 and 9")
	}
	if c.Network.BroadcastBatchMin < 0 {
		errs = append(errs, "network.broadcast_batch_min must not be negative")
	}

	// Validate worker
	if c.Worker.ALPN == "" {
		errs = append(errs, "worker.alpn is required")
	}
	if c.Worker.IdleTimeout <= 0 {
		errs = append(errs, "worker.idle_timeout must be positive")
	}
	if c.Worker.KeepAlivePeriod >= c.Worker.IdleTimeout {
		errs = append(errs, "worker.keepalive_period must be shorter than idle_timeout")
	}
	if c.Worker.MaxDatagramSize < 64 {
		errs = append(errs, "worker.max_datagram_size must be at least 64")
	}
	if c.Worker.BandwidthInterval <= 0 {
		errs = append(errs, "worker.bandwidth_interval must be positive")
	}
	if (c.Worker.TLS.Cert == "") != (c.Worker.TLS.Key == "") {
		errs = append(errs, "worker.tls.cert and worker.tls.key must be set together")
	}

	// Validate query limits
	if c.Query.Enabled && (c.Query.RateLimit <= 0 || c.Query.Burst < 1) {
		errs = append(errs, "query.rate_limit and query.burst must be positive when enabled")
	}

	// Validate health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
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

func isValidHostPort(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

// TickInterval returns the duration of one control-loop tick.
func (c *Config) TickInterval() time.Duration {
	if c.Network.TickRate <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(c.Network.TickRate)
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	redacted := *c
	// TLS key paths point to sensitive files
	if redacted.Worker.TLS.Key != "" {
		redacted.Worker.TLS.Key = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config references a private key.
func (c *Config) HasSensitiveData() bool {
	return c.Worker.TLS.Key != ""
}
