package aluvia

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete client configuration.
type Config struct {
	// API connection settings
	API APIConfig `mapstructure:"api"`

	// Proxy listener settings
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Unblock detection and remediation settings
	Unblock UnblockConfig `mapstructure:"unblock"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// APIConfig contains control service settings.
type APIConfig struct {
	// Token is the API bearer credential. Required.
	Token string `mapstructure:"token"`

	// BaseURL of the control service.
	BaseURL string `mapstructure:"base_url"`

	// ConnectionID selects an existing connection; empty
	// auto-provisions a new one.
	ConnectionID string `mapstructure:"connection_id"`

	// Strict makes any initial load failure fatal instead of falling
	// open to direct routing.
	Strict bool `mapstructure:"strict"`

	// PollInterval between conditional configuration re-fetches.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ProxyConfig contains local listener settings.
type ProxyConfig struct {
	// Addr is the loopback address to listen on. A port of 0 picks a
	// free port.
	Addr string `mapstructure:"addr"`

	// Metrics enables the Prometheus /metrics endpoint.
	Metrics bool `mapstructure:"metrics"`

	// AccessLog enables per-request structured access logging.
	AccessLog bool `mapstructure:"access_log"`

	// Admin enables the local admin API.
	Admin bool `mapstructure:"admin"`
}

// UnblockConfig contains detection and auto-remediation settings.
type UnblockConfig struct {
	// Auto enables auto-unblock: blocked hostnames are added to the
	// rule list and the page reloaded.
	Auto bool `mapstructure:"auto"`

	// IncludeSuspected extends auto-unblock to suspected results.
	IncludeSuspected bool `mapstructure:"include_suspected"`

	// BlockedThreshold and SuspectedThreshold override the tier
	// cutoffs. Zero keeps the defaults.
	BlockedThreshold   float64 `mapstructure:"blocked_threshold"`
	SuspectedThreshold float64 `mapstructure:"suspected_threshold"`

	// FullPassTimeout caps waiting for page idle before the full
	// analysis pass.
	FullPassTimeout time.Duration `mapstructure:"full_pass_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is the log format: text, json.
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL:      DefaultBaseURL,
			PollInterval: DefaultPollInterval,
		},
		Proxy: ProxyConfig{
			Addr:  "127.0.0.1:8488",
			Admin: true,
		},
		Unblock: UnblockConfig{
			FullPassTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./aluvia.yaml
// 3. $HOME/.aluvia/config.yaml
// 4. /etc/aluvia/config.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("aluvia")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.aluvia")
	v.AddConfigPath("/etc/aluvia")

	v.SetEnvPrefix("ALUVIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults + env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes. Useful for
// testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Every key gets a default so environment overrides are picked up
	// during Unmarshal; viper only consults the environment for keys it
	// already knows about.
	v.SetDefault("api.token", defaults.API.Token)
	v.SetDefault("api.base_url", defaults.API.BaseURL)
	v.SetDefault("api.connection_id", defaults.API.ConnectionID)
	v.SetDefault("api.strict", defaults.API.Strict)
	v.SetDefault("api.poll_interval", defaults.API.PollInterval)

	v.SetDefault("proxy.addr", defaults.Proxy.Addr)
	v.SetDefault("proxy.metrics", defaults.Proxy.Metrics)
	v.SetDefault("proxy.access_log", defaults.Proxy.AccessLog)
	v.SetDefault("proxy.admin", defaults.Proxy.Admin)

	v.SetDefault("unblock.auto", defaults.Unblock.Auto)
	v.SetDefault("unblock.include_suspected", defaults.Unblock.IncludeSuspected)
	v.SetDefault("unblock.blocked_threshold", defaults.Unblock.BlockedThreshold)
	v.SetDefault("unblock.suspected_threshold", defaults.Unblock.SuspectedThreshold)
	v.SetDefault("unblock.full_pass_timeout", defaults.Unblock.FullPassTimeout)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
}

// BuildLogger constructs a slog.Logger from the logging configuration.
func (c *Config) BuildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Aluvia smart-routing proxy configuration

api:
  # API bearer token (required; may also come from ALUVIA_API_TOKEN)
  token: ""

  # Control service endpoint
  base_url: "https://api.aluvia.io/v1"

  # Reuse an existing connection; leave empty to auto-provision
  connection_id: ""

  # Fail hard when the initial configuration load fails
  strict: false

  # How often to check for remote rule changes
  poll_interval: 30s

proxy:
  # Loopback listen address; port 0 picks a free port
  addr: "127.0.0.1:8488"

  # Prometheus /metrics endpoint
  metrics: false

  # Structured access log of routing decisions
  access_log: false

  # Local admin API under /api
  admin: true

unblock:
  # Add blocked hostnames to the rule list and reload automatically
  auto: false

  # Also remediate "suspected" detections
  include_suspected: false

  # Cap waiting for page idle before the full analysis pass
  full_pass_timeout: 10s

logging:
  # debug, info, warn, error
  level: "info"

  # text, json
  format: "text"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
