package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Block policies supported by the DNS engine.
const (
	BlockPolicyRefuse    = "refuse"
	BlockPolicyNullRoute = "null-route"
)

// DefaultUpstreamTimeout bounds a single upstream attempt.
const DefaultUpstreamTimeout = 1500 * time.Millisecond

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Ordered upstream resolvers; order is failover priority
	UpstreamDNSServers []string      `yaml:"upstream_dns_servers"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout"`

	// refuse | null-route
	BlockPolicy string `yaml:"block_policy"`

	// Remote blocklist feeds
	Feeds FeedsConfig `yaml:"feeds"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Upstream health alerts
	Alerts AlertsConfig `yaml:"alerts"`

	// Admin API authentication
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	DNSPort         int    `yaml:"dns_port"`
	ListenIPv4      string `yaml:"listen_ipv4"`
	ListenIPv6      string `yaml:"listen_ipv6"`
	IPv6Enabled     *bool  `yaml:"ipv6_enabled"`
	UpstreamNetwork string `yaml:"upstream_network"` // udp, udp4, udp6
	WebUIAddress    string `yaml:"web_ui_address"`
}

// FeedsConfig holds remote blocklist ingestion settings
type FeedsConfig struct {
	URLs            []string      `yaml:"urls"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	AutoRefresh     *bool         `yaml:"auto_refresh,omitempty"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Enabled          *bool         `yaml:"enabled"`
	DatabasePath     string        `yaml:"database_path"`
	LogRetentionDays int           `yaml:"log_retention_days"`
	BufferSize       int           `yaml:"buffer_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	BatchSize        int           `yaml:"batch_size"`
	BusyTimeout      int           `yaml:"busy_timeout"` // milliseconds
	WALMode          *bool         `yaml:"wal_mode"`
}

// AlertsConfig holds upstream health notification settings
type AlertsConfig struct {
	DiscordWebhook string        `yaml:"discord_webhook"`
	Cooldown       time.Duration `yaml:"cooldown"`
	// Condition is an optional expression evaluated against the issue
	// (Upstream, Reason, Failures) before an alert is delivered.
	Condition string `yaml:"condition"`
}

// APIConfig holds admin API access settings
type APIConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	APIKey       string `yaml:"api_key"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func boolPtr(v bool) *bool {
	return &v
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.DNSPort == 0 {
		c.Server.DNSPort = 53
	}
	if c.Server.ListenIPv4 == "" {
		c.Server.ListenIPv4 = "0.0.0.0"
	}
	if c.Server.ListenIPv6 == "" {
		c.Server.ListenIPv6 = "::"
	}
	if c.Server.IPv6Enabled == nil {
		c.Server.IPv6Enabled = boolPtr(true)
	}
	if c.Server.UpstreamNetwork == "" {
		c.Server.UpstreamNetwork = "udp"
	}
	if c.Server.WebUIAddress == "" {
		c.Server.WebUIAddress = ":3000"
	}

	// Upstream DNS defaults
	if len(c.UpstreamDNSServers) == 0 {
		c.UpstreamDNSServers = []string{
			"1.1.1.1:53",
			"1.0.0.1:53",
			"8.8.8.8:53",
		}
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}

	c.BlockPolicy = NormalizeBlockPolicy(c.BlockPolicy)

	// Feed defaults
	if c.Feeds.RefreshInterval == 0 {
		c.Feeds.RefreshInterval = 120 * time.Minute
	}
	if c.Feeds.RefreshInterval < time.Minute {
		c.Feeds.RefreshInterval = time.Minute
	}
	if c.Feeds.AutoRefresh == nil {
		c.Feeds.AutoRefresh = boolPtr(true)
	}

	// Storage defaults
	if c.Storage.Enabled == nil {
		c.Storage.Enabled = boolPtr(true)
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./dnsgate.db"
	}
	if c.Storage.LogRetentionDays == 0 {
		c.Storage.LogRetentionDays = 30
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = 5000
	}
	if c.Storage.WALMode == nil {
		c.Storage.WALMode = boolPtr(true)
	}

	// Alert defaults
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = 300 * time.Second
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dnsgate"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// NormalizeBlockPolicy maps accepted spellings onto the canonical policy names.
// Unknown values are returned lower-cased so Validate can reject them.
func NormalizeBlockPolicy(policy string) string {
	p := strings.ToLower(strings.TrimSpace(policy))
	switch p {
	case "", BlockPolicyRefuse, "nxdomain":
		return BlockPolicyRefuse
	case BlockPolicyNullRoute, "null", "nullroute":
		return BlockPolicyNullRoute
	default:
		return p
	}
}

// IPv6 reports whether the udp6 listener should be started.
func (s ServerConfig) IPv6() bool {
	return s.IPv6Enabled == nil || *s.IPv6Enabled
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.DNSPort < 1 || c.Server.DNSPort > 65535 {
		return fmt.Errorf("server.dns_port out of range: %d", c.Server.DNSPort)
	}
	if net.ParseIP(c.Server.ListenIPv4) == nil || net.ParseIP(c.Server.ListenIPv4).To4() == nil {
		return fmt.Errorf("server.listen_ipv4 is not an IPv4 address: %q", c.Server.ListenIPv4)
	}
	if c.Server.IPv6() && net.ParseIP(c.Server.ListenIPv6) == nil {
		return fmt.Errorf("server.listen_ipv6 is not an IP address: %q", c.Server.ListenIPv6)
	}
	switch c.Server.UpstreamNetwork {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("invalid server.upstream_network: %s (must be udp, udp4 or udp6)", c.Server.UpstreamNetwork)
	}

	if len(c.UpstreamDNSServers) == 0 {
		return fmt.Errorf("at least one upstream DNS server must be configured")
	}
	for _, upstream := range c.UpstreamDNSServers {
		if strings.TrimSpace(upstream) == "" {
			return fmt.Errorf("upstream DNS server entries cannot be empty")
		}
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}

	if c.BlockPolicy != BlockPolicyRefuse && c.BlockPolicy != BlockPolicyNullRoute {
		return fmt.Errorf("invalid block_policy: %s (must be refuse or null-route)", c.BlockPolicy)
	}

	if c.Storage.LogRetentionDays < 0 {
		return fmt.Errorf("storage.log_retention_days cannot be negative")
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// EngineChanged reports whether any startup-only engine setting differs
// between two configurations.
func EngineChanged(old, updated *Config) bool {
	if old == nil || updated == nil {
		return false
	}
	if old.Server.DNSPort != updated.Server.DNSPort ||
		old.Server.ListenIPv4 != updated.Server.ListenIPv4 ||
		old.Server.ListenIPv6 != updated.Server.ListenIPv6 ||
		old.Server.IPv6() != updated.Server.IPv6() ||
		old.Server.UpstreamNetwork != updated.Server.UpstreamNetwork ||
		old.UpstreamTimeout != updated.UpstreamTimeout ||
		old.BlockPolicy != updated.BlockPolicy {
		return true
	}
	if len(old.UpstreamDNSServers) != len(updated.UpstreamDNSServers) {
		return true
	}
	for i := range old.UpstreamDNSServers {
		if old.UpstreamDNSServers[i] != updated.UpstreamDNSServers[i] {
			return true
		}
	}
	return false
}
