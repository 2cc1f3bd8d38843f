// Package config handles TOML configuration parsing and validation for dot1xd.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for dot1xd.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Radius    RadiusConfig    `toml:"radius"`
	Timers    TimersConfig    `toml:"timers"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Events    EventsConfig    `toml:"events"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// ServerConfig holds core daemon settings. Ports lists switch ports (by
// their MAC-shaped identifiers) to mark up at startup; embedders normally
// drive PortUp/PortDown instead.
type ServerConfig struct {
	Interface string   `toml:"interface"`
	LogLevel  string   `toml:"log_level"`
	StationDB string   `toml:"station_db"`
	PIDFile   string   `toml:"pid_file"`
	Ports     []string `toml:"ports"`
}

// RadiusConfig holds the authentication server endpoint and identity.
type RadiusConfig struct {
	ServerIP        string `toml:"server_ip"`
	ServerPort      int    `toml:"server_port"`
	Secret          string `toml:"secret"`
	CalledStationID string `toml:"called_station_id"` // prefix for the Called-Station-Id attribute
}

// TimersConfig holds the authentication timer intervals. Values are duration
// strings ("30s"); empty fields fall back to the protocol defaults.
type TimersConfig struct {
	RetransWhile        string `toml:"retrans_while"`
	AAAWhile            string `toml:"aaa_while"`
	SessionTimeout      string `toml:"session_timeout_default"`
	PortUpIdentityDelay string `toml:"port_up_identity_delay"`
	PreemptiveInterval  string `toml:"preemptive_identity_interval"`
}

// RateLimitConfig holds anti-flood settings for session-creating frames.
type RateLimitConfig struct {
	Enabled              bool `toml:"enabled"`
	MaxTriggersPerSecond int  `toml:"max_triggers_per_second"`
	MaxPerMACPerSecond   int  `toml:"max_per_mac_per_second"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `toml:"buffer_size"`
}

// MetricsConfig holds the Prometheus exposition endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Interface == "" {
		c.Server.Interface = DefaultInterface
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = DefaultLogLevel
	}
	if c.Server.StationDB == "" {
		c.Server.StationDB = DefaultStationDB
	}
	if c.Radius.ServerPort == 0 {
		c.Radius.ServerPort = DefaultRadiusPort
	}
	if c.Radius.CalledStationID == "" {
		c.Radius.CalledStationID = DefaultCalledStationID
	}
	if c.RateLimit.MaxTriggersPerSecond == 0 {
		c.RateLimit.MaxTriggersPerSecond = DefaultTriggersPerSec
	}
	if c.RateLimit.MaxPerMACPerSecond == 0 {
		c.RateLimit.MaxPerMACPerSecond = DefaultPerMACPerSec
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = DefaultEventBufferSize
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
}

// Validate checks required fields and address formats.
func (c *Config) Validate() error {
	if c.Server.Interface == "" {
		return fmt.Errorf("server.interface is required")
	}
	if c.Radius.ServerIP == "" {
		return fmt.Errorf("radius.server_ip is required")
	}
	if net.ParseIP(c.Radius.ServerIP) == nil {
		return fmt.Errorf("radius.server_ip %q is not a valid IP address", c.Radius.ServerIP)
	}
	if c.Radius.ServerPort < 1 || c.Radius.ServerPort > 65535 {
		return fmt.Errorf("radius.server_port %d out of range", c.Radius.ServerPort)
	}
	if c.Radius.Secret == "" {
		return fmt.Errorf("radius.secret is required")
	}
	return nil
}

// parseDuration parses a duration string, falling back to def when the field
// is empty or malformed.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// RetransWhileD returns the supplicant retransmission interval.
func (t TimersConfig) RetransWhileD() time.Duration {
	return parseDuration(t.RetransWhile, DefaultRetransWhile)
}

// AAAWhileD returns how long to wait on the authentication server.
func (t TimersConfig) AAAWhileD() time.Duration {
	return parseDuration(t.AAAWhile, DefaultAAAWhile)
}

// SessionTimeoutD returns the reauthentication interval used when the server
// sends no Session-Timeout attribute.
func (t TimersConfig) SessionTimeoutD() time.Duration {
	return parseDuration(t.SessionTimeout, DefaultSessionTimeout)
}

// PortUpIdentityDelayD returns the delay before the first preemptive identity
// request after a port comes up.
func (t TimersConfig) PortUpIdentityDelayD() time.Duration {
	return parseDuration(t.PortUpIdentityDelay, DefaultPortUpDelay)
}

// PreemptiveIntervalD returns the repeat interval for preemptive identity
// requests on idle ports.
func (t TimersConfig) PreemptiveIntervalD() time.Duration {
	return parseDuration(t.PreemptiveInterval, DefaultPreemptivePeriod)
}
