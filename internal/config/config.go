// Package config loads the device manager's configuration from YAML with
// environment-variable overrides for secrets and connection URLs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
	Network  NetworkConfig  `yaml:"network"`
	Decode   DecodeConfig   `yaml:"decode"`
	Downlink DownlinkConfig `yaml:"downlink"`
}

// ServerConfig identifies this instance for logging and event attribution.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DatabaseConfig configures the Postgres connection backing device
// provisioning reads and session writes (spec §6).
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig configures the message bus client used by the event publisher
// and the gateway ingest subscription.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// LogConfig configures the zerolog output level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig carries the LoRaWAN network-wide constants the join and
// uplink engines need (spec §4.D, §4.E).
type NetworkConfig struct {
	NetID             string        `yaml:"net_id"`
	Region            string        `yaml:"region"`
	FCntRolloverTol   uint32        `yaml:"fcnt_rollover_tolerance"`
	JoinAcceptDelay   time.Duration `yaml:"join_accept_delay"`
	RX1DROffset       uint8         `yaml:"rx1_dr_offset"`
	RX2DataRate       uint8         `yaml:"rx2_data_rate"`
	RX2Frequency      uint32        `yaml:"rx2_frequency"`
	RX1Delay          uint8         `yaml:"rx1_delay"`
}

// DecodeConfig bounds the sandboxed decode runtime (spec §4.F).
type DecodeConfig struct {
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	ModuleBudget  int           `yaml:"module_budget"`
}

// DownlinkConfig sets the default ACK-wait timeout for enqueue (spec §4.G).
type DownlinkConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

const (
	defaultFCntRolloverTolerance = 16384
	defaultScriptTimeout         = 200 * time.Millisecond
	defaultModuleBudget          = 1024
	defaultDownlinkTimeout       = 10 * time.Second
)

// Load reads and parses a YAML config file, applies environment overrides,
// and fills in the defaults spec.md names explicitly (rollover tolerance,
// script timeout, downlink timeout).
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
	if netID := os.Getenv("NETWORK_NET_ID"); netID != "" {
		c.Network.NetID = netID
	}
}

func (c *Config) applyDefaults() {
	if c.Network.FCntRolloverTol == 0 {
		c.Network.FCntRolloverTol = defaultFCntRolloverTolerance
	}
	if c.Decode.ScriptTimeout == 0 {
		c.Decode.ScriptTimeout = defaultScriptTimeout
	}
	if c.Decode.ModuleBudget == 0 {
		c.Decode.ModuleBudget = defaultModuleBudget
	}
	if c.Downlink.DefaultTimeout == 0 {
		c.Downlink.DefaultTimeout = defaultDownlinkTimeout
	}
	if c.Network.JoinAcceptDelay == 0 {
		c.Network.JoinAcceptDelay = 5 * time.Second
	}
	if c.Network.RX1Delay == 0 {
		c.Network.RX1Delay = 1
	}
}
