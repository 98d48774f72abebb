package napi

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/napi-network/napi/pkg/macaddr"
)

// Retry bounds for the provisioning engine. Exceeding any of them turns
// an etag conflict storm into an Unavailable error instead of livelock.
const (
	// MACRetries bounds how many random MACs are drawn after NIC-bucket
	// conflicts before giving up.
	MACRetries = 50
	// ProvisionRetries bounds full passes of the provisioning loop.
	ProvisionRetries = 100
	// IPRetries bounds candidate-address reselection after IP-bucket
	// conflicts.
	IPRetries = 100
)

// List bounds applied when a caller does not ask for a limit, and the
// hard cap no caller can exceed.
const (
	DefaultListLimit = 1000
	MaxListLimit     = 5000
)

// DefaultMTU is used for nic tags and networks that do not specify one.
const DefaultMTU = 1500

// Config holds the service configuration, loaded from a YAML file.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	// Store connection (Redis backend).
	StoreAddr     string `yaml:"store_addr"`
	StorePassword string `yaml:"store_password"`
	StoreDB       int    `yaml:"store_db"`

	// MACOUI is the 24-bit OUI inside which random MACs are drawn.
	MACOUI string `yaml:"mac_oui"`

	// AdminUUID is the operator account allowed past network owner
	// checks.
	AdminUUID string `yaml:"admin_uuid"`

	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`

	MACRetries       int `yaml:"mac_retries"`
	ProvisionRetries int `yaml:"provision_retries"`
	IPRetries        int `yaml:"ip_retries"`

	// Test prepends "test_" to every bucket name so a test deployment
	// never touches production data.
	Test bool `yaml:"test"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if _, err := cfg.OUI(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StoreAddr == "" {
		c.StoreAddr = "localhost:6379"
	}
	if c.MACOUI == "" {
		c.MACOUI = "90:b8:d0"
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultListLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = MaxListLimit
	}
	if c.MACRetries <= 0 {
		c.MACRetries = MACRetries
	}
	if c.ProvisionRetries <= 0 {
		c.ProvisionRetries = ProvisionRetries
	}
	if c.IPRetries <= 0 {
		c.IPRetries = IPRetries
	}
}

// OUI parses the configured MAC OUI.
func (c *Config) OUI() (macaddr.OUI, error) {
	oui, err := macaddr.ParseOUI(c.MACOUI)
	if err != nil {
		return 0, fmt.Errorf("config mac_oui: %w", err)
	}
	return oui, nil
}

// BucketPrefix returns the prefix applied to every bucket name.
func (c *Config) BucketPrefix() string {
	if c.Test {
		return "test_"
	}
	return ""
}
