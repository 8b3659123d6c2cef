// Package config provides configuration parsing and validation for the
// Lattice SDK and CLI.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultControllerTimeout = 10 * time.Second
	DefaultRequestsPerSec    = 10.0
)

// Config represents the complete SDK configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Identity   IdentityConfig   `yaml:"identity"`
	Dial       DialConfig       `yaml:"dial"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ControllerConfig locates the mesh controller.
type ControllerConfig struct {
	// URL is the controller API root, e.g. "https://ctrl.example.com:1280".
	URL string `yaml:"url"`

	// Timeout bounds each controller request.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond throttles controller API calls. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// IdentityConfig carries the client TLS identity presented to the
// controller and to edge routers.
type IdentityConfig struct {
	CA   string `yaml:"ca"`   // CA certificate file path
	Cert string `yaml:"cert"` // Client certificate file path
	Key  string `yaml:"key"`  // Client private key file path
}

// DialConfig tunes connection establishment and the data plane.
type DialConfig struct {
	// ConnectTimeout bounds the whole edge router race for one dial, and
	// each in-flight write.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LogConfig controls engine logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for the /metrics endpoint, e.g. "127.0.0.1:9464".
	// Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates config data.
func LoadBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Dial.ConnectTimeout == 0 {
		c.Dial.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Controller.Timeout == 0 {
		c.Controller.Timeout = DefaultControllerTimeout
	}
	if c.Controller.RequestsPerSecond == 0 {
		c.Controller.RequestsPerSecond = DefaultRequestsPerSec
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Controller.URL == "" {
		return fmt.Errorf("controller.url is required")
	}
	if !strings.HasPrefix(c.Controller.URL, "https://") && !strings.HasPrefix(c.Controller.URL, "http://") {
		return fmt.Errorf("controller.url must be an http(s) URL, got %q", c.Controller.URL)
	}
	if c.Dial.ConnectTimeout < 0 {
		return fmt.Errorf("dial.connect_timeout must not be negative")
	}
	if (c.Identity.Cert == "") != (c.Identity.Key == "") {
		return fmt.Errorf("identity.cert and identity.key must be set together")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
