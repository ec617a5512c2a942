package shim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shim configuration.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Browser BrowserConfig `yaml:"browser"`
	Pages   []PageConfig  `yaml:"pages"`
	Emit    EmitConfig    `yaml:"emit"`
}

// RelayConfig points the shim at its relay.
type RelayConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	// Remote is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome.
	Remote   string `yaml:"remote"`
	Headless bool   `yaml:"headless"`
	Stealth  bool   `yaml:"stealth"`
}

// PageConfig defines a page to attach to.
type PageConfig struct {
	URL string `yaml:"url"`
}

// EmitConfig tunes the per-class emission timing.
type EmitConfig struct {
	StructuralWindow time.Duration `yaml:"structural_window"`
	FocusThrottle    time.Duration `yaml:"focus_throttle"`
	FieldDebounce    time.Duration `yaml:"field_debounce"`
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("shim: parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Relay.URL == "" {
		c.Relay.URL = "http://localhost:8090"
	}
	if c.Relay.PollInterval <= 0 {
		c.Relay.PollInterval = time.Second
	}
	if c.Emit.StructuralWindow <= 0 {
		c.Emit.StructuralWindow = time.Second
	}
	if c.Emit.FocusThrottle <= 0 {
		c.Emit.FocusThrottle = 200 * time.Millisecond
	}
	if c.Emit.FieldDebounce <= 0 {
		c.Emit.FieldDebounce = 500 * time.Millisecond
	}
}
