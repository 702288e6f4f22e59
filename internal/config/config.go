package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Directory DirectoryConfig `yaml:"directory"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	UART      UARTConfig      `yaml:"uart"`
	LogLevel  string          `yaml:"log_level"`
}

// DeviceConfig selects the locker and the local adapter.
type DeviceConfig struct {
	Name    string `yaml:"name"`    // paired device to connect to by default
	Adapter string `yaml:"adapter"` // BlueZ adapter, e.g. "hci0"
}

// DirectoryConfig selects where paired devices are listed from.
type DirectoryConfig struct {
	Backend string         `yaml:"backend"` // "bluez" or "static"
	Devices []StaticDevice `yaml:"devices"` // used by the static backend
}

// StaticDevice is a paired device listed by hand.
type StaticDevice struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// TimeoutConfig holds session timing. Values are Go durations ("1.5s").
type TimeoutConfig struct {
	Connect             time.Duration `yaml:"connect"`
	PostConnectSettle   time.Duration `yaml:"post_connect_settle"`
	Discovery           time.Duration `yaml:"discovery"`
	PostDiscoverySettle time.Duration `yaml:"post_discovery_settle"`
	Send                time.Duration `yaml:"send"`
	Scan                time.Duration `yaml:"scan"`
}

// UARTConfig holds write framing settings.
type UARTConfig struct {
	MaxWriteBytes int `yaml:"max_write_bytes"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "locker-controller")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the timings used against real lockers.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Adapter: "hci0",
		},
		Directory: DirectoryConfig{
			Backend: "bluez",
		},
		Timeouts: TimeoutConfig{
			Connect:             10 * time.Second,
			PostConnectSettle:   2 * time.Second,
			Discovery:           5 * time.Second,
			PostDiscoverySettle: 500 * time.Millisecond,
			Send:                1500 * time.Millisecond,
			Scan:                5 * time.Second,
		},
		UART: UARTConfig{
			MaxWriteBytes: 20,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Directory.Backend {
	case "bluez":
		if c.Device.Adapter == "" {
			return fmt.Errorf("device.adapter must not be empty with the bluez backend")
		}
	case "static":
		for i, d := range c.Directory.Devices {
			if d.Name == "" || d.Address == "" {
				return fmt.Errorf("directory.devices[%d] needs both name and address", i)
			}
		}
	default:
		return fmt.Errorf("directory.backend must be \"bluez\" or \"static\", got %q", c.Directory.Backend)
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.discovery", c.Timeouts.Discovery},
		{"timeouts.send", c.Timeouts.Send},
		{"timeouts.scan", c.Timeouts.Scan},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%s must be > 0", t.name)
		}
	}
	if c.Timeouts.PostConnectSettle < 0 {
		return fmt.Errorf("timeouts.post_connect_settle must not be negative")
	}
	if c.Timeouts.PostDiscoverySettle < 0 {
		return fmt.Errorf("timeouts.post_discovery_settle must not be negative")
	}

	if c.UART.MaxWriteBytes <= 0 || c.UART.MaxWriteBytes > 512 {
		return fmt.Errorf("uart.max_write_bytes must be between 1 and 512, got %d", c.UART.MaxWriteBytes)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# locker-controller configuration
# Durations use Go syntax: "500ms", "1.5s", "10s".
`

// WriteDefault writes the default config to DefaultConfigPath. It
// returns the written path, or "" without error if a file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
