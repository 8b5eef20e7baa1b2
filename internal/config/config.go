package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device          DeviceConfig    `yaml:"device"`
	PollingInterval int             `yaml:"polling_interval"` // seconds
	Collector       CollectorConfig `yaml:"collector"`
	Alert           AlertConfig     `yaml:"alert"`
	Recovery        RecoveryConfig  `yaml:"recovery"`
	LogLevel        string          `yaml:"log_level"`
}

// DeviceConfig identifies the sensor and how to reach it.
type DeviceConfig struct {
	ID                 string `yaml:"id"`          // reported to the collector
	TargetName         string `yaml:"target_name"` // advertised BLE name, e.g. "Aranet4 1A2B3"
	NeedsPairing       bool   `yaml:"needs_pairing"`
	Adapter            string `yaml:"adapter"` // host adapter, e.g. "hci0"
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// CollectorConfig holds reading delivery settings.
type CollectorConfig struct {
	Kind     string     `yaml:"kind"` // "http" or "mqtt"
	Endpoint string     `yaml:"endpoint"`
	APIKey   string     `yaml:"api_key"`
	Timeout  int        `yaml:"timeout"` // seconds
	MQTT     MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds MQTT collector settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// AlertConfig holds operator notification settings. Without a SendGrid key
// alerts only go to the log.
type AlertConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	From           string `yaml:"from"`
	To             string `yaml:"to"`
	MinInterval    int    `yaml:"min_interval"` // seconds between alerts after the burst
	Burst          int    `yaml:"burst"`
}

// RecoveryConfig holds adapter recovery settings.
type RecoveryConfig struct {
	ServiceUnit string `yaml:"service_unit"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "aranet-relay")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Adapter:            "hci0",
			ServiceUUID:        "f0cd1400-95da-4f4b-9ac8-aa55d312af0c",
			CharacteristicUUID: "f0cd1503-95da-4f4b-9ac8-aa55d312af0c",
		},
		PollingInterval: 1800,
		Collector: CollectorConfig{
			Kind:    "http",
			Timeout: 30,
			MQTT: MQTTConfig{
				Topic:    "aranet",
				ClientID: "aranet-relay",
				QoS:      1,
			},
		},
		Alert: AlertConfig{
			MinInterval: 600,
			Burst:       3,
		},
		Recovery: RecoveryConfig{
			ServiceUnit: "bluetooth.service",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, then environment overrides are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Empty values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"API_ENDPOINT", &c.Collector.Endpoint},
		{"API_KEY", &c.Collector.APIKey},
		{"DEVICE_ID", &c.Device.ID},
		{"TARGET_DEVICE", &c.Device.TargetName},
		{"SENDGRID_API_KEY", &c.Alert.SendGridAPIKey},
		{"EMAIL_FROM", &c.Alert.From},
		{"EMAIL_TO", &c.Alert.To},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup("NEEDS_PAIRING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NEEDS_PAIRING must be a boolean, got %q", v)
		}
		c.Device.NeedsPairing = b
	}
	if v, ok := lookup("POLLING_INTERVAL"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POLLING_INTERVAL must be an integer, got %q", v)
		}
		c.PollingInterval = n
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id must not be empty")
	}
	if strings.TrimSpace(c.Device.TargetName) == "" {
		return fmt.Errorf("device.target_name must not be empty")
	}
	if _, err := uuid.Parse(c.Device.ServiceUUID); err != nil {
		return fmt.Errorf("device.service_uuid is not a UUID: %w", err)
	}
	if _, err := uuid.Parse(c.Device.CharacteristicUUID); err != nil {
		return fmt.Errorf("device.characteristic_uuid is not a UUID: %w", err)
	}

	if c.PollingInterval <= 0 {
		return fmt.Errorf("polling_interval must be > 0 seconds")
	}

	switch c.Collector.Kind {
	case "http":
		if c.Collector.Endpoint == "" {
			return fmt.Errorf("collector.endpoint must not be empty")
		}
		if !strings.HasPrefix(c.Collector.Endpoint, "http://") && !strings.HasPrefix(c.Collector.Endpoint, "https://") {
			return fmt.Errorf("collector.endpoint must be an http(s) URL, got %q", c.Collector.Endpoint)
		}
	case "mqtt":
		if c.Collector.MQTT.Broker == "" {
			return fmt.Errorf("collector.mqtt.broker must not be empty")
		}
		if c.Collector.MQTT.Topic == "" {
			return fmt.Errorf("collector.mqtt.topic must not be empty")
		}
		if c.Collector.MQTT.QoS < 0 || c.Collector.MQTT.QoS > 2 {
			return fmt.Errorf("collector.mqtt.qos must be 0, 1, or 2, got %d", c.Collector.MQTT.QoS)
		}
	default:
		return fmt.Errorf("collector.kind must be \"http\" or \"mqtt\", got %q", c.Collector.Kind)
	}
	if c.Collector.Timeout <= 0 {
		return fmt.Errorf("collector.timeout must be > 0 seconds")
	}

	if err := c.ValidateAlert(); err != nil {
		return err
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ValidateAlert checks only the alert section. It is all a test alert
// needs.
func (c *Config) ValidateAlert() error {
	if c.Alert.SendGridAPIKey != "" && (c.Alert.From == "" || c.Alert.To == "") {
		return fmt.Errorf("alert.from and alert.to are required with a SendGrid key")
	}
	if c.Alert.MinInterval < 0 {
		return fmt.Errorf("alert.min_interval must be >= 0")
	}
	if c.Alert.Burst < 0 {
		return fmt.Errorf("alert.burst must be >= 0")
	}
	return nil
}

// LoadDotEnv reads KEY=value lines from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(expandTilde(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading env file: %w", err)
	}
	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

const defaultHeader = `# aranet-relay configuration
# Environment variables (API_ENDPOINT, API_KEY, DEVICE_ID, TARGET_DEVICE,
# NEEDS_PAIRING, SENDGRID_API_KEY, EMAIL_FROM, EMAIL_TO) override these values.

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a file was
// already present.
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
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}
