// Package config handles beacond configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the historical listen port for ESP32 beacon scanners.
const DefaultPort = 6060

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given: ./config.yaml,
// ~/.config/beacond/config.yaml, /etc/beacond/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "beacond", "config.yaml"))
	}

	paths = append(paths, "/etc/beacond/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all beacond configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Presence      PresenceConfig      `yaml:"presence"`
	Beacons       []BeaconConfig      `yaml:"beacons"`
	Ignore        []string            `yaml:"ignore"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the ingestion HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// PresenceConfig holds the debounce policy shared by all beacons.
type PresenceConfig struct {
	// TriggerThreshold is the default number of consecutive hits
	// needed to declare a beacon present.
	TriggerThreshold int `yaml:"trigger_threshold"`
	// MaintainThreshold is the default number of consecutive misses
	// needed to declare a present beacon absent.
	MaintainThreshold int `yaml:"maintain_threshold"`
	// IdleTimeout synthesizes a miss when no hit arrives within the
	// window. Zero disables derived misses.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MinSignal treats detections weaker than this RSSI as misses.
	// Zero disables the gate.
	MinSignal float64 `yaml:"min_signal"`
	// MaxDeliveries bounds how many beacons may have a notification in
	// flight at once.
	MaxDeliveries int `yaml:"max_deliveries"`
}

// BeaconConfig pre-registers a beacon with a display name and optional
// per-beacon thresholds. UUID/Major/Minor are only used by the local
// BLE scanner to match iBeacon advertisements.
type BeaconConfig struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	TriggerThreshold  int    `yaml:"trigger_threshold"`
	MaintainThreshold int    `yaml:"maintain_threshold"`
	UUID              string `yaml:"uuid"`
	Major             int    `yaml:"major"`
	Minor             int    `yaml:"minor"`
	MinRSSI           int    `yaml:"min_rssi"`
}

// MQTTConfig defines the broker connection used both to publish Home
// Assistant entities and to receive ESPresense reports.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
	// SubscribeFilter is the ESPresense device topic filter. Empty
	// uses espresense/devices/+/+.
	SubscribeFilter string `yaml:"subscribe_filter"`
	// MaxDistance ignores ESPresense reports farther than this many
	// meters. Zero disables the check.
	MaxDistance float64 `yaml:"max_distance"`
	// RateLimitPerMinute caps inbound messages.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether a broker was configured.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// HomeAssistantConfig defines HA REST connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether both URL and token are set.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// ScannerConfig enables the local BLE scanner.
type ScannerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device"` // HCI device, e.g. "hci0"
	// AllowDuplicates reports every advertisement instead of the first
	// per scan window. Needed for steady hit streams.
	AllowDuplicates bool `yaml:"allow_duplicates"`
	// ReportInterval is the minimum time between hits for one beacon.
	ReportInterval time.Duration `yaml:"report_interval"`
	// ReportUnknown reports iBeacons that match no configured beacon
	// under the id UUID-major-minor.
	ReportUnknown bool `yaml:"report_unknown"`
}

// DeviceID returns the numeric HCI index of Device ("hci0" or "0").
func (c ScannerConfig) DeviceID() (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(c.Device, "hci"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("scanner.device %q is not an HCI device (e.g. hci0)", c.Device)
	}
	return n, nil
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: DefaultPort},
		Presence: PresenceConfig{
			TriggerThreshold:  2,
			MaintainThreshold: 5,
			IdleTimeout:       30 * time.Second,
			MaxDeliveries:     16,
		},
		MQTT: MQTTConfig{
			DeviceName:         "beacond",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 300,
			RateLimitPerMinute: 6000,
		},
		Scanner: ScannerConfig{
			Device:          "hci0",
			AllowDuplicates: true,
			ReportInterval:  2 * time.Second,
		},
		DataDir:   "./data",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and defaults from [Default]
// fill anything the file leaves out.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would otherwise
// fail later at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Presence.TriggerThreshold < 1 {
		errs = append(errs, fmt.Errorf("presence.trigger_threshold must be >= 1, got %d", c.Presence.TriggerThreshold))
	}
	if c.Presence.MaintainThreshold < 1 {
		errs = append(errs, fmt.Errorf("presence.maintain_threshold must be >= 1, got %d", c.Presence.MaintainThreshold))
	}
	if c.Presence.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("presence.idle_timeout must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	seen := make(map[string]bool, len(c.Beacons))
	for i, b := range c.Beacons {
		if strings.TrimSpace(b.ID) == "" {
			errs = append(errs, fmt.Errorf("beacons[%d]: id is required", i))
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("beacons[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		if b.TriggerThreshold < 0 || b.MaintainThreshold < 0 {
			errs = append(errs, fmt.Errorf("beacons[%d]: thresholds must not be negative", i))
		}
	}

	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			errs = append(errs, fmt.Errorf("mqtt.device_name is required when mqtt.broker is set"))
		}
		if c.MQTT.PublishIntervalSec < 10 {
			errs = append(errs, fmt.Errorf("mqtt.publish_interval must be at least 10 seconds"))
		}
	}
	if c.Scanner.Enabled {
		if _, err := c.Scanner.DeviceID(); err != nil {
			errs = append(errs, err)
		}
		if c.Scanner.ReportInterval < 0 {
			errs = append(errs, fmt.Errorf("scanner.report_interval must not be negative"))
		}
	}
	if (c.HomeAssistant.URL == "") != (c.HomeAssistant.Token == "") {
		errs = append(errs, fmt.Errorf("homeassistant.url and homeassistant.token must be set together"))
	}

	return errors.Join(errs...)
}
