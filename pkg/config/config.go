// Package config loads the repeater's external key/value configuration:
// upstream and AP SSID/credentials, radio power/client limits, and the
// optional authentication/cloning/roaming parameters. Persistence and the
// HTTP configuration page that writes this store live outside this
// module; config only reads a YAML file once at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how the AP interface authenticates downstream clients.
type AuthMode string

const (
	AuthOpen AuthMode = "open"
	AuthWPA2 AuthMode = "wpa2-psk"
	AuthWPA3 AuthMode = "wpa3-sae"
)

// Config is the repeater's full external configuration surface.
type Config struct {
	UpstreamSSID     string   `yaml:"upstream_ssid"`
	UpstreamPassword string   `yaml:"upstream_password"`
	APSSID           string   `yaml:"ap_ssid"`
	APPassword       string   `yaml:"ap_password"`
	AuthMode         AuthMode `yaml:"auth_mode"`
	TXPower          int      `yaml:"tx_power_dbm"`
	MaxClients       int      `yaml:"max_clients"`
	SSIDCloning      bool     `yaml:"ssid_cloning"`
	RoamingEnabled   bool     `yaml:"roaming_enabled"`
	LogLevel         string   `yaml:"log_level"`
	MetricsAddr      string   `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is present and no
// flags override it.
func Default() Config {
	return Config{
		APSSID:      "repeater",
		AuthMode:    AuthWPA2,
		TXPower:     20,
		MaxClients:  8,
		LogLevel:    "info",
		MetricsAddr: ":9090",
	}
}

// Load reads path as YAML into a copy of base, leaving base's values in
// place for any key the file omits. A missing file is not an error — the
// caller gets base back unchanged, matching the teacher's config-loading
// convention of tolerating an absent config file and relying on defaults
// plus CLI flags instead.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configuration values the repeater core cannot operate
// with.
func (c Config) Validate() error {
	if c.MaxClients <= 0 {
		return fmt.Errorf("config: max_clients must be positive, got %d", c.MaxClients)
	}
	if c.MaxClients > 16 {
		return fmt.Errorf("config: max_clients %d exceeds MAC-NAT table capacity ceiling of 16", c.MaxClients)
	}
	switch c.AuthMode {
	case AuthOpen, AuthWPA2, AuthWPA3, "":
	default:
		return fmt.Errorf("config: unknown auth_mode %q", c.AuthMode)
	}
	return nil
}
