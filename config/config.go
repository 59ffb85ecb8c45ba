// Package config loads bridge settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	BLE       BLEConfig       `yaml:"ble"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// BLEConfig holds device connection settings.
type BLEConfig struct {
	Adapter                 string        `yaml:"adapter"`
	NamePrefix              string        `yaml:"name_prefix"`
	Address                 string        `yaml:"address"`
	ScanTimeout             time.Duration `yaml:"scan_timeout"`
	ServicesResolvedTimeout time.Duration `yaml:"services_resolved_timeout"`
	AutoReconnect           bool          `yaml:"auto_reconnect"`
	ScanInterval            time.Duration `yaml:"scan_interval"`
	Breaker                 BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the characteristic write circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// GatewayConfig holds HTTP/WebSocket server settings.
type GatewayConfig struct {
	Addr           string `yaml:"addr"`
	RequestsPerMin int    `yaml:"requests_per_min"`
	Burst          int    `yaml:"burst"`
	// Origins are host patterns allowed for WebSocket and CORS requests.
	// Empty means localhost only.
	Origins []string `yaml:"origins"`
}

// DiscoveryConfig controls mDNS advertisement of the gateway.
type DiscoveryConfig struct {
	MDNS     bool   `yaml:"mdns"`
	Instance string `yaml:"instance"`
}

// AnalyticsConfig controls session statistics.
type AnalyticsConfig struct {
	BrightnessSchedule string `yaml:"brightness_schedule"`
	RecentKeys         int    `yaml:"recent_keys"`
}

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		BLE: BLEConfig{
			Adapter:                 "hci0",
			NamePrefix:              "F503i_",
			ScanTimeout:             10 * time.Second,
			ServicesResolvedTimeout: 15 * time.Second,
			AutoReconnect:           true,
			ScanInterval:            5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 3,
				Timeout:     5 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			Addr:           ":8080",
			RequestsPerMin: 600,
			Burst:          20,
		},
		Discovery: DiscoveryConfig{
			MDNS:     false,
			Instance: "f503i-bridge",
		},
		Analytics: AnalyticsConfig{
			BrightnessSchedule: "@every 2s",
			RecentKeys:         50,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. An empty path
// yields the defaults; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps F503I_* env vars to config fields. Malformed values
// are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("F503I_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("F503I_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("F503I_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("F503I_TRACER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Enabled = b
		}
	}
	if v := os.Getenv("F503I_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("F503I_BLE_ADAPTER"); v != "" {
		cfg.BLE.Adapter = v
	}
	if v := os.Getenv("F503I_BLE_NAME_PREFIX"); v != "" {
		cfg.BLE.NamePrefix = v
	}
	if v := os.Getenv("F503I_BLE_ADDRESS"); v != "" {
		cfg.BLE.Address = v
	}
	if v := os.Getenv("F503I_BLE_AUTO_RECONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.BLE.AutoReconnect = b
		}
	}
	if v := os.Getenv("F503I_BLE_SCAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BLE.ScanTimeout = d
		}
	}
	if v := os.Getenv("F503I_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("F503I_DISCOVERY_MDNS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Discovery.MDNS = b
		}
	}
	if v := os.Getenv("F503I_ANALYTICS_BRIGHTNESS_SCHEDULE"); v != "" {
		cfg.Analytics.BrightnessSchedule = v
	}
}
