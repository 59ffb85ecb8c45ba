package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateBLE(cfg, ve)
	validateGateway(cfg, ve)
	validateAnalytics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}

func validateBLE(cfg *Config, ve *ValidationError) {
	b := cfg.BLE
	if b.NamePrefix == "" && b.Address == "" {
		ve.Add("ble.name_prefix or ble.address must be set")
	}
	if b.Address != "" {
		if _, err := net.ParseMAC(b.Address); err != nil {
			ve.Add("ble.address %q is not a valid MAC address", b.Address)
		}
	}
	if b.ScanTimeout <= 0 {
		ve.Add("ble.scan_timeout must be > 0")
	}
	if b.ScanInterval <= 0 {
		ve.Add("ble.scan_interval must be > 0")
	}
	if b.ServicesResolvedTimeout <= 0 {
		ve.Add("ble.services_resolved_timeout must be > 0")
	}
	if b.Breaker.MaxFailures == 0 {
		ve.Add("ble.breaker.max_failures must be > 0")
	}
	if b.Breaker.Timeout <= 0 {
		ve.Add("ble.breaker.timeout must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port: %v", g.Addr, err)
	}
	if g.RequestsPerMin < 0 {
		ve.Add("gateway.requests_per_min must be >= 0")
	}
	if g.RequestsPerMin > 0 && g.Burst <= 0 {
		ve.Add("gateway.burst must be > 0 when rate limiting is enabled")
	}
	if cfg.Discovery.MDNS && cfg.Discovery.Instance == "" {
		ve.Add("discovery.instance must not be empty when mdns is enabled")
	}
}

func validateAnalytics(cfg *Config, ve *ValidationError) {
	if cfg.Analytics.RecentKeys <= 0 {
		ve.Add("analytics.recent_keys must be > 0")
	}
	if cfg.Analytics.BrightnessSchedule == "" {
		return
	}
	if _, err := cron.ParseStandard(cfg.Analytics.BrightnessSchedule); err != nil {
		ve.Add("analytics.brightness_schedule %q: %v", cfg.Analytics.BrightnessSchedule, err)
	}
}
