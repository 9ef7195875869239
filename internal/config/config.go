package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Coordinator  CoordinatorConfig  `toml:"coordinator"`
	Matching     MatchingConfig     `toml:"matching"`
	Logistics    LogisticsConfig    `toml:"logistics"`
	Verification VerificationConfig `toml:"verification"`
	Notify       NotifyConfig       `toml:"notify"`
	Path         string             `toml:"-"`
}

type ServerConfig struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
}

type CoordinatorConfig struct {
	DispatchIntervalMS       int  `toml:"dispatch_interval_ms"`
	WatchdogIntervalMS       int  `toml:"watchdog_interval_ms"`
	SweepIntervalMS          int  `toml:"sweep_interval_ms"`
	RetryDelayMS             int  `toml:"retry_delay_ms"`
	MaxRetries               int  `toml:"max_retries"`
	LeaseMS                  int  `toml:"lease_ms"`
	ResponseTimeoutMin       int  `toml:"response_timeout_min"`
	ReservationExpiryMin     int  `toml:"reservation_expiry_min"`
	BusBuffer                int  `toml:"bus_buffer"`
	InventoryCheckEnabled    bool `toml:"inventory_check_enabled"`
	InventoryCheckIntervalMS int  `toml:"inventory_check_interval_ms"`
}

type MatchingConfig struct {
	MaxNotifications int       `toml:"max_notifications"`
	DefaultRadiusKm  float64   `toml:"default_radius_km"`
	MinIntervalDays  int       `toml:"min_interval_days"`
	RadiusStepsKm    []float64 `toml:"radius_steps_km"`
}

type LogisticsConfig struct {
	WalkCutoffKm    float64 `toml:"walk_cutoff_km"`
	TransitCutoffKm float64 `toml:"transit_cutoff_km"`
	CourierCutoffKm float64 `toml:"courier_cutoff_km"`
	HandlingMinutes int     `toml:"handling_minutes"`
}

type VerificationConfig struct {
	StrikeLimit    int `toml:"strike_limit"`
	SuspensionDays int `toml:"suspension_days"`
}

type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url"`
	TimeoutMS  int    `toml:"timeout_ms"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg.WithDefaults(), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bloodgrid/config.toml"
	}
	return filepath.Join(home, ".bloodgrid", "config.toml")
}

// WithDefaults fills every unset knob so a partial or missing config file
// still yields a runnable setup.
func (c Config) WithDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8090"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "bloodgrid.db"
	}
	if c.Coordinator.DispatchIntervalMS <= 0 {
		c.Coordinator.DispatchIntervalMS = 100
	}
	if c.Coordinator.WatchdogIntervalMS <= 0 {
		c.Coordinator.WatchdogIntervalMS = 1000
	}
	if c.Coordinator.SweepIntervalMS <= 0 {
		c.Coordinator.SweepIntervalMS = 5000
	}
	if c.Coordinator.RetryDelayMS <= 0 {
		c.Coordinator.RetryDelayMS = 500
	}
	if c.Coordinator.MaxRetries <= 0 {
		c.Coordinator.MaxRetries = 5
	}
	if c.Coordinator.LeaseMS <= 0 {
		c.Coordinator.LeaseMS = 30000
	}
	if c.Coordinator.ResponseTimeoutMin <= 0 {
		c.Coordinator.ResponseTimeoutMin = 30
	}
	if c.Coordinator.ReservationExpiryMin <= 0 {
		c.Coordinator.ReservationExpiryMin = 120
	}
	if c.Coordinator.BusBuffer <= 0 {
		c.Coordinator.BusBuffer = 64
	}
	if c.Coordinator.InventoryCheckIntervalMS <= 0 {
		c.Coordinator.InventoryCheckIntervalMS = 60000
	}
	if c.Matching.MaxNotifications <= 0 {
		c.Matching.MaxNotifications = 10
	}
	if c.Matching.DefaultRadiusKm <= 0 {
		c.Matching.DefaultRadiusKm = 25
	}
	if c.Matching.MinIntervalDays <= 0 {
		c.Matching.MinIntervalDays = 56
	}
	if len(c.Matching.RadiusStepsKm) == 0 {
		c.Matching.RadiusStepsKm = []float64{25, 50, 100, 200}
	}
	if c.Logistics.WalkCutoffKm <= 0 {
		c.Logistics.WalkCutoffKm = 2
	}
	if c.Logistics.TransitCutoffKm <= 0 {
		c.Logistics.TransitCutoffKm = 30
	}
	if c.Logistics.CourierCutoffKm <= 0 {
		c.Logistics.CourierCutoffKm = 50
	}
	if c.Logistics.HandlingMinutes <= 0 {
		c.Logistics.HandlingMinutes = 15
	}
	if c.Verification.StrikeLimit <= 0 {
		c.Verification.StrikeLimit = 3
	}
	if c.Verification.SuspensionDays <= 0 {
		c.Verification.SuspensionDays = 7
	}
	if c.Notify.TimeoutMS <= 0 {
		c.Notify.TimeoutMS = 5000
	}
	return c
}
