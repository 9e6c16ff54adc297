// Package config loads tokmon configuration and builds the provider registry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all tokmon configuration.
type Config struct {
	General   GeneralConfig               `toml:"general"`
	Estimator EstimatorConfig             `toml:"estimator"`
	Detect    DetectConfig                `toml:"detect"`
	Daemon    DaemonConfig                `toml:"daemon"`
	Log       LogConfig                   `toml:"log"`
	Providers map[string]ProviderOverride `toml:"providers,omitempty"`
	Pricing   PricingOverrides            `toml:"pricing"`
}

// GeneralConfig holds session lifecycle preferences.
type GeneralConfig struct {
	TrackingEnabled bool     `toml:"tracking_enabled"`
	SessionTTL      Duration `toml:"session_ttl"`
	SweepInterval   Duration `toml:"sweep_interval"`
	DBPath          string   `toml:"db_path,omitempty"`
}

// EstimatorConfig controls the estimation cache.
type EstimatorConfig struct {
	CacheSize int `toml:"cache_size"`
}

// DetectConfig holds the change detector's sampling cadence.
type DetectConfig struct {
	StreamingInterval Duration `toml:"streaming_interval"`
	SteadyInterval    Duration `toml:"steady_interval"`
}

// DaemonConfig holds HTTP daemon settings.
type DaemonConfig struct {
	Addr         string `toml:"addr"`
	EventsBuffer int    `toml:"events_buffer"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ProviderOverride amends or adds a provider's calibration.
type ProviderOverride struct {
	Name              *string  `toml:"name,omitempty"`
	CharsPerToken     *float64 `toml:"chars_per_token,omitempty"`
	PunctuationWeight *float64 `toml:"punctuation_weight,omitempty"`
	DefaultModel      *string  `toml:"default_model,omitempty"`
}

// PricingOverrides allows user-defined pricing, keyed by provider then model.
type PricingOverrides struct {
	Overrides map[string]map[string]ModelPricingOverride `toml:"overrides,omitempty"`
}

// ModelPricingOverride holds per-model pricing overrides.
type ModelPricingOverride struct {
	InputPer1K  *float64 `toml:"input_per_1k,omitempty"`
	OutputPer1K *float64 `toml:"output_per_1k,omitempty"`
	DisplayName string   `toml:"display_name,omitempty"`
}

// Duration wraps time.Duration so it reads as "15m" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			TrackingEnabled: true,
			SessionTTL:      Duration{60 * time.Minute},
			SweepInterval:   Duration{15 * time.Minute},
		},
		Estimator: EstimatorConfig{
			CacheSize: 256,
		},
		Detect: DetectConfig{
			StreamingInterval: Duration{150 * time.Millisecond},
			SteadyInterval:    Duration{time.Second},
		},
		Daemon: DaemonConfig{
			Addr:         "127.0.0.1:8788",
			EventsBuffer: 200,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tokmon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tokmon")
}

// Path returns the full path to the config file.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// DataDir returns the directory for the settings database, pid and log files.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tokmon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "tokmon")
}

// DBPath returns the configured database path or the default under DataDir.
func (c Config) DBPath() string {
	if c.General.DBPath != "" {
		return c.General.DBPath
	}
	return filepath.Join(DataDir(), "tokmon.db")
}

// Load reads the config file at Path, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config file at path, returning defaults if it doesn't exist.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // config path is chosen by the local user
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // see LoadFile
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
