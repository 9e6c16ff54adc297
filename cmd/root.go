// Package cmd implements the tokmon CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/logging"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagQuiet    bool
	flagProvider string
	flagDB       string
)

var rootCmd = &cobra.Command{
	Use:           "tokmon",
	Short:         "AI chat token and cost estimator",
	Long:          "Estimate token usage and cost of AI chat conversations from observed page text.",
	SilenceUsage:  true,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.Path(), "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "claude.ai", "Provider key or chat URL")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Settings database path (default from config)")
}

// appEnv is the shared startup state used by all commands.
type appEnv struct {
	cfg    config.Config
	reg    *config.Registry
	logger *slog.Logger
}

// loadRuntime reads the config, builds the provider registry and installs
// the default logger.
func loadRuntime() (*appEnv, error) {
	cfg, err := config.LoadFile(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.General.DBPath = flagDB
	}
	if flagQuiet {
		cfg.Log.Level = "error"
	}

	logger := logging.Setup(cfg.Log, os.Stderr)

	reg, err := config.BuildRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("building provider registry: %w", err)
	}
	return &appEnv{cfg: cfg, reg: reg, logger: logger}, nil
}

// provider resolves --provider to a registry key, warning on unknown keys.
func (rt *appEnv) provider() string {
	key := config.NormalizeProviderKey(flagProvider)
	if _, ok := rt.reg.Lookup(key); !ok {
		rt.logger.Warn("unknown provider, using generic calibration", "provider", key)
	}
	return key
}

func progress(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}
