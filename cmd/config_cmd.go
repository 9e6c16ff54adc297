package cmd

import (
	"fmt"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/config"

	"github.com/spf13/cobra"
)

var flagConfigInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&flagConfigInit, "init", false, "Write the effective config to the config file")
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	cfg := rt.cfg

	status := "using defaults (no config file)"
	if config.Exists(flagConfig) {
		status = "loaded"
	}

	fmt.Println()
	fmt.Print(cli.RenderKV([]cli.KV{
		{Key: "Config file", Value: flagConfig},
		{Key: "Status", Value: status},
		{Key: "Database", Value: cfg.DBPath()},
	}))

	section := func(name string, pairs []cli.KV) {
		fmt.Println()
		fmt.Printf("  [%s]\n", name)
		fmt.Print(cli.RenderKV(pairs))
	}

	section("General", []cli.KV{
		{Key: "Tracking enabled", Value: fmt.Sprintf("%v", cfg.General.TrackingEnabled)},
		{Key: "Session TTL", Value: cli.FormatDuration(cfg.General.SessionTTL.Duration)},
		{Key: "Sweep interval", Value: cli.FormatDuration(cfg.General.SweepInterval.Duration)},
	})
	section("Estimator", []cli.KV{
		{Key: "Cache size", Value: cli.FormatNumber(int64(cfg.Estimator.CacheSize))},
	})
	section("Detect", []cli.KV{
		{Key: "Streaming interval", Value: cli.FormatDuration(cfg.Detect.StreamingInterval.Duration)},
		{Key: "Steady interval", Value: cli.FormatDuration(cfg.Detect.SteadyInterval.Duration)},
	})
	section("Daemon", []cli.KV{
		{Key: "Address", Value: cfg.Daemon.Addr},
		{Key: "Events buffer", Value: cli.FormatNumber(int64(cfg.Daemon.EventsBuffer))},
	})
	section("Log", []cli.KV{
		{Key: "Level", Value: cfg.Log.Level},
		{Key: "Format", Value: cfg.Log.Format},
	})

	overrides := 0
	for _, models := range cfg.Pricing.Overrides {
		overrides += len(models)
	}
	section("Providers", []cli.KV{
		{Key: "Registered", Value: cli.FormatNumber(int64(len(rt.reg.Keys())))},
		{Key: "Calibration overrides", Value: cli.FormatNumber(int64(len(cfg.Providers)))},
		{Key: "Pricing overrides", Value: cli.FormatNumber(int64(overrides))},
	})

	if flagConfigInit {
		if err := config.Save(flagConfig, cfg); err != nil {
			return err
		}
		fmt.Printf("\n  Wrote %s\n", flagConfig)
	}
	return nil
}
