package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/detect"
	"github.com/theirongolddev/tokmon/internal/estimator"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/source"
	"github.com/theirongolddev/tokmon/internal/tracker"

	"github.com/spf13/cobra"
)

var (
	flagWatchStream string
	flagWatchModel  string
)

var watchCmd = &cobra.Command{
	Use:   "watch FILE",
	Short: "Live-estimate a text file as it grows",
	Long:  "Watch a file holding chat text and report token counts as it streams and settles.",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagWatchStream, "stream", "output", "Stream kind of the file text (input|output)")
	watchCmd.Flags().StringVarP(&flagWatchModel, "model", "m", "", "Model id to price with")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(_ *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	kind, err := model.ParseStreamKind(flagWatchStream)
	if err != nil {
		return err
	}

	cache, err := estimator.NewCache(rt.cfg.Estimator.CacheSize)
	if err != nil {
		return err
	}
	tr := tracker.New(rt.reg,
		tracker.WithLogger(rt.logger),
		tracker.WithCache(cache),
		tracker.WithCadence(detect.Cadence{
			Streaming: rt.cfg.Detect.StreamingInterval.Duration,
			Steady:    rt.cfg.Detect.SteadyInterval.Duration,
		}),
	)

	key := filepath.Base(args[0])
	provider := rt.provider()
	if flagWatchModel != "" {
		// Seed the session so the model can be selected before the first estimate.
		if _, err := tr.Notify(key, kind, provider, ""); err != nil {
			return err
		}
		if _, err := tr.SelectModel(key, flagWatchModel); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress("  Watching %s as %s on %s (Ctrl-C to stop)\n", args[0], kind, provider)

	streaming := false
	sample := func(text string) time.Duration {
		res, err := tr.Notify(key, kind, provider, text)
		if err != nil {
			rt.logger.Error("notify failed", "error", err)
			return 0
		}
		switch {
		case res.Streaming && !streaming:
			fmt.Printf("  %s %s\n", cli.Muted(time.Now().Format("15:04:05")), cli.Warn("streaming..."))
		case res.Flushed, res.Emitted && !res.Streaming:
			fmt.Printf("  %s settled  %s tokens  %s  %s\n",
				cli.Muted(time.Now().Format("15:04:05")),
				cli.Tokens(int64(res.Tokens)),
				cli.Cost(res.Snapshot.CostUSD),
				cli.Muted(res.Snapshot.ModelName),
			)
		}
		streaming = res.Streaming
		return res.PollInterval
	}

	if err := source.WatchFile(ctx, args[0], sample, rt.logger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if snap, ok := tr.Query(key); ok {
		fmt.Println()
		fmt.Print(cli.RenderKV([]cli.KV{
			{Key: "Input", Value: cli.Tokens(snap.Input.Tokens)},
			{Key: "Output", Value: cli.Tokens(snap.Output.Tokens)},
			{Key: "Cost", Value: cli.Cost(snap.CostUSD)},
			{Key: "Watched", Value: cli.FormatDuration(time.Since(snap.CreatedAt))},
		}))
	}
	return nil
}
