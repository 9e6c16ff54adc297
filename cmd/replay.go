package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/estimator"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/pipeline"
	"github.com/theirongolddev/tokmon/internal/source"
	"github.com/theirongolddev/tokmon/internal/store"
	"github.com/theirongolddev/tokmon/internal/tracker"

	"github.com/spf13/cobra"
)

var flagReplayPersist bool

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Replay a JSONL snapshot log and report per-session usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&flagReplayPersist, "persist", false, "Add the replayed sessions to lifetime totals")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(_ *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	progress("  Parsing %s...\n", args[0])
	parsed := source.ParseFile(args[0])
	if parsed.Err != nil {
		return parsed.Err
	}
	if parsed.ParseErrors > 0 {
		progress("  %d malformed lines skipped\n", parsed.ParseErrors)
	}

	cache, err := estimator.NewCache(rt.cfg.Estimator.CacheSize)
	if err != nil {
		return err
	}

	var retired []model.SessionSnapshot
	tr := tracker.New(rt.reg,
		tracker.WithLogger(rt.logger),
		tracker.WithCache(cache),
		tracker.WithTTL(rt.cfg.General.SessionTTL.Duration),
		tracker.OnRetire(func(s model.SessionSnapshot, _ tracker.RetireReason) {
			retired = append(retired, s)
		}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	stats, err := source.Replay(ctx, tr, parsed.Events, rt.logger)
	if err != nil {
		return err
	}

	live := tr.Sessions()
	all := append(append([]model.SessionSnapshot{}, retired...), live...)

	fmt.Println()
	fmt.Println(cli.RenderTitle("REPLAY  " + args[0]))
	fmt.Println()

	if len(all) == 0 {
		fmt.Println("  No sessions found.")
		return nil
	}

	pipeline.SortByActivity(all)
	fmt.Print(cli.RenderTable(sessionTable(all)))
	fmt.Println()
	fmt.Print(cli.RenderTable(providerTable(pipeline.AggregateByProvider(all))))
	fmt.Println()

	hits, misses := cache.Stats()
	fmt.Print(cli.RenderKV([]cli.KV{
		{Key: "Events", Value: cli.FormatNumber(int64(stats.Events))},
		{Key: "Snapshots", Value: fmt.Sprintf("%s (%d estimated, %d flushed)", cli.FormatNumber(int64(stats.Snapshots)), stats.Emitted, stats.Flushed)},
		{Key: "Rejected", Value: cli.FormatNumber(int64(stats.Rejected))},
		{Key: "Skipped lines", Value: cli.FormatNumber(int64(parsed.Skipped + parsed.ParseErrors))},
		{Key: "Cache hits", Value: fmt.Sprintf("%d / %d", hits, hits+misses)},
	}))

	if flagReplayPersist {
		return persistSessions(rt, all)
	}
	return nil
}

func persistSessions(rt *appEnv, sessions []model.SessionSnapshot) error {
	st, err := store.Open(rt.cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	n := 0
	for _, s := range sessions {
		if s.Input.Tokens == 0 && s.Output.Tokens == 0 {
			continue
		}
		if err := st.AddRetired(s); err != nil {
			return err
		}
		n++
	}
	progress("  Added %d sessions to lifetime totals\n", n)
	return nil
}

func sessionTable(sessions []model.SessionSnapshot) cli.Table {
	rows := make([][]string, 0, len(sessions)+2)
	for _, s := range sessions {
		rows = append(rows, []string{
			s.Key,
			s.Provider,
			s.ModelName,
			cli.FormatTokens(s.Input.Tokens),
			cli.FormatTokens(s.Output.Tokens),
			cli.FormatCost(s.CostUSD),
		})
	}
	t := pipeline.Aggregate(sessions)
	rows = append(rows, cli.SeparatorRow, []string{
		"Total", "", "",
		cli.FormatTokens(t.InputTokens),
		cli.FormatTokens(t.OutputTokens),
		cli.FormatCost(t.CostUSD),
	})
	return cli.Table{
		Title:   "Sessions",
		Headers: []string{"Session", "Provider", "Model", "Input", "Output", "Cost"},
		Rows:    rows,
	}
}

func providerTable(groups []pipeline.ProviderTotals) cli.Table {
	var total float64
	for _, g := range groups {
		total += g.CostUSD
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		share := 0.0
		if total > 0 {
			share = g.CostUSD / total
		}
		rows = append(rows, []string{
			g.Provider,
			cli.FormatNumber(int64(g.Sessions)),
			cli.FormatTokens(g.Tokens()),
			cli.FormatCost(g.CostUSD),
			cli.FormatPercent(share),
		})
	}
	return cli.Table{
		Title:   "By provider",
		Headers: []string{"Provider", "Sessions", "Tokens", "Cost", "Share"},
		Rows:    rows,
	}
}
