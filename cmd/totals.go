package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/store"

	"github.com/spf13/cobra"
)

var flagTotalsReset bool

var totalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "Show lifetime usage of retired sessions",
	RunE:  runTotals,
}

func init() {
	totalsCmd.Flags().BoolVar(&flagTotalsReset, "reset", false, "Clear the lifetime totals")
	rootCmd.AddCommand(totalsCmd)
}

func runTotals(_ *cobra.Command, _ []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	dbPath := rt.cfg.DBPath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) && !flagTotalsReset {
		fmt.Println("\n  No lifetime totals recorded yet.")
		return nil
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if flagTotalsReset {
		if err := st.ResetTotals(); err != nil {
			return err
		}
		fmt.Println("  Lifetime totals cleared.")
		return nil
	}

	byProvider, err := st.LifetimeByProvider()
	if err != nil {
		return err
	}
	if len(byProvider) == 0 {
		fmt.Println("\n  No lifetime totals recorded yet.")
		return nil
	}
	total, err := st.LifetimeTotals()
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("LIFETIME TOTALS"))
	fmt.Println()

	rows := make([][]string, 0, len(byProvider)+2)
	for _, p := range byProvider {
		rows = append(rows, []string{
			p.Provider,
			cli.FormatNumber(int64(p.Sessions)),
			cli.FormatTokens(p.InputTokens),
			cli.FormatTokens(p.OutputTokens),
			cli.FormatCost(p.CostUSD),
			p.FirstSeen.Local().Format(time.DateOnly),
		})
	}
	rows = append(rows, cli.SeparatorRow, []string{
		"Total",
		cli.FormatNumber(int64(total.Sessions)),
		cli.FormatTokens(total.InputTokens),
		cli.FormatTokens(total.OutputTokens),
		cli.FormatCost(total.CostUSD),
		"",
	})
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Provider", "Sessions", "Input", "Output", "Cost", "Since"},
		Rows:    rows,
	}))

	fmt.Println()
	for _, p := range byProvider {
		fmt.Printf("  %-18s %s %s\n", p.Provider, cli.RenderShareBar(p.CostUSD, total.CostUSD, 30), cli.Muted(cli.FormatPercent(safeShare(p.CostUSD, total.CostUSD))))
	}
	return nil
}

func safeShare(v, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return v / total
}
