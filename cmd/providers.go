package cmd

import (
	"fmt"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/config"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List provider calibration and model pricing",
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, _ []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	keys := rt.reg.Keys()
	if cmd.Flags().Changed("provider") {
		keys = []string{rt.provider()}
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("PROVIDERS"))
	fmt.Println()

	summary := make([][]string, 0, len(keys))
	for _, key := range keys {
		p := rt.reg.Profile(key)
		summary = append(summary, []string{
			key,
			p.Name,
			fmt.Sprintf("%.1f", p.CharsPerToken),
			fmt.Sprintf("%.2f", p.PunctuationWeight),
			p.DefaultModel,
		})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Provider", "Name", "Chars/Tok", "Punct", "Default"},
		Rows:    summary,
	}))

	for _, key := range keys {
		p := rt.reg.Profile(key)
		fmt.Println()
		fmt.Print(cli.RenderTable(modelTable(p)))
	}
	return nil
}

func modelTable(p config.ProviderProfile) cli.Table {
	rows := make([][]string, 0, len(p.Models))
	for _, id := range p.ModelIDs() {
		mp := p.Models[id]
		name := mp.DisplayName
		if id == p.DefaultModel {
			name += " *"
		}
		rows = append(rows, []string{
			id,
			name,
			cli.FormatRate(mp.InputPer1K),
			cli.FormatRate(mp.OutputPer1K),
		})
	}
	title := p.Name
	if len(rows) == 0 {
		title += " (generic pricing)"
	}
	return cli.Table{
		Title:   title,
		Headers: []string{"Model", "Name", "In/1K", "Out/1K"},
		Rows:    rows,
	}
}
