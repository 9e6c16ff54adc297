package cmd

import (
	"errors"
	"fmt"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	flagCostModel  string
	flagCostInput  int64
	flagCostOutput int64
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Price a token count for a provider model",
	RunE:  runCost,
}

func init() {
	costCmd.Flags().StringVarP(&flagCostModel, "model", "m", "", "Model id (default: provider default)")
	costCmd.Flags().Int64Var(&flagCostInput, "input", 0, "Input tokens")
	costCmd.Flags().Int64Var(&flagCostOutput, "output", 0, "Output tokens")
	rootCmd.AddCommand(costCmd)
}

func runCost(_ *cobra.Command, _ []string) error {
	if flagCostInput < 0 || flagCostOutput < 0 {
		return errors.New("token counts must be non-negative")
	}
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	key := rt.provider()
	modelID := flagCostModel
	if modelID == "" {
		modelID = rt.reg.DefaultModel(key)
	}
	pricing, src := pipeline.ResolvePricing(rt.reg, key, modelID)
	if src != pipeline.PricedByModel {
		rt.logger.Warn("model not priced for provider, using fallback", "provider", key, "model", modelID, "pricing", src.String())
	}

	inCost := pipeline.CalculateCost(pricing, flagCostInput, 0)
	outCost := pipeline.CalculateCost(pricing, 0, flagCostOutput)

	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   pricing.DisplayName + " on " + key,
		Headers: []string{"Stream", "Tokens", "Rate/1K", "Cost"},
		Rows: [][]string{
			{"Input", cli.FormatNumber(flagCostInput), cli.FormatRate(pricing.InputPer1K), cli.FormatCost(inCost)},
			{"Output", cli.FormatNumber(flagCostOutput), cli.FormatRate(pricing.OutputPer1K), cli.FormatCost(outCost)},
			cli.SeparatorRow,
			{"Total", cli.FormatNumber(flagCostInput + flagCostOutput), "", cli.FormatCost(inCost + outCost)},
		},
	}))
	return nil
}
