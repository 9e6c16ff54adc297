package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/estimator"
	"github.com/theirongolddev/tokmon/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	flagEstimateDetail bool
	flagEstimateStream string
)

var estimateCmd = &cobra.Command{
	Use:   "estimate [file|-]",
	Short: "Estimate tokens and cost for a piece of text",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEstimate,
}

func init() {
	estimateCmd.Flags().BoolVar(&flagEstimateDetail, "detail", false, "Show the segment breakdown")
	estimateCmd.Flags().StringVar(&flagEstimateStream, "stream", "input", "Price the text as input or output")
	rootCmd.AddCommand(estimateCmd)
}

func runEstimate(_ *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	text, err := readInput(args)
	if err != nil {
		return err
	}

	key := rt.provider()
	profile := rt.reg.Profile(key)
	b := estimator.Detail(text, profile)

	pricing, _ := pipeline.ResolvePricing(rt.reg, key, profile.DefaultModel)
	var cost float64
	if flagEstimateStream == "output" {
		cost = pipeline.CalculateCost(pricing, 0, int64(b.Tokens))
	} else {
		cost = pipeline.CalculateCost(pricing, int64(b.Tokens), 0)
	}

	pairs := []cli.KV{
		{Key: "Provider", Value: profile.Name + " (" + key + ")"},
		{Key: "Model", Value: pricing.DisplayName},
		{Key: "Tokens", Value: cli.Tokens(int64(b.Tokens)) + cli.Muted(" ("+cli.FormatNumber(int64(b.Tokens))+")")},
		{Key: "Chars", Value: cli.FormatNumber(int64(b.Chars))},
		{Key: "Cost (" + flagEstimateStream + ")", Value: cli.Cost(cost)},
	}
	if flagEstimateDetail {
		pairs = append(pairs,
			cli.KV{Key: "Words", Value: strconv.Itoa(b.Words)},
			cli.KV{Key: "Numbers", Value: strconv.Itoa(b.Numbers)},
			cli.KV{Key: "Punctuation", Value: strconv.Itoa(b.Punctuation)},
			cli.KV{Key: "Newlines", Value: strconv.Itoa(b.Newlines)},
			cli.KV{Key: "Dense script", Value: strconv.Itoa(b.Dense)},
			cli.KV{Key: "Emoji", Value: strconv.Itoa(b.Emoji)},
			cli.KV{Key: "Chars per token", Value: fmt.Sprintf("%.2f", b.CharsPerToken)},
		)
		if b.Fallback {
			pairs = append(pairs, cli.KV{Key: "Note", Value: cli.Warn("ratio fallback used")})
		}
	}

	fmt.Println()
	fmt.Print(cli.RenderKV(pairs))
	return nil
}

// readInput reads the named file, or stdin for "-" or no argument.
func readInput(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0]) //nolint:gosec // path is chosen by the local user
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return string(data), nil
}
