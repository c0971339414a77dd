package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grid-engine/internal/config"
	"grid-engine/internal/grid"
)

func newLadderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ladder",
		Short: "Print the grid levels and per-interval amounts the config produces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, opts.envPath)
			if err != nil {
				return err
			}
			gridCfg, err := cfg.GridConfig()
			if err != nil {
				return err
			}
			ladder, err := grid.Build(gridCfg)
			if err != nil {
				return err
			}
			return printLadder(cmd.OutOrStdout(), gridCfg.Symbol, ladder)
		},
	}
}

// printLadder lists levels top down. The amount on a row belongs to the
// interval starting at that level; the top level has none.
func printLadder(out io.Writer, symbol string, ladder grid.Ladder) error {
	fmt.Fprintf(out, "%s step=%s levels=%d\n", symbol, ladder.Step.String(), len(ladder.Levels))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "index\tprice\tamount")
	for i := len(ladder.Levels) - 1; i >= 0; i-- {
		amount := "-"
		if i < len(ladder.Amounts) {
			amount = ladder.Amounts[i].String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i, ladder.Levels[i].String(), amount)
	}
	return tw.Flush()
}
