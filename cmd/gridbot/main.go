package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envPath    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gridbot",
		Short:         "Spot grid engine: backtest, paper trading and market data tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config/config.yaml", "config yaml path")
	root.PersistentFlags().StringVar(&opts.envPath, "env", "", ".env file to load before the config (default ./.env when present)")

	root.AddCommand(
		newRunCmd(opts),
		newPriceCmd(),
		newLadderCmd(opts),
	)
	return root
}
