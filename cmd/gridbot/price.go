package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"grid-engine/internal/config"
	"grid-engine/internal/marketdata"
)

type priceOptions struct {
	providers string
	symbol    string
	baseURL   string
	rpcURL    string
	pool      string
	invert    bool
	timeout   time.Duration
}

func newPriceCmd() *cobra.Command {
	opts := &priceOptions{}
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Print the current price, trying each provider in order until one answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := buildChain(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			price, err := chain.CurrentPrice(ctx, opts.symbol)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", strings.ToUpper(opts.symbol), price.String(), chain.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.providers, "provider", "binance", "comma separated providers ("+strings.Join(marketdata.Names(), ", ")+")")
	cmd.Flags().StringVar(&opts.symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT or btc-usdt")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "override the REST base URL")
	cmd.Flags().StringVar(&opts.rpcURL, "rpc-url", "", "ethereum JSON-RPC URL (uniswapv2, uniswapv3)")
	cmd.Flags().StringVar(&opts.pool, "pool", "", "pool contract address (uniswapv2, uniswapv3)")
	cmd.Flags().BoolVar(&opts.invert, "invert", false, "quote token0 per token1 instead (uniswapv2, uniswapv3)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "overall deadline")
	return cmd
}

func buildChain(opts *priceOptions) (marketdata.Chain, error) {
	chain := marketdata.Chain{}
	for _, name := range strings.Split(opts.providers, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, err := buildProvider(name, config.MarketDataConfig{
			BaseURL:        opts.baseURL,
			TimeoutSec:     int64(opts.timeout / time.Second),
			RequestsPerSec: 5,
			RPCURL:         opts.rpcURL,
			PoolAddress:    opts.pool,
			InvertPrice:    opts.invert,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("at least one --provider is required")
	}
	return chain, nil
}
