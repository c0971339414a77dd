package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"grid-engine/internal/alert"
	"grid-engine/internal/api"
	"grid-engine/internal/backtest"
	"grid-engine/internal/config"
	"grid-engine/internal/core"
	"grid-engine/internal/engine"
	"grid-engine/internal/exchange"
	"grid-engine/internal/grid"
	"grid-engine/internal/logging"
	"grid-engine/internal/marketdata"
	"grid-engine/internal/safety"
	"grid-engine/internal/store"
	"grid-engine/internal/strategy"
)

const (
	streamKeepalive   = 30 * time.Second
	streamRedialDelay = 2 * time.Second
	lockStaleAfter    = 10 * time.Minute
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the grid over a backtest feed or live prices in paper mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, opts.envPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGrid(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func runGrid(ctx context.Context, cfg config.Config, out io.Writer) error {
	logger, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("instance", cfg.InstanceID))

	alerts := buildAlertManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			logger.Warn("alert_manager_close_failed", zap.Error(err))
		}
	}()

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.Symbol, cfg.InstanceID)
	st, err := store.New(stateDir, logger)
	if err != nil {
		return err
	}
	if cfg.Mode == config.ModePaper {
		lock, err := store.AcquireLock(stateDir, cfg.InstanceID, store.LockOptions{Takeover: true, StaleAfter: lockStaleAfter})
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("instance_lock_release_failed", zap.Error(err))
			}
		}()
	}
	journal, err := store.OpenJournal(string(cfg.State.Backend), stateDir, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	gridCfg, err := cfg.GridConfig()
	if err != nil {
		return err
	}
	reporters := alert.Fanout{alert.NewLogReporter(logger)}
	if alerts != nil {
		reporters = append(reporters, alerts)
	}
	clock := &engine.TickClock{}
	g, err := strategy.NewGrid(gridCfg,
		strategy.WithReporter(reporters),
		strategy.WithClock(clock.Now),
		strategy.WithStartSeq(journal.LastSeq()),
	)
	if err != nil {
		return err
	}

	sim := backtest.NewSimExchange(cfg.Symbol, core.Balance{
		Base:  cfg.Backtest.InitialBase.Decimal,
		Quote: cfg.Backtest.InitialQuote.Decimal,
	})
	if err := sim.SetMakerFee(cfg.Backtest.MakerFeeRate.Decimal); err != nil {
		return err
	}
	if err := sim.SetRules(cfg.Backtest.Rules.Core()); err != nil {
		return err
	}
	warnRuleBreaks(g.Ladder(), sim.Rules(), logger)

	breaker := buildBreaker(cfg, logger, alerts)
	feed, err := buildFeed(ctx, cfg, breaker, logger)
	if err != nil {
		return err
	}

	if cfg.API.Listen != "" {
		srv := api.NewServer(g, api.Options{
			AllowedOrigins: cfg.API.AllowedOrigins,
			Runtime:        st,
			History:        journal,
			Logger:         logger,
		})
		apiCtx, stopAPI := context.WithCancel(context.Background())
		defer stopAPI()
		go func() {
			if err := srv.Serve(apiCtx, cfg.API.Listen); err != nil {
				logger.Error("api_server_failed", zap.Error(err))
			}
		}()
	}

	runner := &engine.Runner{
		Feed:       feed,
		Grid:       g,
		Venue:      sim,
		Gateway:    safety.NewGuardedGateway(exchange.WithLogging(sim, logger), breaker),
		Store:      st,
		Journal:    journal,
		Clock:      clock,
		Logger:     logger,
		Mode:       string(cfg.Mode),
		InstanceID: cfg.InstanceID,
	}
	alerts.Important("runner_started", map[string]string{"provider": feedName(cfg), "state_dir": stateDir})
	result, runErr := runner.Run(ctx)
	printSummary(out, cfg.InstanceID, result)
	alerts.Important("runner_stopped", map[string]string{
		"ticks":    fmt.Sprint(result.Ticks),
		"fills":    fmt.Sprint(result.Fills),
		"position": result.Position.String(),
	})
	return runErr
}

// buildFeed picks the tick source: JSONL files for a backtest, the Binance trade
// stream for paper mode on binance, and REST polling for every other provider.
// The trade stream is redialled on disconnect under the breaker's reconnect circuit.
func buildFeed(ctx context.Context, cfg config.Config, breaker *safety.Breaker, logger *zap.Logger) (backtest.Feed, error) {
	if cfg.Mode == config.ModeBacktest {
		start, end, err := cfg.Backtest.Window()
		if err != nil {
			return nil, err
		}
		return backtest.NewJSONLFeed(cfg.Backtest.DataPath,
			backtest.WithWindow(start, end),
			backtest.WithCandlePath(backtest.CandlePath(cfg.Backtest.CandlePath)),
		)
	}
	if cfg.MarketData.Provider == "binance" {
		dial := func(ctx context.Context) (backtest.Feed, error) {
			return marketdata.DialTradeStream(ctx, cfg.MarketData.StreamURL, cfg.Symbol, streamKeepalive)
		}
		initial, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		return safety.NewRedialFeed(initial, dial, breaker, streamRedialDelay, logger), nil
	}
	provider, err := buildProvider(cfg.MarketData.Provider, cfg.MarketData)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.MarketData.PollIntervalSec) * time.Second
	return marketdata.NewPoller(provider, cfg.Symbol, interval, logger), nil
}

// warnRuleBreaks logs every rung whose order the venue would reject. Such
// orders are cancelled in the grid as soon as they are placed.
func warnRuleBreaks(ladder grid.Ladder, rules core.Rules, logger *zap.Logger) {
	for i, amount := range ladder.Amounts {
		for _, ord := range []core.Order{
			{Side: core.Buy, Price: ladder.Levels[i], Amount: amount},
			{Side: core.Sell, Price: ladder.Levels[i+1], Amount: amount},
		} {
			if err := core.CheckOrder(ord, rules); err != nil {
				logger.Warn("ladder_rung_breaks_rules",
					zap.String("side", string(ord.Side)),
					zap.String("price", ord.Price.String()),
					zap.String("amount", ord.Amount.String()),
					zap.Error(err),
				)
			}
		}
	}
}

func feedName(cfg config.Config) string {
	if cfg.Mode == config.ModeBacktest {
		return "jsonl"
	}
	return cfg.MarketData.Provider
}

func buildProvider(name string, md config.MarketDataConfig) (marketdata.Provider, error) {
	return marketdata.New(name, marketdata.Options{
		BaseURL:        md.BaseURL,
		Timeout:        time.Duration(md.TimeoutSec) * time.Second,
		RequestsPerSec: md.RequestsPerSec,
		RPCURL:         md.RPCURL,
		PoolAddress:    md.PoolAddress,
		Invert:         md.InvertPrice,
	})
}

func buildBreaker(cfg config.Config, logger *zap.Logger, alerts *alert.Manager) *safety.Breaker {
	cb := cfg.CircuitBreaker
	opts := safety.Options{
		Enabled:              cb.Enabled,
		MaxPlaceFailures:     cb.MaxPlaceFailures,
		MaxCancelFailures:    cb.MaxCancelFailures,
		MaxReconnectFailures: cb.MaxReconnectFailures,
		Cooldown:             time.Duration(cb.CooldownSec) * time.Second,
		HalfOpenSuccesses:    cb.ProbePasses,
		Logger:               logger,
	}
	if alerts != nil {
		opts.Alerter = alerts
	}
	return safety.NewBreaker(opts)
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(alert.TelegramOptions{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
	})
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, alert.ManagerOptions{
		QueueSize: cfg.Observability.AlertQueueSize,
		Logger:    logger,
	})
}

func printSummary(out io.Writer, instanceID string, result engine.Result) {
	fmt.Fprintf(out,
		"summary instance=%s ticks=%d fills=%d rejected_fills=%d seeded=%t position=%s pending=%d start_price=%s end_price=%s net_quote_flow=%s fees_paid_quote=%s total_return_pct=%s max_drawdown_pct=%s max_drawdown_quote=%s start_equity_quote=%s end_equity_quote=%s final_base=%s final_quote=%s\n",
		instanceID,
		result.Ticks,
		result.Fills,
		result.RejectedFills,
		result.Seeded,
		result.Position.String(),
		result.PendingOrders,
		result.StartPrice.String(),
		result.EndPrice.String(),
		result.NetQuoteFlow.String(),
		result.FeesPaidQuote.String(),
		result.TotalReturnPct.StringFixed(4),
		result.MaxDrawdownPct.StringFixed(4),
		result.MaxDrawdownQuote.String(),
		result.StartEquityQuote.String(),
		result.EndEquityQuote.String(),
		result.FinalBalance.Base.String(),
		result.FinalBalance.Quote.String(),
	)
}
