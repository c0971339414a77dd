package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"grid-engine/internal/core"
	"grid-engine/internal/logging"
	"grid-engine/internal/marketdata"
)

const defaultOutDir = "data"

type downloadOptions struct {
	provider    string
	baseURL     string
	symbol      string
	interval    string
	months      int
	startRaw    string
	endRaw      string
	outDir      string
	timeout     time.Duration
	rps         float64
	pageLimit   int
	maxAttempts int
	logLevel    string
}

// candleLine is one row of the output. "time" and "close" are what the
// backtest feed reads; the rest is kept for analysis.
type candleLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &downloadOptions{}
	cmd := &cobra.Command{
		Use:           "marketdata",
		Short:         "Download candles into date-rotated JSONL files for backtests",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger, err := logging.New(opts.logLevel, "")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return download(ctx, opts, cmd.OutOrStdout(), logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.provider, "provider", "binance", "candle provider ("+strings.Join(marketdata.Names(), ", ")+")")
	f.StringVar(&opts.baseURL, "base-url", "", "override the provider REST base url")
	f.StringVar(&opts.symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	f.StringVar(&opts.interval, "interval", "1m", "candle interval, e.g. 1m/5m/15m/1h/1d")
	f.IntVar(&opts.months, "months", 6, "how many months to fetch back from now")
	f.StringVar(&opts.startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	f.StringVar(&opts.endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	f.StringVar(&opts.outDir, "out-dir", defaultOutDir, "output root dir")
	f.DurationVar(&opts.timeout, "timeout", 20*time.Second, "per request timeout")
	f.Float64Var(&opts.rps, "rps", 5, "request rate limit")
	f.IntVar(&opts.pageLimit, "page-limit", 1000, "candles per request, capped by the provider")
	f.IntVar(&opts.maxAttempts, "attempts", 5, "attempts per page before giving up")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func download(ctx context.Context, opts *downloadOptions, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	symbol := strings.ToUpper(strings.TrimSpace(opts.symbol))
	interval := strings.TrimSpace(opts.interval)
	if symbol == "" || interval == "" {
		return errors.New("symbol and interval are required")
	}
	start, end, err := resolveWindow(time.Now().UTC(), opts.months, opts.startRaw, opts.endRaw)
	if err != nil {
		return err
	}
	provider, err := marketdata.New(opts.provider, marketdata.Options{
		BaseURL:        opts.baseURL,
		Timeout:        opts.timeout,
		RequestsPerSec: opts.rps,
	})
	if err != nil {
		return err
	}

	targetDir := filepath.Join(opts.outDir, provider.Name(), symbol, interval)
	writer, err := newDateWriter(targetDir)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	fmt.Fprintf(out, "fetching provider=%s symbol=%s interval=%s from=%s to=%s\n",
		provider.Name(), symbol, interval, start.Format(time.RFC3339), end.Add(-time.Millisecond).Format(time.RFC3339))

	cursor := start
	total, requests := 0, 0
	for cursor.Before(end) {
		batch, err := fetchPage(ctx, provider, marketdata.CandleQuery{
			Symbol:   symbol,
			Interval: interval,
			Start:    cursor,
			End:      end.Add(-time.Millisecond),
			Limit:    opts.pageLimit,
		}, opts.maxAttempts, logger)
		if err != nil {
			return err
		}
		requests++
		advanced := false
		for _, c := range batch {
			if c.OpenTime.Before(cursor) || !c.OpenTime.Before(end) {
				continue
			}
			if err := writer.write(c.OpenTime.UTC().Format("2006-01-02"), encodeCandle(symbol, interval, c)); err != nil {
				return err
			}
			total++
			cursor = c.OpenTime.Add(time.Millisecond)
			advanced = true
		}
		if !advanced {
			break
		}
		if requests%20 == 0 {
			logger.Info("download_progress",
				zap.Int("requests", requests),
				zap.Int("records", total),
				zap.Time("last", cursor),
			)
		}
	}
	fmt.Fprintf(out, "done: records=%d requests=%d output=%s\n", total, requests, targetDir)
	return nil
}

// fetchPage retries transient failures with a linear backoff. Venues that do
// not serve candles fail at once.
func fetchPage(ctx context.Context, p marketdata.Provider, q marketdata.CandleQuery, attempts int, logger *zap.Logger) ([]core.Candle, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		candles, err := p.Candles(ctx, q)
		if err == nil {
			return candles, nil
		}
		if errors.Is(err, core.ErrCandlesUnsupported) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logger.Warn("candle_fetch_retry",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempt+1),
			zap.Time("start", q.Start),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("fetch candles after %d attempts: %w", attempts, lastErr)
}

func encodeCandle(symbol, interval string, c core.Candle) []byte {
	ts := c.OpenTime.UTC()
	line := candleLine{
		Time:      ts.Format(time.RFC3339),
		Timestamp: ts.UnixMilli(),
		Symbol:    symbol,
		Interval:  interval,
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
		Volume:    c.Volume.String(),
	}
	data, _ := json.Marshal(line)
	return data
}
