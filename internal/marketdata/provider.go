package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

// Provider quotes a current price and, where the venue allows, historical candles.
type Provider interface {
	Name() string
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error)
}

// CandleQuery bounds a candle request. Start and End are only sent when both are set.
// Limit <= 0 leaves the venue default in place.
type CandleQuery struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
	Limit    int
}

func (q CandleQuery) hasRange() bool {
	return !q.Start.IsZero() && !q.End.IsZero()
}

type Options struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	HTTPClient     *http.Client

	// uniswapv2 and uniswapv3 only.
	RPCURL      string
	PoolAddress string
	Invert      bool
}

type Constructor func(opts Options) (Provider, error)

var registry = map[string]Constructor{
	"binance": func(o Options) (Provider, error) { return NewBinance(o), nil },
	"okx":     func(o Options) (Provider, error) { return NewOKX(o), nil },
	"gate":    func(o Options) (Provider, error) { return NewGate(o), nil },
	"bitget":  func(o Options) (Provider, error) { return NewBitget(o), nil },
	"uniswapv2": func(o Options) (Provider, error) {
		u, err := DialUniswapV2(o)
		if err != nil {
			return nil, err
		}
		return u, nil
	},
	"uniswapv3": func(o Options) (Provider, error) {
		u, err := DialUniswapV3(o)
		if err != nil {
			return nil, err
		}
		return u, nil
	},
}

// New builds the provider registered under name.
func New(name string, opts Options) (Provider, error) {
	ctor, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownProvider, name)
	}
	return ctor(opts)
}

// Names lists registered providers in a stable order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain asks each provider in turn and returns the first answer.
type Chain []Provider

func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, p := range c {
		names = append(names, p.Name())
	}
	return strings.Join(names, ",")
}

func (c Chain) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var errs []error
	for _, p := range c {
		price, err := p.CurrentPrice(ctx, symbol)
		if err == nil {
			return price, nil
		}
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		return decimal.Zero, core.ErrUnknownProvider
	}
	return decimal.Zero, errors.Join(errs...)
}

func (c Chain) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	var errs []error
	for _, p := range c {
		candles, err := p.Candles(ctx, q)
		if err == nil {
			return candles, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		return nil, core.ErrUnknownProvider
	}
	return nil, errors.Join(errs...)
}

// baseAsset strips separators and a trailing USDT quote: "btc-usdt" -> "BTC".
func baseAsset(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	s = strings.TrimSuffix(s, "USDT")
	if s == "" {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownSymbol, symbol)
	}
	return s, nil
}

func capLimit(limit, max int) int {
	if limit > max || limit < 0 {
		return max
	}
	return limit
}

func sortCandles(candles []core.Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
}

var (
	_ Provider = (*Binance)(nil)
	_ Provider = (*OKX)(nil)
	_ Provider = (*Gate)(nil)
	_ Provider = (*Bitget)(nil)
	_ Provider = (*UniswapV2)(nil)
	_ Provider = Chain(nil)
)
