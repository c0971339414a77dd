package marketdata

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

const (
	binanceBaseURL     = "https://api.binance.com"
	binanceCandleLimit = 1000
)

var binanceKlineCols = [6]int{0, 1, 2, 3, 4, 5}

type Binance struct {
	rest *restClient
}

func NewBinance(opts Options) *Binance {
	return &Binance{rest: newRESTClient("binance", binanceBaseURL, opts)}
}

func (b *Binance) Name() string { return "binance" }

// BinanceSymbol renders "btc", "BTC-USDT" or "btcusdt" as "BTCUSDT".
func BinanceSymbol(symbol string) (string, error) {
	base, err := baseAsset(symbol)
	if err != nil {
		return "", err
	}
	return base + "USDT", nil
}

func (b *Binance) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := BinanceSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	params := url.Values{}
	params.Set("symbol", sym)
	var resp struct {
		Symbol string      `json:"symbol"`
		Price  interface{} `json:"price"`
	}
	if err := b.rest.getJSON(ctx, "/api/v3/ticker/price", params, &resp); err != nil {
		return decimal.Zero, err
	}
	return toDecimal(resp.Price)
}

func (b *Binance) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	sym, err := BinanceSymbol(q.Symbol)
	if err != nil {
		return nil, err
	}
	interval := q.Interval
	if interval == "" {
		interval = "1d"
	}
	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("interval", interval)
	if q.hasRange() {
		params.Set("startTime", strconv.FormatInt(q.Start.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(q.End.UnixMilli(), 10))
	}
	if q.Limit != 0 {
		params.Set("limit", strconv.Itoa(capLimit(q.Limit, binanceCandleLimit)))
	}
	var rows [][]interface{}
	if err := b.rest.getJSON(ctx, "/api/v3/klines", params, &rows); err != nil {
		return nil, err
	}
	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseRow(row, binanceKlineCols, time.Millisecond)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	sortCandles(candles)
	return candles, nil
}
