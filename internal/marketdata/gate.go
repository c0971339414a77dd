package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

const (
	gateTickerBaseURL = "https://data.gateapi.io"
	gateBaseURL       = "https://api.gateio.ws"
	gateCandleLimit   = 1000
)

// Gate candlestick rows: [ts, quote_volume, close, high, low, open, base_volume, closed].
var gateCandleCols = [6]int{0, 5, 3, 4, 2, 6}

// Gate serves the legacy ticker and the v4 candles from different hosts.
// A configured BaseURL replaces both.
type Gate struct {
	ticker *restClient
	rest   *restClient
}

func NewGate(opts Options) *Gate {
	return &Gate{
		ticker: newRESTClient("gate", gateTickerBaseURL, opts),
		rest:   newRESTClient("gate", gateBaseURL, opts),
	}
}

func (g *Gate) Name() string { return "gate" }

// GatePair renders any spelling of a USDT pair as "BTC_USDT".
func GatePair(symbol string) (string, error) {
	base, err := baseAsset(symbol)
	if err != nil {
		return "", err
	}
	return base + "_USDT", nil
}

func (g *Gate) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair, err := GatePair(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Result  interface{} `json:"result"`
		Message string      `json:"message"`
		Last    interface{} `json:"last"`
	}
	path := "/api2/1/ticker/" + url.PathEscape(strings.ToLower(pair))
	if err := g.ticker.getJSON(ctx, path, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Last == nil {
		return decimal.Zero, fmt.Errorf("gate ticker %s: %s", pair, resp.Message)
	}
	return toDecimal(resp.Last)
}

func (g *Gate) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	pair, err := GatePair(q.Symbol)
	if err != nil {
		return nil, err
	}
	interval := q.Interval
	if interval == "" {
		interval = "1d"
	}
	params := url.Values{}
	params.Set("currency_pair", pair)
	params.Set("interval", interval)
	if q.hasRange() {
		params.Set("from", strconv.FormatInt(q.Start.Unix(), 10))
		params.Set("to", strconv.FormatInt(q.End.Unix(), 10))
	}
	if q.Limit != 0 {
		params.Set("limit", strconv.Itoa(capLimit(q.Limit, gateCandleLimit)))
	}
	var rows [][]interface{}
	if err := g.rest.getJSON(ctx, "/api/v4/spot/candlesticks", params, &rows); err != nil {
		return nil, err
	}
	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseRow(row, gateCandleCols, time.Second)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	sortCandles(candles)
	return candles, nil
}
