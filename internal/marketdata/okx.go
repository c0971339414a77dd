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
	okxBaseURL     = "https://www.okx.com"
	okxCandleLimit = 100
)

// OKX index candles carry no volume column.
var okxCandleCols = [6]int{0, 1, 2, 3, 4, -1}

type OKX struct {
	rest *restClient
}

func NewOKX(opts Options) *OKX {
	return &OKX{rest: newRESTClient("okx", okxBaseURL, opts)}
}

func (o *OKX) Name() string { return "okx" }

// OKXInstID renders any spelling of a USDT pair as "BTC-USDT".
func OKXInstID(symbol string) (string, error) {
	base, err := baseAsset(symbol)
	if err != nil {
		return "", err
	}
	return base + "-USDT", nil
}

// okxBar keeps minute bars lowercase and upper-cases the rest ("1h" -> "1H").
func okxBar(interval string) string {
	switch interval {
	case "":
		return "1D"
	case "1m", "3m", "5m", "15m", "30m":
		return interval
	}
	return strings.ToUpper(interval)
}

type okxEnvelope struct {
	Code string        `json:"code"`
	Msg  string        `json:"msg"`
	Data []interface{} `json:"data"`
}

func (e okxEnvelope) err() error {
	if e.Code == "0" {
		return nil
	}
	return APIError{Venue: "okx", Code: e.Code, Msg: e.Msg}
}

func (o *OKX) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	inst, err := OKXInstID(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	params := url.Values{}
	params.Set("instId", inst)
	var env okxEnvelope
	if err := o.rest.getJSON(ctx, "/api/v5/market/ticker", params, &env); err != nil {
		return decimal.Zero, err
	}
	if err := env.err(); err != nil {
		return decimal.Zero, err
	}
	if len(env.Data) == 0 {
		return decimal.Zero, fmt.Errorf("okx ticker %s: %w", inst, core.ErrUnknownSymbol)
	}
	ticker, ok := env.Data[0].(map[string]interface{})
	if !ok {
		return decimal.Zero, fmt.Errorf("okx ticker %s: unexpected payload", inst)
	}
	return toDecimal(ticker["last"])
}

func (o *OKX) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	inst, err := OKXInstID(q.Symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("instId", inst)
	params.Set("bar", okxBar(q.Interval))
	if q.hasRange() {
		params.Set("before", strconv.FormatInt(q.Start.UnixMilli(), 10))
		params.Set("after", strconv.FormatInt(q.End.UnixMilli(), 10))
	}
	if q.Limit != 0 {
		params.Set("limit", strconv.Itoa(capLimit(q.Limit, okxCandleLimit)))
	}
	var env okxEnvelope
	if err := o.rest.getJSON(ctx, "/api/v5/market/history-index-candles", params, &env); err != nil {
		return nil, err
	}
	if err := env.err(); err != nil {
		return nil, err
	}
	candles := make([]core.Candle, 0, len(env.Data))
	for _, raw := range env.Data {
		row, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("okx candle: unexpected row %T", raw)
		}
		c, err := parseRow(row, okxCandleCols, time.Millisecond)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	// OKX returns newest first.
	sortCandles(candles)
	return candles, nil
}
