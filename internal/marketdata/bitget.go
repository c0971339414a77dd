package marketdata

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

const bitgetBaseURL = "https://api.bitget.com"

// Bitget quotes spot tickers only.
type Bitget struct {
	rest *restClient
}

func NewBitget(opts Options) *Bitget {
	return &Bitget{rest: newRESTClient("bitget", bitgetBaseURL, opts)}
}

func (b *Bitget) Name() string { return "bitget" }

func (b *Bitget) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := BinanceSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	params := url.Values{}
	params.Set("symbol", sym)
	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol string      `json:"symbol"`
			LastPr interface{} `json:"lastPr"`
		} `json:"data"`
	}
	if err := b.rest.getJSON(ctx, "/api/v2/spot/market/tickers", params, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Code != "00000" {
		return decimal.Zero, APIError{Venue: "bitget", Code: resp.Code, Msg: resp.Msg}
	}
	if len(resp.Data) == 0 {
		return decimal.Zero, fmt.Errorf("bitget ticker %s: %w", sym, core.ErrUnknownSymbol)
	}
	return toDecimal(resp.Data[0].LastPr)
}

func (b *Bitget) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	return nil, fmt.Errorf("bitget: %w", core.ErrCandlesUnsupported)
}
