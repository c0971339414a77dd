package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/backtest"
)

var hundred = decimal.NewFromInt(100)

// accounting tracks equity over the run: drawdown against the high watermark
// and the last equity seen on each UTC day.
type accounting struct {
	started          bool
	startEquity      decimal.Decimal
	highWatermark    decimal.Decimal
	maxDrawdown      decimal.Decimal
	maxDrawdownQuote decimal.Decimal
	dailyClose       map[string]decimal.Decimal
	dayOrder         []string
}

func newAccounting() *accounting {
	return &accounting{
		startEquity:      decimal.Zero,
		highWatermark:    decimal.Zero,
		maxDrawdown:      decimal.Zero,
		maxDrawdownQuote: decimal.Zero,
		dailyClose:       make(map[string]decimal.Decimal),
	}
}

func (a *accounting) record(snap backtest.Snapshot, at time.Time) {
	equity := snap.EquityQuote
	if !a.started {
		a.started = true
		a.startEquity = equity
	}
	if equity.Cmp(a.highWatermark) > 0 {
		a.highWatermark = equity
	}
	if a.highWatermark.Sign() > 0 {
		dd := a.highWatermark.Sub(equity)
		if dd.Cmp(a.maxDrawdownQuote) > 0 {
			a.maxDrawdownQuote = dd
		}
		if pct := dd.Div(a.highWatermark); pct.Cmp(a.maxDrawdown) > 0 {
			a.maxDrawdown = pct
		}
	}
	day := at.UTC().Format("2006-01-02")
	if _, ok := a.dailyClose[day]; !ok {
		a.dayOrder = append(a.dayOrder, day)
	}
	a.dailyClose[day] = equity
}

func (a *accounting) finish(result *Result, snap backtest.Snapshot) {
	result.FinalBalance.Base = snap.Base
	result.FinalBalance.Quote = snap.Quote
	result.FeesPaidQuote = snap.FeePaid
	result.BuyVolumeQuote = snap.BuyVolume
	result.SellVolumeQuote = snap.SellVolume
	result.NetQuoteFlow = snap.SellVolume.Sub(snap.BuyVolume).Sub(snap.FeePaid)
	result.StartEquityQuote = a.startEquity
	if result.EndPrice.Sign() > 0 {
		result.EndEquityQuote = snap.EquityQuote
	}
	result.MaxDrawdownPct = a.maxDrawdown.Mul(hundred)
	result.MaxDrawdownQuote = a.maxDrawdownQuote
	if a.startEquity.Sign() > 0 {
		result.TotalReturnPct = result.EndEquityQuote.Sub(a.startEquity).Div(a.startEquity).Mul(hundred)
	}
	prev := a.startEquity
	for _, day := range a.dayOrder {
		closeEquity := a.dailyClose[day]
		result.DailyPnLQuoteSeries = append(result.DailyPnLQuoteSeries, DailyPnL{
			Date:     day,
			PnLQuote: closeEquity.Sub(prev),
		})
		prev = closeEquity
	}
}
