package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Opposite returns the side a fill on s re-seeds.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// OrderKey identifies the rung an order rests on. At most one order is current per key.
type OrderKey struct {
	Side  Side
	Price decimal.Decimal
}

// ID renders the key as "buy_95" / "sell_100.5".
func (k OrderKey) ID() string {
	return strings.ToLower(string(k.Side)) + "_" + k.Price.String()
}

type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Status    OrderStatus     `json:"status"`
	Revision  int             `json:"revision"`
	GridIndex int             `json:"grid_index"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (o Order) Key() OrderKey {
	return OrderKey{Side: o.Side, Price: o.Price}
}

// Fill is what an execution gateway reports back once an order has traded.
type Fill struct {
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	Fee     decimal.Decimal `json:"fee"`
	Time    time.Time       `json:"time"`
}

type Balance struct {
	Base  decimal.Decimal `json:"base"`
	Quote decimal.Decimal `json:"quote"`
}

// Snapshot is a point-in-time copy of engine state. Nothing in it aliases engine memory.
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Step      decimal.Decimal `json:"step"`
	Position  decimal.Decimal `json:"position"`
	Orders    []Order         `json:"orders"`
	LastSeq   uint64          `json:"last_seq"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PendingOrders filters the snapshot down to orders still resting.
func (s Snapshot) PendingOrders() []Order {
	out := make([]Order, 0, len(s.Orders))
	for _, o := range s.Orders {
		if o.Status == OrderPending {
			out = append(out, o)
		}
	}
	return out
}

// Tick is one price observation from a feed.
type Tick struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// Candle is one OHLCV bar. Volume is zero when the venue does not report it.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}
