package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/exchange"
)

// SimExchange is a spot paper venue. Orders rest under the engine's id and fill
// in full at their own price once a tick trades through them. Balances are not
// reserved, so an underfunded grid shows up as a negative balance.
type SimExchange struct {
	symbol string

	mu         sync.Mutex
	base       decimal.Decimal
	quote      decimal.Decimal
	makerFee   decimal.Decimal
	rules      core.Rules
	feePaid    decimal.Decimal
	openOrders map[string]core.Order
	lastPrice  decimal.Decimal
	fills      int
	buyVolume  decimal.Decimal
	sellVolume decimal.Decimal
}

func NewSimExchange(symbol string, balance core.Balance) *SimExchange {
	return &SimExchange{
		symbol:     symbol,
		base:       balance.Base,
		quote:      balance.Quote,
		makerFee:   decimal.Zero,
		feePaid:    decimal.Zero,
		openOrders: make(map[string]core.Order),
		lastPrice:  decimal.Zero,
		buyVolume:  decimal.Zero,
		sellVolume: decimal.Zero,
	}
}

func (s *SimExchange) SetMakerFee(rate decimal.Decimal) error {
	if rate.Cmp(decimal.Zero) < 0 {
		return errors.New("fee rate must be >= 0")
	}
	s.mu.Lock()
	s.makerFee = rate
	s.mu.Unlock()
	return nil
}

// SetRules installs the order filters PlaceOrder enforces.
func (s *SimExchange) SetRules(rules core.Rules) error {
	for name, v := range map[string]decimal.Decimal{
		"min_qty":      rules.MinQty,
		"min_notional": rules.MinNotional,
		"price_tick":   rules.PriceTick,
		"qty_step":     rules.QtyStep,
	} {
		if v.Sign() < 0 {
			return fmt.Errorf("rule %s must be >= 0", name)
		}
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	return nil
}

func (s *SimExchange) Rules() core.Rules {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}

func (s *SimExchange) Name() string { return "sim" }

// PlaceOrder rests order. Placing an id that is already resting replaces it.
// Orders breaking the venue rules are rejected and nothing rests.
func (s *SimExchange) PlaceOrder(ctx context.Context, order core.Order) error {
	if order.Symbol != s.symbol {
		return fmt.Errorf("place %s: %w: %s", order.ID, core.ErrUnknownSymbol, order.Symbol)
	}
	if order.ID == "" {
		return fmt.Errorf("place: %w: empty id", core.ErrInvalidOrder)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := core.CheckOrder(order, s.rules); err != nil {
		return fmt.Errorf("place %s: %w", order.ID, err)
	}
	s.openOrders[order.ID] = order
	return nil
}

func (s *SimExchange) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openOrders[orderID]; !ok {
		return fmt.Errorf("cancel %s: %w", orderID, core.ErrOrderNotFound)
	}
	delete(s.openOrders, orderID)
	return nil
}

// OpenOrders returns resting orders ascending by price.
func (s *SimExchange) OpenOrders() []core.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Order, 0, len(s.openOrders))
	for _, ord := range s.openOrders {
		out = append(out, ord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

// Match fills every resting order the move to price trades through. Fills come
// back in the order the price path reaches them: nearest to the previous price first.
func (s *SimExchange) Match(price decimal.Decimal, ts time.Time) []core.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastPrice
	if prev.Sign() <= 0 {
		prev = price
	}
	s.lastPrice = price

	hit := make([]core.Order, 0)
	for _, ord := range s.openOrders {
		if shouldFill(ord, price) {
			hit = append(hit, ord)
		}
	}
	sort.Slice(hit, func(i, j int) bool {
		di := hit[i].Price.Sub(prev).Abs()
		dj := hit[j].Price.Sub(prev).Abs()
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return hit[i].ID < hit[j].ID
	})

	fills := make([]core.Fill, 0, len(hit))
	for _, ord := range hit {
		fee := s.applyFill(ord.Side, ord.Amount, ord.Price)
		delete(s.openOrders, ord.ID)
		fills = append(fills, core.Fill{
			OrderID: ord.ID,
			Symbol:  ord.Symbol,
			Side:    ord.Side,
			Price:   ord.Price,
			Amount:  ord.Amount,
			Fee:     fee,
			Time:    ts,
		})
	}
	return fills
}

func shouldFill(ord core.Order, price decimal.Decimal) bool {
	switch ord.Side {
	case core.Buy:
		return price.Cmp(ord.Price) <= 0
	case core.Sell:
		return price.Cmp(ord.Price) >= 0
	default:
		return false
	}
}

// applyFill books a maker fill and returns the quote fee charged.
func (s *SimExchange) applyFill(side core.Side, qty, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(qty)
	fee := notional.Mul(s.makerFee)
	s.feePaid = s.feePaid.Add(fee)
	s.fills++
	switch side {
	case core.Buy:
		s.base = s.base.Add(qty)
		s.quote = s.quote.Sub(notional).Sub(fee)
		s.buyVolume = s.buyVolume.Add(notional)
	case core.Sell:
		s.base = s.base.Sub(qty)
		s.quote = s.quote.Add(notional).Sub(fee)
		s.sellVolume = s.sellVolume.Add(notional)
	}
	return fee
}

func (s *SimExchange) Balances() core.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.Balance{Base: s.base, Quote: s.quote}
}

type Snapshot struct {
	Base        decimal.Decimal `json:"base"`
	Quote       decimal.Decimal `json:"quote"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	EquityQuote decimal.Decimal `json:"equity_quote"`
	FeePaid     decimal.Decimal `json:"fee_paid"`
	BuyVolume   decimal.Decimal `json:"buy_volume"`
	SellVolume  decimal.Decimal `json:"sell_volume"`
	Fills       int             `json:"fills"`
	OpenOrders  int             `json:"open_orders"`
}

// Snapshot marks balances at price, or at the last matched price when price <= 0.
func (s *SimExchange) Snapshot(price decimal.Decimal) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if price.Sign() <= 0 {
		price = s.lastPrice
	}
	return Snapshot{
		Base:        s.base,
		Quote:       s.quote,
		MarkPrice:   price,
		EquityQuote: s.quote.Add(s.base.Mul(price)),
		FeePaid:     s.feePaid,
		BuyVolume:   s.buyVolume,
		SellVolume:  s.sellVolume,
		Fills:       s.fills,
		OpenOrders:  len(s.openOrders),
	}
}

var _ exchange.Gateway = (*SimExchange)(nil)
