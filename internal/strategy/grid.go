package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/grid"
)

// Grid is the grid engine: a fixed ladder plus the mutable order book and position.
// All mutators are serialized by mu; Status and Events copy out.
type Grid struct {
	symbol string
	ladder grid.Ladder

	mu       sync.Mutex
	orders   map[string]*core.Order
	position decimal.Decimal
	events   []core.Event
	seq      uint64
	seeded   bool
	// history caps the in-memory events; older ones live only in the journal.
	history int

	reporter core.Reporter
	now      func() time.Time
}

const defaultEventHistory = 10000

type Option func(*Grid)

// WithStartSeq continues numbering after seq, normally the journal's last
// stored sequence, so a restarted engine appends instead of overwriting.
func WithStartSeq(seq uint64) Option {
	return func(g *Grid) { g.seq = seq }
}

// WithEventHistory bounds how many events Events can return. Zero keeps the
// default, negative keeps everything.
func WithEventHistory(n int) Option {
	return func(g *Grid) {
		if n != 0 {
			g.history = n
		}
	}
}

func WithReporter(r core.Reporter) Option {
	return func(g *Grid) { g.reporter = r }
}

func WithClock(now func() time.Time) Option {
	return func(g *Grid) {
		if now != nil {
			g.now = now
		}
	}
}

// SeedResult describes what SeedOrders did with a price observation.
type SeedResult struct {
	Interval int
	InRange  bool
	Placed   []core.Order
}

// FillResult describes the outcome of RecordFill.
type FillResult struct {
	Filled  core.Order
	Spawned core.Order
	Err     error
}

func NewGrid(cfg grid.Config, opts ...Option) (*Grid, error) {
	ladder, err := grid.Build(cfg)
	if err != nil {
		return nil, err
	}
	g := &Grid{
		symbol:   cfg.Symbol,
		ladder:   ladder,
		orders:   make(map[string]*core.Order),
		position: decimal.Zero,
		now:      time.Now,
		history:  defaultEventHistory,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Grid) Symbol() string { return g.symbol }

// Seeded reports whether an in-range SeedOrders call has happened.
func (g *Grid) Seeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seeded
}

// Ladder returns a copy of the static ladder.
func (g *Grid) Ladder() grid.Ladder {
	return grid.Ladder{
		Step:           g.ladder.Step,
		Levels:         append([]decimal.Decimal(nil), g.ladder.Levels...),
		Amounts:        append([]decimal.Decimal(nil), g.ladder.Amounts...),
		PricePrecision: g.ladder.PricePrecision,
	}
}

// SeedOrders places buys strictly below and sells strictly above the interval
// containing price. The interval itself stays empty. Out-of-range prices place nothing.
func (g *Grid) SeedOrders(price decimal.Decimal) SeedResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.ladder.Interval(price)
	if !ok {
		g.emit(core.Event{
			Kind:   core.EventOutOfRange,
			Price:  price,
			Detail: fmt.Sprintf("range [%s, %s)", g.ladder.Lowest(), g.ladder.Highest()),
		})
		return SeedResult{}
	}
	placed := make([]core.Order, 0, len(g.ladder.Amounts)-1)
	for i := 0; i < idx; i++ {
		placed = append(placed, g.placeLocked(core.Buy, g.ladder.Levels[i], g.ladder.Amounts[i], i))
	}
	// A sell at level j carries the amount bought in the interval below it.
	for j := idx + 1; j < len(g.ladder.Amounts); j++ {
		placed = append(placed, g.placeLocked(core.Sell, g.ladder.Levels[j], g.ladder.Amounts[j-1], j))
	}
	g.seeded = true
	g.emit(core.Event{
		Kind:   core.EventSeeded,
		Price:  price,
		Detail: fmt.Sprintf("interval=%d placed=%d", idx, len(placed)),
	})
	return SeedResult{Interval: idx, InRange: true, Placed: placed}
}

// RecordFill applies a fill: position moves by the order amount and the opposite
// side is placed one rung away with the same amount.
func (g *Grid) RecordFill(orderID string) FillResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	ord, ok := g.orders[orderID]
	if !ok {
		g.emit(core.Event{Kind: core.EventUnknownOrder, OrderID: orderID, Detail: "fill"})
		return FillResult{Err: fmt.Errorf("fill %s: %w", orderID, core.ErrOrderNotFound)}
	}
	if ord.Status != core.OrderPending {
		g.emit(core.Event{
			Kind:     core.EventOrderNotPending,
			OrderID:  orderID,
			Side:     ord.Side,
			Price:    ord.Price,
			Revision: ord.Revision,
			Detail:   "fill on " + string(ord.Status),
		})
		return FillResult{Err: fmt.Errorf("fill %s: %w", orderID, core.ErrOrderNotPending)}
	}

	var (
		price decimal.Decimal
		index int
	)
	switch ord.Side {
	case core.Buy:
		g.position = g.position.Add(ord.Amount)
		price, index = g.ladder.Above(ord.Price)
	default:
		g.position = g.position.Sub(ord.Amount)
		price, index = g.ladder.Below(ord.Price)
	}
	ord.Status = core.OrderFilled
	ord.UpdatedAt = g.now().UTC()
	filled := *ord
	g.emit(core.Event{
		Kind:     core.EventOrderFilled,
		OrderID:  filled.ID,
		Side:     filled.Side,
		Price:    filled.Price,
		Amount:   filled.Amount,
		Revision: filled.Revision,
	})
	spawned := g.placeLocked(filled.Side.Opposite(), price, filled.Amount, index)
	return FillResult{Filled: filled, Spawned: spawned}
}

// RecordCancel applies a single cancel or reject acknowledgement from the gateway.
func (g *Grid) RecordCancel(orderID string) (core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ord, ok := g.orders[orderID]
	if !ok {
		g.emit(core.Event{Kind: core.EventUnknownOrder, OrderID: orderID, Detail: "cancel"})
		return core.Order{}, fmt.Errorf("cancel %s: %w", orderID, core.ErrOrderNotFound)
	}
	if ord.Status != core.OrderPending {
		g.emit(core.Event{
			Kind:     core.EventOrderNotPending,
			OrderID:  orderID,
			Side:     ord.Side,
			Price:    ord.Price,
			Revision: ord.Revision,
			Detail:   "cancel on " + string(ord.Status),
		})
		return *ord, fmt.Errorf("cancel %s: %w", orderID, core.ErrOrderNotPending)
	}
	g.cancelLocked(ord)
	return *ord, nil
}

// CancelAll moves every pending order to cancelled and returns those it touched.
// A second call returns nothing and changes nothing.
func (g *Grid) CancelAll() []core.Order {
	g.mu.Lock()
	defer g.mu.Unlock()

	cancelled := make([]core.Order, 0)
	for _, ord := range g.sortedLocked() {
		if ord.Status != core.OrderPending {
			continue
		}
		g.cancelLocked(ord)
		cancelled = append(cancelled, *ord)
	}
	return cancelled
}

func (g *Grid) Status() core.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	sorted := g.sortedLocked()
	orders := make([]core.Order, 0, len(sorted))
	for _, ord := range sorted {
		orders = append(orders, *ord)
	}
	return core.Snapshot{
		Symbol:    g.symbol,
		Step:      g.ladder.Step,
		Position:  g.position,
		Orders:    orders,
		LastSeq:   g.seq,
		UpdatedAt: g.now().UTC(),
	}
}

func (g *Grid) Position() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position
}

// Pending returns resting orders ascending by price, buys before sells on a tie.
func (g *Grid) Pending() []core.Order {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.Order, 0)
	for _, ord := range g.sortedLocked() {
		if ord.Status == core.OrderPending {
			out = append(out, *ord)
		}
	}
	return out
}

// Events returns the retained journal entries with Seq > after. Entries
// trimmed by the history cap are only available from the durable journal.
func (g *Grid) Events(after uint64) []core.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := sort.Search(len(g.events), func(i int) bool { return g.events[i].Seq > after })
	return append([]core.Event(nil), g.events[start:]...)
}

// StartRun journals a run boundary. It places nothing.
func (g *Grid) StartRun(detail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emit(core.Event{Kind: core.EventRunStarted, Detail: detail})
}

func (g *Grid) Init(ctx context.Context, price decimal.Decimal) ([]core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.SeedOrders(price).Placed, nil
}

// OnFill swallows unknown and stale fills after they are reported; only context errors propagate.
func (g *Grid) OnFill(ctx context.Context, fill core.Fill) ([]core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := g.RecordFill(fill.OrderID)
	if res.Err != nil {
		return nil, nil
	}
	return []core.Order{res.Spawned}, nil
}

func (g *Grid) Shutdown(ctx context.Context) ([]core.Order, error) {
	return g.CancelAll(), nil
}

func (g *Grid) placeLocked(side core.Side, price, amount decimal.Decimal, index int) core.Order {
	key := core.OrderKey{Side: side, Price: price}
	id := key.ID()
	now := g.now().UTC()
	ord := &core.Order{
		ID:        id,
		Symbol:    g.symbol,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Status:    core.OrderPending,
		GridIndex: index,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, ok := g.orders[id]; ok {
		ord.Revision = prev.Revision + 1
		g.emit(core.Event{
			Kind:     core.EventOrderReplaced,
			OrderID:  id,
			Side:     prev.Side,
			Price:    prev.Price,
			Amount:   prev.Amount,
			Revision: prev.Revision,
			Detail:   "superseded " + string(prev.Status),
		})
	}
	g.orders[id] = ord
	g.emit(core.Event{
		Kind:     core.EventOrderPlaced,
		OrderID:  id,
		Side:     side,
		Price:    price,
		Amount:   amount,
		Revision: ord.Revision,
	})
	return *ord
}

func (g *Grid) cancelLocked(ord *core.Order) {
	ord.Status = core.OrderCancelled
	ord.UpdatedAt = g.now().UTC()
	g.emit(core.Event{
		Kind:     core.EventOrderCancelled,
		OrderID:  ord.ID,
		Side:     ord.Side,
		Price:    ord.Price,
		Amount:   ord.Amount,
		Revision: ord.Revision,
	})
}

func (g *Grid) sortedLocked() []*core.Order {
	out := make([]*core.Order, 0, len(g.orders))
	for _, ord := range g.orders {
		out = append(out, ord)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].Side < out[j].Side
	})
	return out
}

func (g *Grid) emit(ev core.Event) {
	g.seq++
	ev.Seq = g.seq
	ev.Symbol = g.symbol
	ev.Position = g.position
	if ev.Time.IsZero() {
		ev.Time = g.now().UTC()
	}
	g.events = append(g.events, ev)
	if g.history > 0 && len(g.events) > g.history {
		// Reslicing drops the head; the next growing append leaves the old array behind.
		g.events = g.events[len(g.events)-g.history:]
	}
	if g.reporter != nil {
		g.reporter.Report(ev)
	}
}

var _ Strategy = (*Grid)(nil)
