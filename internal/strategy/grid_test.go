package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
	"grid-engine/internal/grid"
)

type reporterSpy struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *reporterSpy) Report(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *reporterSpy) kinds(kind core.EventKind) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Event, 0)
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func fixedClock() func() time.Time {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func newTestGrid(t *testing.T, spy *reporterSpy) *Grid {
	t.Helper()
	cfg, err := grid.NewConfig(
		"BTCUSDT",
		decimal.RequireFromString("90"),
		decimal.RequireFromString("110"),
		4,
		decimal.RequireFromString("1000"),
		8,
		8,
	)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	opts := []Option{WithClock(fixedClock())}
	if spy != nil {
		opts = append(opts, WithReporter(spy))
	}
	g, err := NewGrid(cfg, opts...)
	if err != nil {
		t.Fatalf("NewGrid() error = %v", err)
	}
	return g
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestSeedOrdersPlacesAroundDeadZone(t *testing.T) {
	spy := &reporterSpy{}
	g := newTestGrid(t, spy)

	res := g.SeedOrders(dec("97"))
	if !res.InRange || res.Interval != 1 {
		t.Fatalf("SeedOrders(97) = interval %d in_range %v, want 1 true", res.Interval, res.InRange)
	}
	if len(res.Placed) != 3 {
		t.Fatalf("placed %d orders, want 3", len(res.Placed))
	}
	ladder := g.Ladder()
	want := []struct {
		id     string
		side   core.Side
		amount decimal.Decimal
	}{
		{"buy_90", core.Buy, ladder.Amounts[0]},
		{"sell_100", core.Sell, ladder.Amounts[1]},
		{"sell_105", core.Sell, ladder.Amounts[2]},
	}
	for i, w := range want {
		got := res.Placed[i]
		if got.ID != w.id || got.Side != w.side || !got.Amount.Equal(w.amount) || got.Status != core.OrderPending {
			t.Fatalf("placed[%d] = %+v, want id=%s side=%s amount=%s", i, got, w.id, w.side, w.amount)
		}
	}
	st := g.Status()
	for _, ord := range st.Orders {
		if ord.Price.Equal(dec("95")) {
			t.Fatalf("unexpected order in dead zone: %+v", ord)
		}
	}
	if len(spy.kinds(core.EventSeeded)) != 1 {
		t.Fatalf("seeded events = %d, want 1", len(spy.kinds(core.EventSeeded)))
	}
	if !g.Seeded() {
		t.Fatalf("Seeded() = false after in-range seed")
	}
}

func TestSeedOrdersOutOfRangeIsNoop(t *testing.T) {
	for _, price := range []string{"120", "110", "89.5"} {
		spy := &reporterSpy{}
		g := newTestGrid(t, spy)
		res := g.SeedOrders(dec(price))
		if res.InRange || len(res.Placed) != 0 {
			t.Fatalf("SeedOrders(%s) = %+v, want no orders", price, res)
		}
		if n := len(g.Status().Orders); n != 0 {
			t.Fatalf("SeedOrders(%s) left %d orders, want 0", price, n)
		}
		if len(spy.kinds(core.EventOutOfRange)) != 1 {
			t.Fatalf("SeedOrders(%s) out_of_range events = %d, want 1", price, len(spy.kinds(core.EventOutOfRange)))
		}
		if g.Seeded() {
			t.Fatalf("Seeded() = true after out-of-range seed")
		}
	}
}

func TestRecordFillBuySpawnsSellOneRungUp(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))

	res := g.RecordFill("buy_90")
	if res.Err != nil {
		t.Fatalf("RecordFill() error = %v", res.Err)
	}
	if res.Filled.Status != core.OrderFilled {
		t.Fatalf("filled status = %s, want FILLED", res.Filled.Status)
	}
	if res.Spawned.ID != "sell_95" || res.Spawned.Side != core.Sell || !res.Spawned.Amount.Equal(res.Filled.Amount) {
		t.Fatalf("spawned = %+v, want sell_95 with amount %s", res.Spawned, res.Filled.Amount)
	}
	if !res.Spawned.Price.Equal(res.Filled.Price.Add(g.Ladder().Step)) {
		t.Fatalf("spawned price = %s, want filled+step", res.Spawned.Price)
	}
	if !g.Position().Equal(res.Filled.Amount) {
		t.Fatalf("position = %s, want %s", g.Position(), res.Filled.Amount)
	}
}

func TestRecordFillSellSpawnsBuyOneRungDown(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))

	res := g.RecordFill("sell_105")
	if res.Err != nil {
		t.Fatalf("RecordFill() error = %v", res.Err)
	}
	if res.Spawned.ID != "buy_100" || res.Spawned.Side != core.Buy || !res.Spawned.Amount.Equal(res.Filled.Amount) {
		t.Fatalf("spawned = %+v, want buy_100 with amount %s", res.Spawned, res.Filled.Amount)
	}
	if !g.Position().Equal(res.Filled.Amount.Neg()) {
		t.Fatalf("position = %s, want %s", g.Position(), res.Filled.Amount.Neg())
	}
}

func TestRecordFillUnknownOrderLeavesStateUnchanged(t *testing.T) {
	spy := &reporterSpy{}
	g := newTestGrid(t, spy)
	g.SeedOrders(dec("97"))
	before := g.Status()

	res := g.RecordFill("buy_12345")
	if !errors.Is(res.Err, core.ErrOrderNotFound) {
		t.Fatalf("RecordFill() error = %v, want ErrOrderNotFound", res.Err)
	}
	after := g.Status()
	if !after.Position.Equal(before.Position) || len(after.Orders) != len(before.Orders) {
		t.Fatalf("state changed: before=%+v after=%+v", before, after)
	}
	for i := range before.Orders {
		if before.Orders[i].ID != after.Orders[i].ID || before.Orders[i].Status != after.Orders[i].Status {
			t.Fatalf("order %d changed: %+v -> %+v", i, before.Orders[i], after.Orders[i])
		}
	}
	if len(spy.kinds(core.EventUnknownOrder)) != 1 {
		t.Fatalf("unknown_order events = %d, want 1", len(spy.kinds(core.EventUnknownOrder)))
	}
}

func TestRecordFillTwiceDoesNotDoubleCount(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))
	if res := g.RecordFill("buy_90"); res.Err != nil {
		t.Fatalf("RecordFill() error = %v", res.Err)
	}
	pos := g.Position()
	res := g.RecordFill("buy_90")
	if !errors.Is(res.Err, core.ErrOrderNotPending) {
		t.Fatalf("second RecordFill() error = %v, want ErrOrderNotPending", res.Err)
	}
	if !g.Position().Equal(pos) {
		t.Fatalf("position = %s after duplicate fill, want %s", g.Position(), pos)
	}
}

func TestPositionMatchesFilledFlow(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))

	// price drifts down, back up through two rungs, then down again
	sequence := []string{"buy_90", "sell_95", "sell_100", "buy_95", "sell_105", "buy_100", "buy_90"}
	for _, id := range sequence {
		if res := g.RecordFill(id); res.Err != nil {
			t.Fatalf("RecordFill(%s) error = %v", id, res.Err)
		}
	}
	filledFlow := decimal.Zero
	for _, ev := range g.Events(0) {
		if ev.Kind != core.EventOrderFilled {
			continue
		}
		if ev.Side == core.Buy {
			filledFlow = filledFlow.Add(ev.Amount)
		} else {
			filledFlow = filledFlow.Sub(ev.Amount)
		}
	}
	if !g.Position().Equal(filledFlow) {
		t.Fatalf("position = %s, want journal flow %s", g.Position(), filledFlow)
	}
	if want := g.Ladder().Amounts[0]; !g.Position().Equal(want) {
		t.Fatalf("position = %s, want %s", g.Position(), want)
	}
}

func TestReplacementBumpsRevisionAndKeepsHistory(t *testing.T) {
	spy := &reporterSpy{}
	g := newTestGrid(t, spy)
	g.SeedOrders(dec("97"))

	g.RecordFill("buy_90")  // spawns sell_95 rev 0
	g.RecordFill("sell_95") // spawns buy_90 rev 1
	res := g.RecordFill("buy_90")
	if res.Err != nil {
		t.Fatalf("RecordFill() error = %v", res.Err)
	}
	if res.Filled.Revision != 1 {
		t.Fatalf("filled revision = %d, want 1", res.Filled.Revision)
	}
	if res.Spawned.ID != "sell_95" || res.Spawned.Revision != 1 {
		t.Fatalf("spawned = %s rev %d, want sell_95 rev 1", res.Spawned.ID, res.Spawned.Revision)
	}
	if n := len(spy.kinds(core.EventOrderReplaced)); n != 2 {
		t.Fatalf("order_replaced events = %d, want 2", n)
	}
	ids := make(map[string]int)
	for _, ord := range g.Status().Orders {
		ids[ord.ID]++
	}
	for id, n := range ids {
		if n != 1 {
			t.Fatalf("order id %s appears %d times", id, n)
		}
	}
}

func TestCancelAllIsIdempotent(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))
	g.RecordFill("buy_90")

	first := g.CancelAll()
	if len(first) != 3 {
		t.Fatalf("first CancelAll() cancelled %d, want 3", len(first))
	}
	once := g.Status()
	second := g.CancelAll()
	if len(second) != 0 {
		t.Fatalf("second CancelAll() cancelled %d, want 0", len(second))
	}
	twice := g.Status()
	if len(once.Orders) != len(twice.Orders) || !once.Position.Equal(twice.Position) {
		t.Fatalf("state differs after second CancelAll")
	}
	for i := range once.Orders {
		if once.Orders[i] != twice.Orders[i] {
			t.Fatalf("order %d differs: %+v vs %+v", i, once.Orders[i], twice.Orders[i])
		}
	}
	for _, ord := range twice.Orders {
		if ord.ID == "buy_90" && ord.Status != core.OrderFilled {
			t.Fatalf("filled order touched by CancelAll: %+v", ord)
		}
	}
}

func TestRecordCancelSingleOrder(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))

	ord, err := g.RecordCancel("sell_100")
	if err != nil {
		t.Fatalf("RecordCancel() error = %v", err)
	}
	if ord.Status != core.OrderCancelled {
		t.Fatalf("status = %s, want CANCELLED", ord.Status)
	}
	if _, err := g.RecordCancel("sell_100"); !errors.Is(err, core.ErrOrderNotPending) {
		t.Fatalf("RecordCancel() again error = %v, want ErrOrderNotPending", err)
	}
	if _, err := g.RecordCancel("nope"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("RecordCancel(unknown) error = %v, want ErrOrderNotFound", err)
	}
	if res := g.RecordFill("sell_100"); !errors.Is(res.Err, core.ErrOrderNotPending) {
		t.Fatalf("RecordFill(cancelled) error = %v, want ErrOrderNotPending", res.Err)
	}
}

func TestStatusIsCopyOut(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))

	st := g.Status()
	st.Orders[0].Status = core.OrderFilled
	st.Orders[0].Amount = dec("999")
	again := g.Status()
	if again.Orders[0].Status != core.OrderPending || again.Orders[0].Amount.Equal(dec("999")) {
		t.Fatalf("status snapshot aliases engine state: %+v", again.Orders[0])
	}
	if again.Symbol != "BTCUSDT" || !again.Step.Equal(dec("5")) {
		t.Fatalf("status = %s/%s, want BTCUSDT/5", again.Symbol, again.Step)
	}
}

func TestConcurrentFillsKeepPositionConsistent(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("104"))

	pending := g.Pending()
	var wg sync.WaitGroup
	for _, ord := range pending {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			g.RecordFill(id)
			_ = g.Status()
		}(ord.ID)
	}
	wg.Wait()

	want := decimal.Zero
	for _, ev := range g.Events(0) {
		if ev.Kind != core.EventOrderFilled {
			continue
		}
		if ev.Side == core.Buy {
			want = want.Add(ev.Amount)
		} else {
			want = want.Sub(ev.Amount)
		}
	}
	if !g.Position().Equal(want) {
		t.Fatalf("position = %s, want %s", g.Position(), want)
	}
}

func TestEventsAfterSeq(t *testing.T) {
	g := newTestGrid(t, nil)
	g.SeedOrders(dec("97"))
	all := g.Events(0)
	if len(all) == 0 {
		t.Fatalf("Events(0) empty")
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq != all[i-1].Seq+1 {
			t.Fatalf("seq gap at %d: %d -> %d", i, all[i-1].Seq, all[i].Seq)
		}
	}
	tail := g.Events(all[len(all)-2].Seq)
	if len(tail) != 1 || tail[0].Seq != all[len(all)-1].Seq {
		t.Fatalf("Events(after) = %+v, want last event only", tail)
	}
}

func TestStartSeqContinuesJournalNumbering(t *testing.T) {
	cfg, err := grid.NewConfig("BTCUSDT", dec("90"), dec("110"), 4, dec("1000"), 8, 8)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	g, err := NewGrid(cfg, WithClock(fixedClock()), WithStartSeq(41))
	if err != nil {
		t.Fatalf("NewGrid() error = %v", err)
	}
	if got := g.Status().LastSeq; got != 41 {
		t.Fatalf("LastSeq before any event = %d, want 41", got)
	}
	g.StartRun("mode=backtest")
	g.SeedOrders(dec("97"))

	all := g.Events(0)
	if len(all) != 5 {
		t.Fatalf("Events(0) = %d, want run_started + 3 placed + seeded", len(all))
	}
	if all[0].Seq != 42 || all[0].Kind != core.EventRunStarted || all[0].Detail != "mode=backtest" {
		t.Fatalf("first event = %+v, want run_started at seq 42", all[0])
	}
	if last := all[len(all)-1].Seq; last != 46 || g.Status().LastSeq != 46 {
		t.Fatalf("last seq = %d status %d, want 46", last, g.Status().LastSeq)
	}
}

func TestEventHistoryKeepsNewest(t *testing.T) {
	cfg, err := grid.NewConfig("BTCUSDT", dec("90"), dec("110"), 4, dec("1000"), 8, 8)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	g, err := NewGrid(cfg, WithClock(fixedClock()), WithEventHistory(2))
	if err != nil {
		t.Fatalf("NewGrid() error = %v", err)
	}
	g.SeedOrders(dec("97"))
	g.CancelAll()

	all := g.Events(0)
	if len(all) != 2 {
		t.Fatalf("Events(0) = %d, want 2 retained", len(all))
	}
	if all[1].Seq != g.Status().LastSeq || all[0].Seq != all[1].Seq-1 {
		t.Fatalf("retained seqs = %d,%d, want the newest two", all[0].Seq, all[1].Seq)
	}
	if got := g.Events(all[0].Seq); len(got) != 1 {
		t.Fatalf("Events(after) = %d, want 1", len(got))
	}
}

func TestStrategyInterfaceSwallowsUnknownFill(t *testing.T) {
	g := newTestGrid(t, nil)
	ctx := context.Background()
	placed, err := g.Init(ctx, dec("97"))
	if err != nil || len(placed) != 3 {
		t.Fatalf("Init() = %d orders, err %v", len(placed), err)
	}
	spawned, err := g.OnFill(ctx, core.Fill{OrderID: "missing"})
	if err != nil || len(spawned) != 0 {
		t.Fatalf("OnFill(missing) = %v, %v; want nil, nil", spawned, err)
	}
	spawned, err = g.OnFill(ctx, core.Fill{OrderID: "buy_90"})
	if err != nil || len(spawned) != 1 || spawned[0].ID != "sell_95" {
		t.Fatalf("OnFill(buy_90) = %v, %v", spawned, err)
	}
	cancelled, err := g.Shutdown(ctx)
	if err != nil || len(cancelled) != 3 {
		t.Fatalf("Shutdown() = %d cancelled, err %v; want 3", len(cancelled), err)
	}
}
