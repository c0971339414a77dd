package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"grid-engine/internal/core"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() {
			close(n.entered)
		})
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func (n *notifierSpy) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("backtest", "BTCUSDT", spy)
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}

	m.Important("runner_started", map[string]string{"a": "1"})
	m.Important("runner_stopped", map[string]string{"b": "2"})
	closeManager(t, m)

	msgs := spy.all()
	if len(msgs) != 2 {
		t.Fatalf("notified count = %d, want 2", len(msgs))
	}
	if !strings.Contains(msgs[0], "event: runner_started") || !strings.Contains(msgs[0], "a: 1") {
		t.Fatalf("first message = %q", msgs[0])
	}
}

func TestManagerReportFiltersEngineEvents(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("paper", "BTCUSDT", spy)

	m.Report(core.Event{Kind: core.EventOrderPlaced, OrderID: "buy_90"})
	m.Report(core.Event{Kind: core.EventOrderCancelled, OrderID: "buy_90"})
	m.Report(core.Event{
		Kind:     core.EventOrderFilled,
		Symbol:   "BTCUSDT",
		OrderID:  "buy_90",
		Side:     core.Buy,
		Price:    decimal.NewFromInt(90),
		Amount:   decimal.RequireFromString("2.77777778"),
		Position: decimal.RequireFromString("2.77777778"),
	})
	m.Report(core.Event{Kind: core.EventUnknownOrder, OrderID: "sell_999", Detail: "fill"})
	closeManager(t, m)

	msgs := spy.all()
	if len(msgs) != 2 {
		t.Fatalf("notified count = %d, want 2: %q", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "event: order_filled") || !strings.Contains(msgs[0], "price: 90") {
		t.Fatalf("fill message = %q", msgs[0])
	}
	if !strings.HasPrefix(msgs[1], "[grid-engine] warning") || !strings.Contains(msgs[1], "order_id: sell_999") {
		t.Fatalf("unknown order message = %q", msgs[1])
	}
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManager("paper", "BTCUSDT", spy)
	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("notifier did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}

	close(block)
	closeManager(t, m)
}

func TestManagerTracksDroppedCountAndPendingWindow(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("paper", "BTCUSDT", spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 0,
	})

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", map[string]string{"i": "x"})
	}

	total, pending := m.droppedStats()
	if total != 10 {
		t.Fatalf("dropped total = %d, want 10", total)
	}
	if pending != 10 {
		t.Fatalf("dropped pending window = %d, want 10", pending)
	}

	close(block)
	closeManager(t, m)
	if spy.count() != 2 {
		t.Fatalf("notified count = %d, want 2", spy.count())
	}
}

func TestManagerPeriodicDroppedReportEmitsAndResetsWindow(t *testing.T) {
	obsCore, logs := observer.New(zapcore.WarnLevel)

	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("paper", "BTCUSDT", spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 40 * time.Millisecond,
		Logger:             zap.New(obsCore),
	})

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	m.Important("queue_fill", nil)
	for i := 0; i < 3; i++ {
		m.Important("spam", nil)
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for logs.FilterMessage("alert_queue_dropped_report").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("missing dropped report log, got %d entries", logs.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if logs.FilterMessage("alert_queue_dropped").Len() != 1 {
		t.Fatalf("immediate drop logs = %d, want 1", logs.FilterMessage("alert_queue_dropped").Len())
	}

	_, pending := m.droppedStats()
	if pending != 0 {
		t.Fatalf("dropped pending window = %d, want 0 after periodic report", pending)
	}

	close(block)
	closeManager(t, m)
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	m.Important("x", nil)
	m.Report(core.Event{Kind: core.EventOrderFilled})
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if NewManager("paper", "BTCUSDT", nil) != nil {
		t.Fatalf("NewManager(nil notifier) should return nil")
	}
}

func TestManagerMutesRepeatedWarnings(t *testing.T) {
	spy := &notifierSpy{}
	now := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	m := NewManagerWithOptions("paper", "BTCUSDT", spy, ManagerOptions{
		RepeatWindow: time.Minute,
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		},
	})
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	oor := core.Event{Kind: core.EventOutOfRange, Price: decimal.NewFromInt(120), Detail: "seed"}
	m.Report(oor)
	advance(30 * time.Second)
	m.Report(oor)
	m.Report(core.Event{Kind: core.EventOrderNotPending, OrderID: "buy_90", Detail: "fill"})
	advance(31 * time.Second)
	m.Report(oor)
	// Fills are never muted.
	fill := core.Event{Kind: core.EventOrderFilled, OrderID: "buy_90", Side: core.Buy, Price: decimal.NewFromInt(90), Amount: decimal.NewFromInt(1)}
	m.Report(fill)
	m.Report(fill)
	closeManager(t, m)

	if got := spy.count(); got != 5 {
		t.Fatalf("notified count = %d, want 5: %q", got, spy.all())
	}
	if m.Muted() != 1 {
		t.Fatalf("Muted() = %d, want 1", m.Muted())
	}
	if !strings.Contains(spy.all()[3], "fill: BUY 1 @ 90") {
		t.Fatalf("fill message = %q", spy.all()[3])
	}
}
