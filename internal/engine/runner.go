package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-engine/internal/backtest"
	"grid-engine/internal/core"
	"grid-engine/internal/exchange"
	"grid-engine/internal/grid"
	"grid-engine/internal/store"
	"grid-engine/internal/strategy"
)

var ErrJournalAhead = errors.New("journal ahead of grid")

const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateFailed  = "failed"
)

// Runner drives one grid through a tick feed. The venue matches ticks against
// resting orders; fills go back to the grid one at a time in the order the
// venue reports them, and whatever the grid places in response is forwarded
// to the gateway before the next tick is read.
type Runner struct {
	Feed    backtest.Feed
	Grid    *strategy.Grid
	Venue   *backtest.SimExchange
	Gateway exchange.Gateway // defaults to Venue

	Store   *store.Store  // optional
	Journal store.Journal // optional
	Clock   *TickClock    // optional, advanced to each tick's time
	Logger  *zap.Logger

	Mode       string
	InstanceID string
	// StatusEvery is the number of ticks between runtime status writes.
	StatusEvery int
	// ShutdownTimeout bounds the gateway cancels issued on the way out.
	ShutdownTimeout time.Duration

	ladder    grid.Ladder
	lastSeq   uint64
	startedAt time.Time
}

type Result struct {
	Ticks            int
	Fills            int
	RejectedFills    int
	Seeded           bool
	StartPrice       decimal.Decimal
	EndPrice         decimal.Decimal
	Position         decimal.Decimal
	PendingOrders    int
	FinalBalance     core.Balance
	StartEquityQuote decimal.Decimal
	EndEquityQuote   decimal.Decimal
	TotalReturnPct   decimal.Decimal
	MaxDrawdownPct   decimal.Decimal
	MaxDrawdownQuote decimal.Decimal
	FeesPaidQuote    decimal.Decimal
	BuyVolumeQuote   decimal.Decimal
	SellVolumeQuote  decimal.Decimal
	// NetQuoteFlow is sell notional minus buy notional minus fees.
	NetQuoteFlow        decimal.Decimal
	DailyPnLQuoteSeries []DailyPnL
}

type DailyPnL struct {
	Date     string
	PnLQuote decimal.Decimal
}

// TickClock is a clock the runner moves forward with the feed, so journal
// timestamps in a backtest follow market time rather than wall time.
type TickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *TickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		return time.Now()
	}
	return c.now
}

func (c *TickClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (r *Runner) validate() error {
	if r.Feed == nil {
		return errors.New("runner: feed is required")
	}
	if r.Grid == nil {
		return errors.New("runner: grid is required")
	}
	if r.Venue == nil {
		return errors.New("runner: venue is required")
	}
	// A grid numbering below the journal would have its events dropped as replays.
	if r.Journal != nil {
		if js, gs := r.Journal.LastSeq(), r.Grid.Status().LastSeq; js > gs {
			return fmt.Errorf("runner: journal at seq %d is ahead of grid at seq %d: %w", js, gs, ErrJournalAhead)
		}
	}
	return nil
}

// Run consumes the feed until it ends or ctx is cancelled. Cancellation is a
// normal stop: pending orders are cancelled and the partial result returned
// with a nil error. Any other feed error, or a gateway whose circuit opened,
// is returned after the same shutdown.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if err := r.validate(); err != nil {
		return Result{}, err
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.Gateway == nil {
		r.Gateway = r.Venue
	}
	if r.StatusEvery <= 0 {
		r.StatusEvery = 100
	}
	if r.ShutdownTimeout <= 0 {
		r.ShutdownTimeout = 10 * time.Second
	}
	r.ladder = r.Grid.Ladder()
	r.startedAt = time.Now().UTC()
	defer r.Feed.Close()

	var (
		result  Result
		acct    = newAccounting()
		lastTS  time.Time
		runErr  error
		checked bool
	)
	logger := r.Logger.With(zap.String("symbol", r.Grid.Symbol()), zap.String("mode", r.Mode))
	logger.Info("runner_started", zap.String("venue", r.Gateway.Name()))
	r.Grid.StartRun(fmt.Sprintf("mode=%s instance=%s venue=%s", r.Mode, r.InstanceID, r.Gateway.Name()))
	r.saveStatus(StateRunning, result, "")

	for {
		tick, err := r.Feed.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				break
			}
			runErr = err
			break
		}
		if tick.Price.Sign() <= 0 {
			continue
		}
		if r.Clock != nil {
			r.Clock.Set(tick.Time)
		}
		result.Ticks++
		result.EndPrice = tick.Price
		lastTS = tick.Time

		for _, fill := range r.Venue.Match(tick.Price, tick.Time) {
			if err := r.applyFill(ctx, logger, fill, &result); err != nil && runErr == nil {
				runErr = err
			}
		}

		if !result.Seeded {
			_, inRange := r.ladder.Interval(tick.Price)
			// Out-of-range ticks before seeding are reported once, not per tick.
			if inRange || !checked {
				checked = true
				seed := r.Grid.SeedOrders(tick.Price)
				if seed.InRange {
					result.Seeded = true
					result.StartPrice = tick.Price
					for _, ord := range seed.Placed {
						if err := r.place(ctx, logger, ord); err != nil && runErr == nil {
							runErr = err
						}
					}
					logger.Info("grid_seeded",
						zap.String("price", tick.Price.String()),
						zap.Int("interval", seed.Interval),
						zap.Int("orders", len(seed.Placed)),
					)
				}
			}
		}

		acct.record(r.Venue.Snapshot(tick.Price), tick.Time)
		r.persist(logger)
		if runErr != nil {
			break
		}
		if result.Ticks%r.StatusEvery == 0 {
			r.saveStatus(StateRunning, result, "")
		}
	}

	r.shutdown(logger, lastTS)
	r.persist(logger)

	snap := r.Venue.Snapshot(result.EndPrice)
	acct.finish(&result, snap)
	result.Position = r.Grid.Position()
	result.PendingOrders = len(r.Grid.Pending())

	state, lastErr := StateStopped, ""
	if runErr != nil {
		state, lastErr = StateFailed, runErr.Error()
		logger.Error("runner_failed", zap.Error(runErr))
	}
	r.saveStatus(state, result, lastErr)
	logger.Info("runner_stopped",
		zap.Int("ticks", result.Ticks),
		zap.Int("fills", result.Fills),
		zap.String("position", result.Position.String()),
	)
	return result, runErr
}

func (r *Runner) applyFill(ctx context.Context, logger *zap.Logger, fill core.Fill, result *Result) error {
	if r.Store != nil {
		if err := r.Store.AppendFill(fill); err != nil {
			logger.Error("fill_ledger_append_failed", zap.String("order_id", fill.OrderID), zap.Error(err))
		}
	}
	res := r.Grid.RecordFill(fill.OrderID)
	if res.Err != nil {
		// Already reported through the grid's journal.
		result.RejectedFills++
		return nil
	}
	result.Fills++
	return r.place(ctx, logger, res.Spawned)
}

// place forwards ord to the gateway. A rejected order is cancelled in the grid
// so the book never shows an order the venue does not have. Only an open
// circuit is returned; the run stops on it.
func (r *Runner) place(ctx context.Context, logger *zap.Logger, ord core.Order) error {
	err := r.Gateway.PlaceOrder(ctx, ord)
	if err == nil {
		return nil
	}
	logger.Warn("order_rejected", zap.String("order_id", ord.ID), zap.Error(err))
	if _, cerr := r.Grid.RecordCancel(ord.ID); cerr != nil {
		logger.Warn("order_reject_not_applied", zap.String("order_id", ord.ID), zap.Error(cerr))
	}
	if errors.Is(err, core.ErrCircuitOpen) {
		return err
	}
	return nil
}

func (r *Runner) shutdown(logger *zap.Logger, at time.Time) {
	if r.Clock != nil && !at.IsZero() {
		r.Clock.Set(at)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.ShutdownTimeout)
	defer cancel()
	cancelled := r.Grid.CancelAll()
	failed := 0
	for _, ord := range cancelled {
		if err := r.Gateway.CancelOrder(ctx, ord.ID); err != nil {
			failed++
			logger.Warn("shutdown_cancel_failed", zap.String("order_id", ord.ID), zap.Error(err))
		}
	}
	logger.Info("orders_cancelled", zap.Int("count", len(cancelled)), zap.Int("failed", failed))
}

// persist journals new grid events and rewrites the snapshot when anything changed.
func (r *Runner) persist(logger *zap.Logger) {
	snap := r.Grid.Status()
	if snap.LastSeq == r.lastSeq {
		return
	}
	if r.Journal != nil {
		if err := r.Journal.Append(r.Grid.Events(r.lastSeq)...); err != nil {
			logger.Error("journal_append_failed", zap.Uint64("after", r.lastSeq), zap.Error(err))
			return
		}
	}
	if r.Store != nil {
		if err := r.Store.SaveSnapshot(snap); err != nil {
			logger.Error("snapshot_save_failed", zap.Error(err))
			return
		}
	}
	r.lastSeq = snap.LastSeq
}

func (r *Runner) saveStatus(state string, result Result, lastErr string) {
	if r.Store == nil {
		return
	}
	bal := r.Venue.Balances()
	status := store.RuntimeStatus{
		Mode:       r.Mode,
		Symbol:     r.Grid.Symbol(),
		InstanceID: r.InstanceID,
		PID:        os.Getpid(),
		State:      state,
		StartedAt:  r.startedAt,
		Ticks:      result.Ticks,
		Balance:    &bal,
		LastError:  lastErr,
	}
	if result.EndPrice.Sign() > 0 {
		status.LastPrice = result.EndPrice.String()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.Logger.Warn("runtime_status_save_failed", zap.Error(err))
	}
}
