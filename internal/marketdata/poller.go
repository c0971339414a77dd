package marketdata

import (
	"context"
	"time"

	"go.uber.org/zap"

	"grid-engine/internal/core"
)

// Poller samples a Provider's current price on a fixed interval. Failed
// requests are logged and retried on the next interval.
type Poller struct {
	provider Provider
	symbol   string
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	ticker *time.Ticker
	primed bool
}

func NewPoller(provider Provider, symbol string, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		provider: provider,
		symbol:   symbol,
		interval: interval,
		logger:   logger.Named("poller"),
		now:      time.Now,
	}
}

// Next returns immediately on the first call, then once per interval.
func (p *Poller) Next(ctx context.Context) (core.Tick, error) {
	for {
		if p.primed {
			if p.ticker == nil {
				p.ticker = time.NewTicker(p.interval)
			}
			select {
			case <-p.ticker.C:
			case <-ctx.Done():
				return core.Tick{}, ctx.Err()
			}
		}
		p.primed = true
		price, err := p.provider.CurrentPrice(ctx, p.symbol)
		if err == nil {
			return core.Tick{Time: p.now().UTC(), Price: price}, nil
		}
		if ctx.Err() != nil {
			return core.Tick{}, ctx.Err()
		}
		p.logger.Warn("price_poll_failed",
			zap.String("provider", p.provider.Name()),
			zap.String("symbol", p.symbol),
			zap.Error(err),
		)
	}
}

func (p *Poller) Close() error {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	return nil
}
