package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-engine/internal/backtest"
	"grid-engine/internal/core"
)

var errNoDialer = errors.New("redial feed: no dialer")

// Dialer opens a fresh tick source, typically a websocket stream.
type Dialer func(ctx context.Context) (backtest.Feed, error)

// RedialFeed keeps a live tick source open across disconnects. Dial attempts
// go through the breaker's reconnect circuit, so a venue that keeps refusing
// connections is retried only after the cooldown.
type RedialFeed struct {
	dial       Dialer
	breaker    *Breaker
	logger     *zap.Logger
	retryDelay time.Duration

	mu      sync.Mutex
	current backtest.Feed
}

// NewRedialFeed starts from initial when it is non-nil and dials lazily otherwise.
func NewRedialFeed(initial backtest.Feed, dial Dialer, breaker *Breaker, retryDelay time.Duration, logger *zap.Logger) *RedialFeed {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedialFeed{
		dial:       dial,
		breaker:    breaker,
		logger:     logger.Named("feed"),
		retryDelay: retryDelay,
		current:    initial,
	}
}

func (f *RedialFeed) Next(ctx context.Context) (core.Tick, error) {
	for {
		feed, err := f.source(ctx)
		if err != nil {
			return core.Tick{}, err
		}
		tick, err := feed.Next(ctx)
		if err == nil {
			return tick, nil
		}
		if ctx.Err() != nil {
			return core.Tick{}, ctx.Err()
		}
		f.logger.Warn("feed_disconnected", zap.Error(err))
		f.drop(feed)
	}
}

func (f *RedialFeed) source(ctx context.Context) (backtest.Feed, error) {
	f.mu.Lock()
	current := f.current
	f.mu.Unlock()
	if current != nil {
		return current, nil
	}
	if f.dial == nil {
		return nil, errNoDialer
	}
	for {
		if err := f.breaker.AllowReconnect(); err != nil {
			wait := f.breaker.ReconnectCooldownRemaining()
			if wait <= 0 {
				wait = f.retryDelay
			}
			f.logger.Warn("reconnect_suspended", zap.Duration("wait", wait), zap.Error(err))
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		feed, err := f.dial(ctx)
		_ = f.breaker.RecordReconnect(err)
		if err == nil {
			f.mu.Lock()
			f.current = feed
			f.mu.Unlock()
			f.logger.Info("feed_connected")
			return feed, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("feed_dial_failed", zap.Error(err))
		if err := sleep(ctx, f.retryDelay); err != nil {
			return nil, err
		}
	}
}

func (f *RedialFeed) drop(feed backtest.Feed) {
	f.mu.Lock()
	if f.current == feed {
		f.current = nil
	}
	f.mu.Unlock()
	if err := feed.Close(); err != nil {
		f.logger.Debug("feed_close_failed", zap.Error(err))
	}
}

func (f *RedialFeed) Close() error {
	f.mu.Lock()
	current := f.current
	f.current = nil
	f.mu.Unlock()
	if current == nil {
		return nil
	}
	return current.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ backtest.Feed = (*RedialFeed)(nil)
