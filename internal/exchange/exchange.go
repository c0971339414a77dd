package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"

	"grid-engine/internal/core"
)

// Gateway places and cancels orders keyed by the engine's order id. Fills are
// reported back out of band.
type Gateway interface {
	Name() string
	PlaceOrder(ctx context.Context, order core.Order) error
	CancelOrder(ctx context.Context, orderID string) error
}

// Logged wraps a Gateway and logs every request with its latency and outcome.
type Logged struct {
	next   Gateway
	logger *zap.Logger
}

func WithLogging(next Gateway, logger *zap.Logger) *Logged {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logged{next: next, logger: logger.Named("gateway").With(zap.String("venue", next.Name()))}
}

func (l *Logged) Name() string { return l.next.Name() }

func (l *Logged) PlaceOrder(ctx context.Context, order core.Order) error {
	start := time.Now()
	err := l.next.PlaceOrder(ctx, order)
	fields := []zap.Field{
		zap.String("order_id", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("price", order.Price.String()),
		zap.String("amount", order.Amount.String()),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		l.logger.Error("place_order_failed", append(fields, zap.Error(err))...)
		return err
	}
	l.logger.Debug("place_order", fields...)
	return nil
}

func (l *Logged) CancelOrder(ctx context.Context, orderID string) error {
	start := time.Now()
	err := l.next.CancelOrder(ctx, orderID)
	fields := []zap.Field{
		zap.String("order_id", orderID),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		l.logger.Warn("cancel_order_failed", append(fields, zap.Error(err))...)
		return err
	}
	l.logger.Debug("cancel_order", fields...)
	return nil
}

var _ Gateway = (*Logged)(nil)
