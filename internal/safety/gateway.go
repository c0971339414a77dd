package safety

import (
	"context"

	"grid-engine/internal/core"
	"grid-engine/internal/exchange"
)

// GuardedGateway refuses requests while the matching circuit is open and
// feeds every outcome back into the breaker.
type GuardedGateway struct {
	inner   exchange.Gateway
	breaker *Breaker
}

func NewGuardedGateway(inner exchange.Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{inner: inner, breaker: breaker}
}

func (g *GuardedGateway) Name() string { return g.inner.Name() }

func (g *GuardedGateway) PlaceOrder(ctx context.Context, order core.Order) error {
	if err := g.breaker.AllowPlace(); err != nil {
		return err
	}
	err := g.inner.PlaceOrder(ctx, order)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return trip
	}
	return err
}

func (g *GuardedGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := g.breaker.AllowCancel(); err != nil {
		return err
	}
	err := g.inner.CancelOrder(ctx, orderID)
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return trip
	}
	return err
}

var _ exchange.Gateway = (*GuardedGateway)(nil)
