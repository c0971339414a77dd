package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

// Strategy is what a runner drives: one Init with the first observed price, then fills in arrival order.
type Strategy interface {
	Init(ctx context.Context, price decimal.Decimal) ([]core.Order, error)
	OnFill(ctx context.Context, fill core.Fill) ([]core.Order, error)
	Shutdown(ctx context.Context) ([]core.Order, error)
}
