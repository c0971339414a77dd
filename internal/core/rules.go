package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
	ErrOffTick          = errors.New("price not on tick")
	ErrOffStep          = errors.New("qty not on step")
)

// Rules are a venue's order filters. Zero fields are not enforced.
type Rules struct {
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	QtyStep     decimal.Decimal `json:"qty_step"`
}

// CheckOrder reports the first filter order breaks. Grid orders are keyed by
// price, so nothing is adjusted: an order off the tick or step is rejected.
func CheckOrder(order Order, rules Rules) error {
	if order.Amount.Sign() <= 0 || order.Price.Sign() <= 0 {
		return ErrInvalidOrder
	}
	if rules.PriceTick.Sign() > 0 && !RoundDown(order.Price, rules.PriceTick).Equal(order.Price) {
		return fmt.Errorf("%w: %s tick %s", ErrOffTick, order.Price, rules.PriceTick)
	}
	if rules.QtyStep.Sign() > 0 && !RoundDown(order.Amount, rules.QtyStep).Equal(order.Amount) {
		return fmt.Errorf("%w: %s step %s", ErrOffStep, order.Amount, rules.QtyStep)
	}
	if rules.MinQty.Sign() > 0 && order.Amount.Cmp(rules.MinQty) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinQty, order.Amount, rules.MinQty)
	}
	if rules.MinNotional.Sign() > 0 {
		if notional := order.Price.Mul(order.Amount); notional.Cmp(rules.MinNotional) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrBelowMinNotional, notional, rules.MinNotional)
		}
	}
	return nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
