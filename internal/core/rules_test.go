package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func limitOrder(price, amount string) Order {
	return Order{
		ID:     "buy_" + price,
		Symbol: "BTCUSDT",
		Side:   Buy,
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString(amount),
	}
}

func testRules() Rules {
	return Rules{
		MinQty:      decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.01"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}
}

func TestCheckOrderAcceptsAlignedOrder(t *testing.T) {
	if err := CheckOrder(limitOrder("100.03", "0.123"), testRules()); err != nil {
		t.Fatalf("CheckOrder() error = %v", err)
	}
	if err := CheckOrder(limitOrder("100.037", "0.123456"), Rules{}); err != nil {
		t.Fatalf("CheckOrder(no rules) error = %v", err)
	}
}

func TestCheckOrderRejections(t *testing.T) {
	cases := []struct {
		name          string
		price, amount string
		want          error
	}{
		{"off tick", "100.037", "0.123", ErrOffTick},
		{"off step", "100.03", "0.1234", ErrOffStep},
		{"below min qty", "2000", "0.009", ErrBelowMinQty},
		{"below min notional", "100", "0.05", ErrBelowMinNotional},
		{"zero amount", "100", "0", ErrInvalidOrder},
	}
	for _, tc := range cases {
		err := CheckOrder(limitOrder(tc.price, tc.amount), testRules())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: CheckOrder() error = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestRoundDown(t *testing.T) {
	got := RoundDown(decimal.RequireFromString("0.123456"), decimal.RequireFromString("0.001"))
	if !got.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("RoundDown() = %s, want 0.123", got)
	}
	if got := RoundDown(decimal.RequireFromString("5.5"), decimal.Zero); !got.Equal(decimal.RequireFromString("5.5")) {
		t.Fatalf("RoundDown(zero step) = %s", got)
	}
}
