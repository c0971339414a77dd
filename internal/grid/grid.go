package grid

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	maxPrecision = 16
	// levelDivPrecision keeps level offsets exact well past maxPrecision
	// before the final rounding.
	levelDivPrecision = 2 * maxPrecision
)

// ErrInvalidConfig is matched by every ConfigError.
var ErrInvalidConfig = errors.New("invalid grid config")

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("grid config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Config is the immutable input of a ladder. Build it with NewConfig.
type Config struct {
	Symbol         string
	UpperPrice     decimal.Decimal
	LowerPrice     decimal.Decimal
	GridNumber     int
	TotalInvest    decimal.Decimal
	PricePrecision int32
	SizePrecision  int32
}

func NewConfig(symbol string, lower, upper decimal.Decimal, gridNumber int, totalInvest decimal.Decimal, pricePrecision, sizePrecision int32) (Config, error) {
	cfg := Config{
		Symbol:         strings.TrimSpace(symbol),
		UpperPrice:     upper,
		LowerPrice:     lower,
		GridNumber:     gridNumber,
		TotalInvest:    totalInvest,
		PricePrecision: pricePrecision,
		SizePrecision:  sizePrecision,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return &ConfigError{Field: "symbol", Reason: "required"}
	}
	if c.LowerPrice.Cmp(decimal.Zero) <= 0 {
		return &ConfigError{Field: "lower_price", Reason: "must be > 0"}
	}
	if c.UpperPrice.Cmp(c.LowerPrice) <= 0 {
		return &ConfigError{Field: "upper_price", Reason: "must be greater than lower_price"}
	}
	if c.GridNumber <= 0 {
		return &ConfigError{Field: "grid_number", Reason: "must be > 0"}
	}
	if c.TotalInvest.Cmp(decimal.Zero) <= 0 {
		return &ConfigError{Field: "total_invest", Reason: "must be > 0"}
	}
	if c.PricePrecision < 0 || c.PricePrecision > maxPrecision {
		return &ConfigError{Field: "price_precision", Reason: fmt.Sprintf("must be between 0 and %d", maxPrecision)}
	}
	if c.SizePrecision < 0 || c.SizePrecision > maxPrecision {
		return &ConfigError{Field: "size_precision", Reason: fmt.Sprintf("must be between 0 and %d", maxPrecision)}
	}
	return nil
}

// Ladder is the static set of price levels and per-interval amounts.
// Levels has GridNumber+1 ascending entries; Amounts[i] belongs to [Levels[i], Levels[i+1]).
type Ladder struct {
	Step           decimal.Decimal
	Levels         []decimal.Decimal
	Amounts        []decimal.Decimal
	PricePrecision int32
}

func Build(cfg Config) (Ladder, error) {
	if err := cfg.Validate(); err != nil {
		return Ladder{}, err
	}
	n := decimal.NewFromInt(int64(cfg.GridNumber))
	span := cfg.UpperPrice.Sub(cfg.LowerPrice)
	step := span.Div(n)
	levels := make([]decimal.Decimal, cfg.GridNumber+1)
	for i := range levels {
		// lower + span*i/n, multiplied first so the last level is exactly upper.
		offset := span.Mul(decimal.NewFromInt(int64(i))).DivRound(n, levelDivPrecision)
		levels[i] = cfg.LowerPrice.Add(offset).Round(cfg.PricePrecision)
	}
	for i := 1; i < len(levels); i++ {
		if levels[i].Cmp(levels[i-1]) <= 0 {
			return Ladder{}, &ConfigError{Field: "price_precision", Reason: "grid collapsed after price rounding"}
		}
	}
	perGrid := cfg.TotalInvest.Div(n)
	amounts := make([]decimal.Decimal, cfg.GridNumber)
	for i := range amounts {
		amounts[i] = perGrid.Div(levels[i]).Round(cfg.SizePrecision)
		if amounts[i].Cmp(decimal.Zero) <= 0 {
			return Ladder{}, &ConfigError{Field: "size_precision", Reason: fmt.Sprintf("amount at level %s rounds to zero", levels[i])}
		}
	}
	return Ladder{
		Step:           step,
		Levels:         levels,
		Amounts:        amounts,
		PricePrecision: cfg.PricePrecision,
	}, nil
}

func (l Ladder) PriceAt(index int) decimal.Decimal {
	if index < 0 || index >= len(l.Levels) {
		return decimal.Zero
	}
	return l.Levels[index]
}

// Interval returns i with Levels[i] <= price < Levels[i+1].
// ok is false when price is below the first level or at/above the last.
func (l Ladder) Interval(price decimal.Decimal) (int, bool) {
	if len(l.Levels) < 2 {
		return 0, false
	}
	idx := sort.Search(len(l.Levels), func(i int) bool { return l.Levels[i].Cmp(price) > 0 }) - 1
	if idx < 0 || idx >= len(l.Levels)-1 {
		return 0, false
	}
	return idx, true
}

// IndexOf returns the level index whose price equals price exactly.
func (l Ladder) IndexOf(price decimal.Decimal) (int, bool) {
	idx := sort.Search(len(l.Levels), func(i int) bool { return l.Levels[i].Cmp(price) >= 0 })
	if idx < len(l.Levels) && l.Levels[idx].Equal(price) {
		return idx, true
	}
	return -1, false
}

// Above returns the rung one step above price. Prices on the top rung or off the
// ladder fall back to round(price+step).
func (l Ladder) Above(price decimal.Decimal) (decimal.Decimal, int) {
	if idx, ok := l.IndexOf(price); ok && idx+1 < len(l.Levels) {
		return l.Levels[idx+1], idx + 1
	}
	next := price.Add(l.Step).Round(l.PricePrecision)
	idx, _ := l.IndexOf(next)
	return next, idx
}

// Below mirrors Above one step down.
func (l Ladder) Below(price decimal.Decimal) (decimal.Decimal, int) {
	if idx, ok := l.IndexOf(price); ok && idx > 0 {
		return l.Levels[idx-1], idx - 1
	}
	next := price.Sub(l.Step).Round(l.PricePrecision)
	idx, _ := l.IndexOf(next)
	return next, idx
}

func (l Ladder) Lowest() decimal.Decimal {
	return l.PriceAt(0)
}

func (l Ladder) Highest() decimal.Decimal {
	return l.PriceAt(len(l.Levels) - 1)
}
