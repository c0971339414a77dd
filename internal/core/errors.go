package core

import "errors"

var (
	// ErrOrderNotFound indicates a fill or cancel referenced an id the engine never placed.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPending indicates a fill or cancel arrived for an order already filled or cancelled.
	ErrOrderNotPending = errors.New("order not pending")
	// ErrOutOfRange indicates a price outside [levels[0], levels[n]).
	ErrOutOfRange = errors.New("price out of grid range")
	// ErrUnknownProvider indicates no market data provider is registered under the requested name.
	ErrUnknownProvider = errors.New("unknown market data provider")
	// ErrCandlesUnsupported indicates the provider can only quote a current price.
	ErrCandlesUnsupported = errors.New("candles not supported by provider")
	ErrUnknownSymbol      = errors.New("unknown symbol")
	// ErrCircuitOpen indicates a gateway action is suspended after repeated failures.
	ErrCircuitOpen = errors.New("circuit breaker open")
)
