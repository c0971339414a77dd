package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventSeeded          EventKind = "seeded"
	EventOutOfRange      EventKind = "out_of_range"
	EventOrderPlaced     EventKind = "order_placed"
	EventOrderReplaced   EventKind = "order_replaced"
	EventOrderFilled     EventKind = "order_filled"
	EventOrderCancelled  EventKind = "order_cancelled"
	EventUnknownOrder    EventKind = "unknown_order"
	EventOrderNotPending EventKind = "order_not_pending"
	EventRunStarted      EventKind = "run_started"
)

// Warning reports whether the event is a non-fatal anomaly rather than a state change.
func (k EventKind) Warning() bool {
	switch k {
	case EventOutOfRange, EventUnknownOrder, EventOrderNotPending:
		return true
	}
	return false
}

// Event is one entry of the engine's append-only journal.
type Event struct {
	Seq      uint64          `json:"seq"`
	Kind     EventKind       `json:"kind"`
	Symbol   string          `json:"symbol"`
	OrderID  string          `json:"order_id,omitempty"`
	Side     Side            `json:"side,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Revision int             `json:"revision,omitempty"`
	Position decimal.Decimal `json:"position"`
	Detail   string          `json:"detail,omitempty"`
	Time     time.Time       `json:"time"`
}

// Fields flattens the event for alert messages and log lines.
func (e Event) Fields() map[string]string {
	fields := map[string]string{
		"symbol":   e.Symbol,
		"position": e.Position.String(),
	}
	if e.OrderID != "" {
		fields["order_id"] = e.OrderID
	}
	if e.Side != "" {
		fields["side"] = string(e.Side)
	}
	if !e.Price.IsZero() {
		fields["price"] = e.Price.String()
	}
	if !e.Amount.IsZero() {
		fields["amount"] = e.Amount.String()
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}
	return fields
}

// Reporter observes engine events. Implementations must not call back into the engine.
type Reporter interface {
	Report(ev Event)
}

type ReporterFunc func(ev Event)

func (f ReporterFunc) Report(ev Event) { f(ev) }
