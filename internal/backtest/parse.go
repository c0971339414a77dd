package backtest

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

var (
	timeKeys  = []string{"time", "open_time", "timestamp", "ts", "t"}
	priceKeys = []string{"price", "close", "p"}
)

// record is one usable feed line. Candle lines carry open/high/low as well.
type record struct {
	at              time.Time
	price           decimal.Decimal
	open, high, low decimal.Decimal
	candle          bool
}

func parseRecord(line string) (record, bool) {
	var raw map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return record{}, false
	}
	var rec record
	v, ok := lookup(raw, timeKeys...)
	if !ok {
		return record{}, false
	}
	if rec.at, ok = toTime(v); !ok {
		return record{}, false
	}
	v, ok = lookup(raw, priceKeys...)
	if !ok {
		return record{}, false
	}
	if rec.price, ok = toDecimal(v); !ok || rec.price.Sign() <= 0 {
		return record{}, false
	}
	rec.at = rec.at.UTC()

	open, okO := decimalField(raw, "open")
	high, okH := decimalField(raw, "high")
	low, okL := decimalField(raw, "low")
	if okO && okH && okL && low.Sign() > 0 && high.Cmp(low) >= 0 {
		rec.open, rec.high, rec.low, rec.candle = open, high, low, true
	}
	return rec, true
}

// ticks expands the record for replay. Every tick keeps the record time.
func (r record) ticks(path CandlePath) []core.Tick {
	if !r.candle || path != CandleOHLC {
		return []core.Tick{{Time: r.at, Price: r.price}}
	}
	first, second := r.low, r.high
	if r.price.LessThan(r.open) {
		first, second = r.high, r.low
	}
	path4 := []decimal.Decimal{r.open, first, second, r.price}
	out := make([]core.Tick, 0, len(path4))
	for i, p := range path4 {
		if i > 0 && p.Equal(path4[i-1]) {
			continue
		}
		out = append(out, core.Tick{Time: r.at, Price: p})
	}
	return out
}

func lookup(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func decimalField(m map[string]interface{}, key string) (decimal.Decimal, bool) {
	v, ok := m[key]
	if !ok {
		return decimal.Zero, false
	}
	return toDecimal(v)
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return epochTime(n), true
		}
		if f, err := t.Float64(); err == nil {
			return epochTime(int64(f)), true
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochTime(n), true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// epochTime reads unix seconds, milliseconds or microseconds by magnitude.
func epochTime(v int64) time.Time {
	switch {
	case v >= 1e15:
		return time.UnixMicro(v)
	case v >= 1e12:
		return time.UnixMilli(v)
	default:
		return time.Unix(v, 0)
	}
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return decimal.Zero, false
	}
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
