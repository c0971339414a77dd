package alert

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"grid-engine/internal/core"
)

// LogReporter writes every engine event as a structured log line. Anomalies
// log at warn, everything else at info.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger.Named("engine")}
}

func (r *LogReporter) Report(ev core.Event) {
	lvl := zapcore.InfoLevel
	if ev.Kind.Warning() {
		lvl = zapcore.WarnLevel
	}
	ce := r.logger.Check(lvl, string(ev.Kind))
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.Uint64("seq", ev.Seq),
		zap.String("symbol", ev.Symbol),
		zap.String("position", ev.Position.String()),
	}
	if ev.OrderID != "" {
		fields = append(fields, zap.String("order_id", ev.OrderID), zap.Int("revision", ev.Revision))
	}
	if ev.Side != "" {
		fields = append(fields, zap.String("side", string(ev.Side)))
	}
	if !ev.Price.IsZero() {
		fields = append(fields, zap.String("price", ev.Price.String()))
	}
	if !ev.Amount.IsZero() {
		fields = append(fields, zap.String("amount", ev.Amount.String()))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	ce.Write(fields...)
}

// Fanout reports each event to every non-nil reporter in order.
type Fanout []core.Reporter

func (f Fanout) Report(ev core.Event) {
	for _, r := range f {
		if r != nil {
			r.Report(ev)
		}
	}
}

var (
	_ core.Reporter = (*LogReporter)(nil)
	_ core.Reporter = (*Manager)(nil)
	_ core.Reporter = Fanout(nil)
)
