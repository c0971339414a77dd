package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid-engine/internal/core"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	defaultRepeatWindow       = 5 * time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// RepeatWindow mutes a warning identical to one sent within the window.
	// Negative disables muting.
	RepeatWindow time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Manager delivers alerts to a Notifier from a single goroutine. Enqueue never
// blocks: when the queue is full the alert is dropped and counted.
type Manager struct {
	mode                 string
	symbol               string
	notifier             Notifier
	logger               *zap.Logger
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool

	repeatWindow time.Duration
	now          func() time.Time
	recentMu     sync.Mutex
	recent       map[string]time.Time
	muted        uint64
}

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

func NewManager(mode, symbol string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, symbol, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, symbol string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	repeatWindow := opts.RepeatWindow
	if repeatWindow == 0 {
		repeatWindow = defaultRepeatWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		mode:               mode,
		symbol:             symbol,
		notifier:           notifier,
		logger:             logger.Named("alert"),
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
		repeatWindow:       repeatWindow,
		now:                now,
		recent:             make(map[string]time.Time),
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

// Report forwards fills, seeding and anomalies. Placement and cancel chatter
// stays in the log and the journal. A warning that repeats within the repeat
// window is muted.
func (m *Manager) Report(ev core.Event) {
	if m == nil {
		return
	}
	switch {
	case ev.Kind == core.EventOrderFilled, ev.Kind == core.EventSeeded:
	case ev.Kind.Warning():
		if m.repeated(string(ev.Kind) + "|" + ev.OrderID + "|" + ev.Detail) {
			return
		}
	default:
		return
	}
	m.enqueue(alertEvent{event: string(ev.Kind), fields: ev.Fields(), at: ev.Time})
}

func (m *Manager) repeated(key string) bool {
	if m.repeatWindow < 0 {
		return false
	}
	now := m.now()
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	if last, ok := m.recent[key]; ok && now.Sub(last) < m.repeatWindow {
		m.muted++
		return true
	}
	m.recent[key] = now
	for k, at := range m.recent {
		if now.Sub(at) >= m.repeatWindow {
			delete(m.recent, k)
		}
	}
	return false
}

// Muted reports how many repeated warnings were not forwarded.
func (m *Manager) Muted() uint64 {
	if m == nil {
		return 0
	}
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	return m.muted
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	m.enqueue(alertEvent{event: event, fields: cloneFields(fields), at: time.Now().UTC()})
}

func (m *Manager) enqueue(ev alertEvent) {
	if m.notifier == nil {
		return
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// First drop in a window is logged at once; the periodic report covers the rest.
		if droppedInWindow == 1 {
			m.logger.Warn("alert_queue_dropped",
				zap.String("target_event", ev.event),
				zap.String("reason", "queue_full"),
				zap.Uint64("dropped_total", droppedTotal),
				zap.Int("queue_len", len(m.queue)),
				zap.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&m.droppedTotal)),
		zap.Duration("report_interval", m.dropReportInterval),
		zap.Int("queue_len", len(m.queue)),
		zap.Int("queue_cap", cap(m.queue)),
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev alertEvent) {
	msg := m.buildMessage(ev)
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.logger.Error("alert_notify_failed", zap.String("target_event", ev.event), zap.Error(err))
	}
}

func (m *Manager) buildMessage(ev alertEvent) string {
	at := ev.at
	if at.IsZero() {
		at = time.Now().UTC()
	}
	lines := []string{
		"[grid-engine] " + severity(ev.event),
		"time: " + at.Format(time.RFC3339),
		"mode: " + m.mode,
		"symbol: " + m.symbol,
		"event: " + ev.event,
	}
	if ev.event == string(core.EventOrderFilled) {
		lines = append(lines, fmt.Sprintf("fill: %s %s @ %s", ev.fields["side"], ev.fields["amount"], ev.fields["price"]))
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		if k == "symbol" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func severity(event string) string {
	if core.EventKind(event).Warning() {
		return "warning"
	}
	return "important"
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
