package safety

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-engine/internal/alert"
	"grid-engine/internal/core"
)

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace     = "place order"
	actionCancel    = "cancel order"
	actionReconnect = "reconnect"

	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type circuit struct {
	name            string
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

type Options struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	// Cooldown is how long an open circuit rejects calls before one probe is let through.
	Cooldown          time.Duration
	HalfOpenSuccesses int
	Logger            *zap.Logger
	Alerter           alert.Alerter
	Now               func() time.Time
}

// Breaker counts consecutive failures per action and opens that action's
// circuit once the limit is reached. An open circuit fails fast with
// core.ErrCircuitOpen until the cooldown passes, then admits probes.
type Breaker struct {
	enabled bool

	mu        sync.Mutex
	place     circuit
	cancel    circuit
	reconnect circuit

	cooldown          time.Duration
	halfOpenSuccesses int

	logger  *zap.Logger
	alerter alert.Alerter
	now     func() time.Time
}

func NewBreaker(opts Options) *Breaker {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.HalfOpenSuccesses < 1 {
		opts.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		enabled:           opts.Enabled,
		place:             circuit{name: actionPlace, maxFailures: opts.MaxPlaceFailures, state: circuitClosed},
		cancel:            circuit{name: actionCancel, maxFailures: opts.MaxCancelFailures, state: circuitClosed},
		reconnect:         circuit{name: actionReconnect, maxFailures: opts.MaxReconnectFailures, state: circuitClosed},
		cooldown:          opts.Cooldown,
		halfOpenSuccesses: opts.HalfOpenSuccesses,
		logger:            opts.Logger.Named("breaker"),
		alerter:           opts.Alerter,
		now:               opts.Now,
	}
}

func (b *Breaker) AllowPlace() error     { return b.allow(b.circuitFor(actionPlace)) }
func (b *Breaker) AllowCancel() error    { return b.allow(b.circuitFor(actionCancel)) }
func (b *Breaker) AllowReconnect() error { return b.allow(b.circuitFor(actionReconnect)) }

func (b *Breaker) RecordPlace(err error) error     { return b.record(b.circuitFor(actionPlace), err) }
func (b *Breaker) RecordCancel(err error) error    { return b.record(b.circuitFor(actionCancel), err) }
func (b *Breaker) RecordReconnect(err error) error { return b.record(b.circuitFor(actionReconnect), err) }

// ReconnectCooldownRemaining reports how long the reconnect circuit stays open.
func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.reconnect.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) circuitFor(action string) *circuit {
	if b == nil {
		return nil
	}
	switch action {
	case actionPlace:
		return &b.place
	case actionCancel:
		return &b.cancel
	default:
		return &b.reconnect
	}
}

func (b *Breaker) allow(c *circuit) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	b.mu.Unlock()

	b.logger.Info("circuit_breaker_half_open", zap.String("action", c.name), zap.Duration("cooldown", b.cooldown))
	b.alert("circuit_breaker_half_open", map[string]string{
		"action":       c.name,
		"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
	})
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitOpen:
			// A success while open came from a call admitted before the trip.
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			b.logger.Info("circuit_breaker_recovered",
				zap.String("action", c.name),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			b.alert("circuit_breaker_recovered", map[string]string{
				"action":                        c.name,
				"previous_consecutive_failures": strconv.Itoa(prevFailures),
				"from_state":                    string(prevState),
			})
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", core.ErrCircuitOpen, c.name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, 1, "half_open_probe_failed")
		b.mu.Unlock()
		b.logger.Error("circuit_breaker_trip",
			zap.String("action", c.name),
			zap.String("phase", "half_open"),
			zap.Int("threshold", c.maxFailures),
			zap.Error(err),
		)
		b.alert("circuit_breaker_trip", map[string]string{
			"action":     c.name,
			"phase":      "half_open",
			"threshold":  strconv.Itoa(c.maxFailures),
			"last_error": err.Error(),
		})
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 && c.name != actionReconnect {
			b.logger.Warn("circuit_breaker_near_trip",
				zap.String("action", c.name),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", limit),
				zap.Error(err),
			)
			b.alert("circuit_breaker_near_trip", map[string]string{
				"action":               c.name,
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(limit),
				"last_error":           err.Error(),
			})
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.logger.Error("circuit_breaker_trip",
		zap.String("action", c.name),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", limit),
		zap.Error(err),
	)
	b.alert("circuit_breaker_trip", map[string]string{
		"action":               c.name,
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(limit),
		"last_error":           err.Error(),
	})
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		core.ErrCircuitOpen, c.name, failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) alert(event string, fields map[string]string) {
	if b.alerter != nil {
		b.alerter.Important(event, fields)
	}
}
