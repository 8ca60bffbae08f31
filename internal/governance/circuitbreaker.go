package governance

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates the circuit is closed and dispatch is allowed.
	StateClosed State = "closed"
	// StateOpen indicates the circuit is open and dispatch is refused.
	StateOpen State = "open"
	// StateHalfOpen indicates the circuit is testing whether the handler has recovered.
	StateHalfOpen State = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// CoolDown is how long the circuit stays open before permitting a trial.
	CoolDown time.Duration
	// Window bounds how long a failure streak stays relevant. A failure
	// arriving more than Window after the streak began restarts the count.
	Window time.Duration
	// MaxCoolDownFactor caps the exponential growth of the cool-down on
	// successive reopenings (cool-down = CoolDown * 2^reopenings, capped).
	MaxCoolDownFactor int
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		CoolDown:          30 * time.Second,
		Window:            60 * time.Second,
		MaxCoolDownFactor: 8,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxCoolDownFactor <= 0 {
		c.MaxCoolDownFactor = d.MaxCoolDownFactor
	}
	return c
}

// Breaker implements the circuit breaker pattern for one handler.
//
// The breaker's check is always an immediate in-memory state read; it never
// waits out its own cool-down. The OPEN→HALF_OPEN transition happens lazily
// on the first Allow call after the cool-down has elapsed, and HALF_OPEN
// admits exactly one trial invocation.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig

	state               State
	consecutiveFailures int
	streakStart         time.Time
	openedAt            time.Time
	reopenings          int
	trialInFlight       bool
}

// NewBreaker creates a circuit breaker with the provided configuration.
func NewBreaker(config BreakerConfig) *Breaker {
	return &Breaker{
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Allow reports whether a dispatch attempt may proceed. It returns
// ErrCircuitOpen while the circuit is open or while a half-open trial is
// already in flight.
func (b *Breaker) Allow() error {
	return b.allowAt(time.Now())
}

func (b *Breaker) allowAt(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) >= b.coolDownLocked() {
			b.state = StateHalfOpen
			b.trialInFlight = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return ErrCircuitOpen
}

// Record reports the outcome of a dispatch attempt previously admitted by
// Allow. A nil err is a success.
func (b *Breaker) Record(err error) {
	b.recordAt(time.Now(), err)
}

func (b *Breaker) recordAt(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if err != nil {
			// Failed trial: reopen with a longer cool-down.
			b.reopenings++
			b.openLocked(now)
			return
		}
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.reopenings = 0

	case StateClosed:
		if err == nil {
			b.consecutiveFailures = 0
			return
		}
		if b.consecutiveFailures == 0 || now.Sub(b.streakStart) > b.config.Window {
			b.streakStart = now
			b.consecutiveFailures = 0
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openLocked(now)
		}

	case StateOpen:
		// Late outcome from before the circuit opened; nothing to update.
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.consecutiveFailures = 0
	b.trialInFlight = false
}

// coolDownLocked returns the effective cool-down, doubled per reopening and
// capped by MaxCoolDownFactor.
func (b *Breaker) coolDownLocked() time.Duration {
	factor := 1
	for i := 0; i < b.reopenings && factor < b.config.MaxCoolDownFactor; i++ {
		factor *= 2
	}
	if factor > b.config.MaxCoolDownFactor {
		factor = b.config.MaxCoolDownFactor
	}
	return b.config.CoolDown * time.Duration(factor)
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats exposes circuit breaker status information.
type BreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Reopenings          int    `json:"reopenings"`
	OpenedAt            string `json:"openedAt,omitempty"`
}

// Stats returns current circuit breaker statistics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		State:               string(b.state),
		ConsecutiveFailures: b.consecutiveFailures,
		Reopenings:          b.reopenings,
	}
	if b.state == StateOpen {
		stats.OpenedAt = b.openedAt.Format(time.RFC3339)
	}
	return stats
}

// Reset manually resets the circuit breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.reopenings = 0
	b.trialInFlight = false
}

// BreakerManager manages circuit breakers for multiple handlers. Breakers
// are created lazily so a handler gains failure isolation the first time it
// is dispatched. Locking is per handler; the manager lock only guards the map.
type BreakerManager struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerManager creates a manager that configures new breakers with config.
func NewBreakerManager(config BreakerConfig) *BreakerManager {
	return &BreakerManager{
		config:   config.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get retrieves the circuit breaker for a handler, creating one if needed.
func (m *BreakerManager) Get(handler string) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[handler]
	m.mu.RUnlock()

	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, exists := m.breakers[handler]; exists {
		return b
	}

	b = NewBreaker(m.config)
	m.breakers[handler] = b
	return b
}

// Stats returns statistics for all known breakers, keyed by handler name.
func (m *BreakerManager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for handler, b := range m.breakers {
		stats[handler] = b.Stats()
	}
	return stats
}

// Handlers returns the tracked handler names in sorted order.
func (m *BreakerManager) Handlers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for handler := range m.breakers {
		names = append(names, handler)
	}
	sort.Strings(names)
	return names
}

// ResetAll resets all circuit breakers to closed state.
func (m *BreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}
