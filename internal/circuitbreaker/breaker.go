// Package circuitbreaker keeps repeatedly failing strategies out of the quote fan-out
// until they have had time to recover.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, the strategy is skipped
	StateHalfOpen              // Testing if the strategy has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in status payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrOpen is returned by Allow while the circuit is open
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker guards one strategy. Consecutive failures past the threshold open the
// circuit; after the reset delay one trial call is let through in the half-open state.
type CircuitBreaker struct {
	// Configuration thresholds for triggering the circuit breaker
	thresholds Thresholds

	// Current state of the circuit breaker (Closed, Open, HalfOpen)
	state State

	// Timestamp of the last circuit trip
	lastTrip time.Time

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Consecutive counted failures while closed
	failures int

	// Most recent counted failure
	lastErr error

	// Count of consecutive successful operations in HalfOpen state
	successCount int

	// Number of successful operations required to close circuit
	successThreshold int

	// Event callback for monitoring/alerting
	onTripCallback func(reason string, lastErr error)

	now func() time.Time
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Consecutive failures that open the circuit
	MaxFailures int `json:"max_failures"`
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	if t.MaxFailures <= 0 {
		t.MaxFailures = 5
	}
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 1,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful operations needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, lastErr error)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock replaces the wall clock
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Counts reports whether an error is a strategy failure. A strategy declining a route or
// finding a pool too shallow is answering correctly and does not count.
func Counts(err error) bool {
	if err == nil {
		return false
	}
	var (
		unsupported  *model.UnsupportedRouteError
		insufficient *model.InsufficientLiquidityError
	)
	return !errors.As(err, &unsupported) && !errors.As(err, &insufficient)
}

// Allow reports whether the guarded strategy may run now
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastTrip) < cb.resetDelay {
		return fmt.Errorf("%w: %v", ErrOpen, cb.lastErr)
	}
	cb.state = StateHalfOpen
	cb.successCount = 0
	logrus.Info("Circuit breaker half-open: testing strategy recovery")
	return nil
}

// Record feeds the outcome of one run into the breaker and returns the resulting state
func (cb *CircuitBreaker) Record(err error) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !Counts(err) {
		cb.failures = 0
		// If we're in half-open state, increment success count and check if we can close
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= cb.successThreshold {
				cb.state = StateClosed
				cb.successCount = 0
				logrus.Info("Circuit breaker closed: strategy has recovered")
			}
		}
		return cb.state
	}

	cb.lastErr = err
	switch cb.state {
	case StateHalfOpen:
		cb.trip(fmt.Sprintf("trial call failed: %v", err))
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.thresholds.MaxFailures {
			cb.trip(fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
		}
	}
	return cb.state
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// trip sets the circuit breaker to open state with the current time
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.failures = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason, cb.lastErr)
	}
}

// Set holds one breaker per strategy, created on first use
type Set struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	factory  func(strategyID string) *CircuitBreaker
}

// NewSet creates breakers for strategies with the given factory
func NewSet(factory func(strategyID string) *CircuitBreaker) *Set {
	return &Set{breakers: make(map[string]*CircuitBreaker), factory: factory}
}

// For returns the breaker of a strategy
func (s *Set) For(strategyID string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[strategyID]
	if !ok {
		cb = s.factory(strategyID)
		s.breakers[strategyID] = cb
	}
	return cb
}

// Status is a breaker snapshot for operators
type Status struct {
	Strategy string `json:"strategy"`
	State    State  `json:"state"`
}

// Snapshot lists every breaker created so far, sorted by strategy id
func (s *Set) Snapshot() []Status {
	s.mu.Lock()
	ids := make([]string, 0, len(s.breakers))
	for id := range s.breakers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, Status{Strategy: id, State: s.For(id).GetState()})
	}
	return out
}

// Reset closes the breaker of one strategy. It reports false for unknown strategies.
func (s *Set) Reset(strategyID string) bool {
	s.mu.Lock()
	cb, ok := s.breakers[strategyID]
	s.mu.Unlock()
	if ok {
		cb.Reset()
	}
	return ok
}
