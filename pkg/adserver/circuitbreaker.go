package adserver

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states
const (
	StateClosed   = "closed"    // Calls flow to the ad server
	StateOpen     = "open"      // Calls are refused
	StateHalfOpen = "half-open" // One probe call at a time
)

// ErrCircuitOpen is returned when the ad server is considered down
var ErrCircuitOpen = errors.New("ad server circuit open")

// BreakerConfig holds circuit breaker tuning
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Probe successes before closing again
	Cooldown         time.Duration // Open time before probing
	OnStateChange    func(from, to string)
}

// DefaultBreakerConfig returns defaults sized for an ad server called once per load
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         15 * time.Second,
	}
}

// CircuitBreaker stops calling the ad server after repeated failures so loads
// fall back to the primary bid without waiting on a dead upstream
type CircuitBreaker struct {
	cfg *BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     string
	failures  int
	successes int
	openedAt  time.Time
	probing   bool

	calls    int64
	rejected int64

	callbacks sync.WaitGroup
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(cfg *BreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Execute runs fn unless the breaker is open. An error from fn counts as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.calls++

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return nil

	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false

	if !ok {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transition(to string) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.successes = 0

	if cb.cfg.OnStateChange != nil {
		cb.callbacks.Add(1)
		go func() {
			defer cb.callbacks.Done()
			cb.cfg.OnStateChange(from, to)
		}()
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats is a snapshot of breaker counters
type BreakerStats struct {
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
	Calls    int64  `json:"calls"`
	Rejected int64  `json:"rejected"`
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:    cb.state,
		Failures: cb.failures,
		Calls:    cb.calls,
		Rejected: cb.rejected,
	}
}

// Close waits for state change callbacks to finish
func (cb *CircuitBreaker) Close() {
	cb.callbacks.Wait()
}
