package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; calls are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit
// is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitConfig controls circuit breaker behavior.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed. Default: 60s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// IsRetryable is used: permanent business failures never trip the
	// breaker, only throttling and infrastructure faults do.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitConfig returns defaults suited to batch model processing.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Circuit implements the circuit breaker pattern for one remote service.
// The batch runner wraps the model service with it so a hard outage stops
// burning the call budget of every remaining item.
type Circuit struct {
	cfg CircuitConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
}

// NewCircuit creates a circuit breaker in the closed state.
func NewCircuit(cfg CircuitConfig) *Circuit {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsRetryable
	}
	return &Circuit{cfg: cfg}
}

// State returns the current state, promoting open to half-open when the
// reset timeout has elapsed.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Circuit) stateLocked() CircuitState {
	if c.state == CircuitOpen && time.Since(c.openedAt) >= c.cfg.ResetTimeout {
		c.transitionLocked(CircuitHalfOpen)
	}
	return c.state
}

// Execute runs fn if the circuit allows it. In the open state the call is
// rejected with ErrCircuitOpen without invoking fn.
func (c *Circuit) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if c.stateLocked() == CircuitOpen {
		c.mu.Unlock()
		return ErrCircuitOpen
	}
	c.mu.Unlock()

	err := fn(ctx)
	c.record(err)
	return err
}

func (c *Circuit) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil || !c.cfg.ShouldTrip(err) {
		c.consecutiveFailures = 0
		if c.state != CircuitClosed && err == nil {
			c.transitionLocked(CircuitClosed)
		}
		return
	}

	c.consecutiveFailures++
	if c.state == CircuitHalfOpen || c.consecutiveFailures >= c.cfg.FailureThreshold {
		c.openedAt = time.Now()
		c.transitionLocked(CircuitOpen)
	}
}

func (c *Circuit) transitionLocked(to CircuitState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == CircuitHalfOpen || to == CircuitClosed {
		c.consecutiveFailures = 0
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}
