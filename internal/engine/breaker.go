package engine

import (
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

// BreakerState is the state of one action's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, rejecting dispatch
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-action circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects dispatch before probing.
	Cooldown time.Duration
	// HalfOpenMax bounds concurrent probe dispatches while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	lastFail  time.Time
	probes    int
	config    BreakerConfig
}

// BreakerRegistry holds one circuit per action name. Runs sharing an engine
// share its breakers, so a flapping collaborator is shed across all runs.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given tuning.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow reports whether a dispatch to the action may proceed. Returns a
// CIRCUIT_OPEN error while the circuit is open and cooling down.
func (r *BreakerRegistry) Allow(action string) error {
	b := r.get(action)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFail) >= b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for action %q after %d consecutive failures", action, b.failures).
			WithDetails(map[string]any{
				"action":   action,
				"failures": b.failures,
				"state":    b.state.String(),
			})
	case BreakerHalfOpen:
		if b.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for action %q: probe in flight", action)
		}
		b.probes++
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit for the action.
func (r *BreakerRegistry) RecordSuccess(action string) {
	b := r.get(action)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failure and returns the resulting state. A failure
// while half-open reopens immediately.
func (r *BreakerRegistry) RecordFailure(action string) BreakerState {
	b := r.get(action)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFail = time.Now()

	if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = BreakerOpen
	}
	return b.state
}

// State returns the circuit state for an action, applying the cooldown
// transition to half-open when due.
func (r *BreakerRegistry) State(action string) BreakerState {
	b := r.get(action)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFail) >= b.config.Cooldown {
		b.state = BreakerHalfOpen
		b.probes = 0
	}
	return b.state
}

func (r *BreakerRegistry) get(action string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[action]
	if !ok {
		b = &breaker{state: BreakerClosed, config: r.config}
		r.breakers[action] = b
	}
	return b
}
