// Package resilience implements the fault-tolerance layer: bounded
// retries with exponential backoff and jitter, per-resource circuit
// breaking, and a typed resilient-operation wrapper composing the two
// with error classification and fallbacks.
//
// All shared state lives in explicit objects (Registry, Manager)
// constructed once at startup and passed by reference; there are no
// package-level singletons.
package resilience

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/faults"
)

// BreakerState is the circuit breaker state for one named resource.
type BreakerState int

const (
	// StateClosed passes calls through while counting failures.
	StateClosed BreakerState = iota
	// StateOpen rejects calls immediately until the cooldown passes.
	StateOpen
	// StateHalfOpen admits a single probe call after the cooldown.
	StateHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "halfOpen"
	default:
		return "closed"
	}
}

// BreakerConfig holds the thresholds shared by all breakers in a
// registry.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that
	// trips a closed breaker.
	FailureThreshold int
	// ResetTimeout is the cooldown before an open breaker admits a
	// probe.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the thresholds used when none are
// supplied.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker tracks the health of one named resource. Safe for
// concurrent use.
type CircuitBreaker struct {
	name         string
	config       BreakerConfig
	clock        Clock
	onTransition func(name string, state BreakerState)

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	cooldownUntil       time.Time
	probing             bool
}

// BreakerSnapshot is a point-in-time view of a breaker for diagnostics.
type BreakerSnapshot struct {
	Name                string
	State               BreakerState
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// Allow reports whether a call may proceed. It returns a
// *faults.CircuitOpenError when the breaker is open or a half-open
// probe is already in flight; exactly one caller is admitted as the
// probe after the cooldown.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		now := cb.clock.Now()
		if now.Before(cb.cooldownUntil) {
			return &faults.CircuitOpenError{
				Name:       cb.name,
				RetryAfter: cb.cooldownUntil.Sub(now),
			}
		}
		// Cooldown has passed; this caller becomes the probe.
		cb.transition(StateHalfOpen)
		cb.probing = true
		return nil

	default: // StateHalfOpen
		if cb.probing {
			return &faults.CircuitOpenError{Name: cb.name}
		}
		cb.probing = true
		return nil
	}
}

// RecordSuccess reports a successful call. A half-open probe success
// closes the breaker and zeroes the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure reports a failed call. A half-open probe failure
// reopens with a fresh cooldown; reaching the threshold while closed
// trips the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		cb.cooldownUntil = cb.clock.Now().Add(cb.config.ResetTimeout)
		cb.transition(StateOpen)

	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.cooldownUntil = cb.clock.Now().Add(cb.config.ResetTimeout)
			cb.transition(StateOpen)
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker record for diagnostics.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerSnapshot{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		CooldownUntil:       cb.cooldownUntil,
	}
}

// transition changes state and notifies the observer. Caller holds the
// lock.
func (cb *CircuitBreaker) transition(next BreakerState) {
	logrus.WithFields(logrus.Fields{
		"function": "CircuitBreaker.transition",
		"breaker":  cb.name,
		"from":     cb.state.String(),
		"to":       next.String(),
		"failures": cb.consecutiveFailures,
	}).Info("Circuit breaker state change")

	cb.state = next
	if cb.onTransition != nil {
		cb.onTransition(cb.name, next)
	}
}

// Registry owns the circuit breakers of a process, keyed by resource
// name. Records are created lazily and live for the registry lifetime.
type Registry struct {
	mu           sync.Mutex
	breakers     map[string]*CircuitBreaker
	config       BreakerConfig
	clock        Clock
	onTransition func(name string, state BreakerState)
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock injects a clock, primarily for tests.
func WithClock(clock Clock) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// WithTransitionObserver registers a callback invoked on every breaker
// state change, used to feed metrics.
func WithTransitionObserver(fn func(name string, state BreakerState)) RegistryOption {
	return func(r *Registry) { r.onTransition = fn }
}

// NewRegistry creates a breaker registry with the given shared config.
func NewRegistry(config BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		clock:    SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for a resource name, creating it on first
// use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := &CircuitBreaker{
		name:         name,
		config:       r.config,
		clock:        r.clock,
		onTransition: r.onTransition,
	}
	r.breakers[name] = cb
	return cb
}

// Snapshots returns diagnostics for every breaker in the registry.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
