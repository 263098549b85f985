package resilience

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/faults"
)

// Policy controls the retry schedule for one operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration
	// MaxDelay caps the schedule.
	MaxDelay time.Duration
	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64
	// JitterFactor applies symmetric random jitter of ±factor×delay so
	// independent clients do not retry in lockstep.
	JitterFactor float64
	// RetryCondition classifies an error as retryable. Defaults to
	// faults.Retryable.
	RetryCondition func(error) bool
}

// DefaultPolicy returns the schedule used when none is supplied.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// Result aggregates the attempts of one Execute call.
type Result struct {
	// Attempts is the number of times the operation ran.
	Attempts int
	// TotalDelay is the summed backoff time spent waiting.
	TotalDelay time.Duration
	// Errors holds every intermediate error in attempt order.
	Errors []error
}

// ExhaustedError is returned when every attempt failed. It carries the
// full error list for diagnostics and unwraps to the last error so
// classification still works.
type ExhaustedError struct {
	Name     string
	Attempts int
	LastErr  error
	Errors   []error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempts: %v", e.Name, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Manager executes operations under a retry policy, optionally gated
// by a circuit breaker registry. Safe for concurrent use.
type Manager struct {
	breakers *Registry
	sleep    func(context.Context, time.Duration) error
	onRetry  func(name string)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithSleepFunc replaces the delay function, primarily for tests.
func WithSleepFunc(fn func(context.Context, time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = fn }
}

// WithRetryObserver registers a callback invoked before every retry
// wait, used to feed metrics.
func WithRetryObserver(fn func(name string)) ManagerOption {
	return func(m *Manager) { m.onRetry = fn }
}

// NewManager creates a retry manager. A nil registry disables circuit
// breaking.
func NewManager(breakers *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: breakers,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs op under the policy, consulting the circuit breaker
// keyed by name. On success the Result reports how many attempts it
// took. On exhaustion it returns an *ExhaustedError wrapping the last
// error with the full error list attached. A rejection from an open
// breaker is returned immediately, never counted or retried.
func (m *Manager) Execute(ctx context.Context, name string, policy Policy, op func(context.Context) error) (*Result, error) {
	retryable := policy.RetryCondition
	if retryable == nil {
		retryable = faults.Retryable
	}

	var breaker *CircuitBreaker
	if m.breakers != nil {
		breaker = m.breakers.Get(name)
	}

	result := &Result{}
	maxAttempts := policy.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				result.Errors = append(result.Errors, err)
				return result, err
			}
		}

		err := op(ctx)
		result.Attempts++

		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return result, nil
		}

		result.Errors = append(result.Errors, err)
		if breaker != nil {
			breaker.RecordFailure()
		}

		if !retryable(err) || attempt == maxAttempts-1 {
			if attempt == maxAttempts-1 && retryable(err) {
				logrus.WithFields(logrus.Fields{
					"function":  "Manager.Execute",
					"operation": name,
					"attempts":  result.Attempts,
				}).Warn("Retry budget exhausted")
			}
			return result, &ExhaustedError{
				Name:     name,
				Attempts: result.Attempts,
				LastErr:  err,
				Errors:   result.Errors,
			}
		}

		delay := jitteredDelay(policy, attempt)
		result.TotalDelay += delay

		logrus.WithFields(logrus.Fields{
			"function":  "Manager.Execute",
			"operation": name,
			"attempt":   attempt + 1,
			"delay":     delay,
		}).Debug("Retrying after backoff delay")

		if m.onRetry != nil {
			m.onRetry(name)
		}

		if err := m.sleep(ctx, delay); err != nil {
			result.Errors = append(result.Errors, err)
			return result, err
		}
	}

	// MaxRetries < 0 leaves the loop without running the operation.
	return result, fmt.Errorf("operation %q: no attempts permitted by policy", name)
}

// ExecuteTyped runs a value-returning operation under the manager.
func ExecuteTyped[T any](ctx context.Context, m *Manager, name string, policy Policy, op func(context.Context) (T, error)) (T, *Result, error) {
	var value T

	result, err := m.Execute(ctx, name, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})

	if err != nil {
		var zero T
		return zero, result, err
	}
	return value, result, nil
}

// jitteredDelay computes the backoff delay for a 0-indexed attempt
// (post-first-failure): min(base × multiplier^attempt, max) adjusted
// by symmetric random jitter.
func jitteredDelay(policy Policy, attempt int) time.Duration {
	delay := float64(policy.BaseDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if limit := float64(policy.MaxDelay); delay > limit {
		delay = limit
	}

	jitterRange := int64(delay * policy.JitterFactor)
	if jitterRange <= 0 {
		return time.Duration(delay)
	}

	// Random jitter in [-jitterRange, +jitterRange].
	n, err := rand.Int(rand.Reader, big.NewInt(2*jitterRange+1))
	if err != nil {
		return time.Duration(delay)
	}
	jitter := n.Int64() - jitterRange

	return time.Duration(int64(delay) + jitter)
}
