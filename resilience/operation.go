package resilience

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/faults"
)

// OutcomeStatus discriminates the three terminal shapes of a resilient
// operation.
type OutcomeStatus int

const (
	// OutcomeSuccess means the operation (possibly after retries)
	// produced a value.
	OutcomeSuccess OutcomeStatus = iota
	// OutcomeFallback means the operation failed but a configured
	// fallback produced a value; the original error is preserved.
	OutcomeFallback
	// OutcomeFailure means the operation and any fallback failed.
	OutcomeFailure
)

// String returns the outcome name.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeFallback:
		return "fallback"
	default:
		return "failure"
	}
}

// Outcome is the typed result of a resilient operation. It is always
// returned, never panicked: callers branch on Status and the
// classification fields.
type Outcome[T any] struct {
	Status OutcomeStatus
	Value  T

	// Err is the terminal error of the operation itself. Set for
	// OutcomeFallback and OutcomeFailure.
	Err error
	// FallbackErr is the fallback's own failure, reported separately
	// so it never masks the original error.
	FallbackErr error

	// Kind and Strategy classify the terminal error.
	Kind     faults.Kind
	Strategy faults.RecoveryStrategy
	// RecoveryAttempted reports whether retries ran before giving up.
	RecoveryAttempted bool
	// UserActionRequired reports whether the failure needs the user
	// (sign in again, correct input).
	UserActionRequired bool

	// Attempts and Duration describe the work done, for observability.
	Attempts int
	Duration time.Duration
}

// UserMessage returns the stable message for the outcome's failure
// kind, or an empty string on success.
func (o Outcome[T]) UserMessage() string {
	if o.Status == OutcomeSuccess {
		return ""
	}
	return o.Kind.UserMessage()
}

// Operation describes one resilient call: the target function, its
// retry policy, and optional fallbacks.
type Operation[T any] struct {
	// Name keys the circuit breaker and appears in logs and metrics.
	Name string
	// Policy is the retry schedule. Zero value means DefaultPolicy.
	Policy Policy
	// Run is the target operation.
	Run func(context.Context) (T, error)
	// Fallback, if set, runs when the operation terminally fails.
	Fallback func(context.Context) (T, error)
	// FallbackValue, if set, is used when the operation terminally
	// fails and Fallback is unset or itself fails.
	FallbackValue *T
}

// RunResilient executes the operation through the retry manager and
// classifies any terminal failure into a typed Outcome.
func RunResilient[T any](ctx context.Context, m *Manager, op Operation[T]) Outcome[T] {
	policy := op.Policy
	if policy.BaseDelay == 0 && policy.MaxDelay == 0 {
		policy = DefaultPolicy()
	}

	start := time.Now()
	value, result, err := ExecuteTyped(ctx, m, op.Name, policy, op.Run)

	out := Outcome[T]{
		Attempts: result.Attempts,
		Duration: time.Since(start),
	}

	if err == nil {
		out.Status = OutcomeSuccess
		out.Value = value
		return out
	}

	kind := faults.Classify(err)
	out.Err = err
	out.Kind = kind
	out.Strategy = kind.Strategy()
	out.UserActionRequired = kind.UserActionRequired()
	out.RecoveryAttempted = result.Attempts > 1

	logrus.WithFields(logrus.Fields{
		"function":  "RunResilient",
		"operation": op.Name,
		"kind":      kind.String(),
		"strategy":  out.Strategy.String(),
		"attempts":  result.Attempts,
	}).Warn("Operation terminally failed, considering fallback")

	if op.Fallback != nil {
		fallbackValue, fallbackErr := op.Fallback(ctx)
		if fallbackErr == nil {
			out.Status = OutcomeFallback
			out.Value = fallbackValue
			return out
		}
		out.FallbackErr = fallbackErr
	}

	if op.FallbackValue != nil {
		out.Status = OutcomeFallback
		out.Value = *op.FallbackValue
		return out
	}

	out.Status = OutcomeFailure
	return out
}
