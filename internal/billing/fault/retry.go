package fault

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Decision is the outcome of consulting the retry policy.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide reports whether a failure of kind on the given attempt (1-based,
// counting the first try) should be retried. The returned delay is zero.
func Decide(kind Kind, attempt, maxAttempts int) Decision {
	if kind != KindTransient {
		return Decision{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Decision{Retry: attempt < maxAttempts}
}

// Policy is a stateless fixed-delay retry policy. Attempt counters live with
// the caller.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Decide applies the policy to a failure observed on attempt.
func (p Policy) Decide(kind Kind, attempt int) Decision {
	p = p.withDefaults()
	decision := Decide(kind, attempt, p.MaxAttempts)
	if decision.Retry {
		decision.Delay = p.Delay
	}
	return decision
}
