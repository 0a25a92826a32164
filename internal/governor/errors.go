package governor

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned by Admit while a domain's circuit breaker is
// rejecting requests. Callers must not retry until the breaker leaves Open.
var ErrCircuitOpen = errors.New("circuit open")

// ErrRetryExhausted marks a logical operation whose retry budget ran out.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// PolicyViolationError reports a malformed policy override. Violations are
// rejected at resolution time, never silently clamped.
type PolicyViolationError struct {
	Domain string
	Field  string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	domain := e.Domain
	if domain == "" {
		domain = "default"
	}
	return fmt.Sprintf("policy violation for %s: %s %s", domain, e.Field, e.Reason)
}
