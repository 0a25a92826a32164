package governor

import (
	"strings"
	"sync"
	"time"
)

// PolicyOverride is the per-site subset of policy fields. Nil fields inherit
// the global default.
type PolicyOverride struct {
	MaxRequestsPerSession *int
	MaxSessionDuration    *time.Duration
	SessionRenewalJitter  *time.Duration

	BaseDelay            *time.Duration
	MaxDelay             *time.Duration
	DelayJitter          *time.Duration
	MaxRequestsPerMinute *int
	RandomLongDelay      *LongDelayPolicy

	MaxFailedRequests    *int
	SuccessRateThreshold *float64
	RetryAttempts        *int
	CircuitBreaker       *CircuitBreakerPolicy

	AggressiveMode *bool
	StealthMode    *bool

	RequiresJavaScript *bool
	RequiresLogin      *bool
}

// Settings is the static policy table the resolver works from: one global
// default plus named site overrides, fixed for the process lifetime.
type Settings struct {
	Defaults  Policy
	Overrides map[string]PolicyOverride
}

// PolicyResolver merges the global default policy with a per-domain override
// into one effective snapshot. Resolution is pure, so results are memoized.
type PolicyResolver struct {
	settings Settings

	mu    sync.RWMutex
	cache map[string]Policy
}

// NewPolicyResolver builds a resolver over a static settings table.
func NewPolicyResolver(settings Settings) *PolicyResolver {
	return &PolicyResolver{
		settings: settings,
		cache:    make(map[string]Policy),
	}
}

// Resolve returns the effective policy for domain. Unknown domains receive
// the unmodified global default; absence of an override is not an error.
func (r *PolicyResolver) Resolve(domain string) (Policy, error) {
	key := strings.ToLower(domain)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	policy := r.settings.Defaults
	policy.Domain = key
	if override, ok := r.settings.Overrides[key]; ok {
		applyOverride(&policy, override)
	}
	if err := validatePolicy(policy); err != nil {
		return Policy{}, err
	}

	r.mu.Lock()
	r.cache[key] = policy
	r.mu.Unlock()
	return policy, nil
}

func applyOverride(p *Policy, o PolicyOverride) {
	if o.MaxRequestsPerSession != nil {
		p.MaxRequestsPerSession = *o.MaxRequestsPerSession
	}
	if o.MaxSessionDuration != nil {
		p.MaxSessionDuration = *o.MaxSessionDuration
	}
	if o.SessionRenewalJitter != nil {
		p.SessionRenewalJitter = *o.SessionRenewalJitter
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.DelayJitter != nil {
		p.DelayJitter = *o.DelayJitter
	}
	if o.MaxRequestsPerMinute != nil {
		p.MaxRequestsPerMinute = *o.MaxRequestsPerMinute
	}
	if o.RandomLongDelay != nil {
		p.RandomLongDelay = *o.RandomLongDelay
	}
	if o.MaxFailedRequests != nil {
		p.MaxFailedRequests = *o.MaxFailedRequests
	}
	if o.SuccessRateThreshold != nil {
		p.SuccessRateThreshold = *o.SuccessRateThreshold
	}
	if o.RetryAttempts != nil {
		p.RetryAttempts = *o.RetryAttempts
	}
	if o.CircuitBreaker != nil {
		p.CircuitBreaker = *o.CircuitBreaker
	}
	if o.RequiresJavaScript != nil {
		p.RequiresJavaScript = *o.RequiresJavaScript
	}
	if o.RequiresLogin != nil {
		p.RequiresLogin = *o.RequiresLogin
	}

	// The site-level flag is authoritative, and the two modes are mutually
	// exclusive biases on the same base delay: enabling one clears the other.
	if o.AggressiveMode != nil {
		p.AggressiveMode = *o.AggressiveMode
		if p.AggressiveMode {
			p.StealthMode = false
		}
	}
	if o.StealthMode != nil {
		p.StealthMode = *o.StealthMode
		if p.StealthMode {
			p.AggressiveMode = false
		}
	}
}

func validatePolicy(p Policy) error {
	if p.BaseDelay < 0 {
		return &PolicyViolationError{Domain: p.Domain, Field: "base_delay", Reason: "must not be negative"}
	}
	if p.BaseDelay > p.MaxDelay {
		return &PolicyViolationError{Domain: p.Domain, Field: "base_delay", Reason: "exceeds max_delay"}
	}
	if p.DelayJitter < 0 {
		return &PolicyViolationError{Domain: p.Domain, Field: "delay_jitter", Reason: "must not be negative"}
	}
	if p.SuccessRateThreshold < 0 || p.SuccessRateThreshold > 1 {
		return &PolicyViolationError{Domain: p.Domain, Field: "success_rate_threshold", Reason: "must be within [0,1]"}
	}
	if p.RetryAttempts < 0 {
		return &PolicyViolationError{Domain: p.Domain, Field: "retry_attempts", Reason: "must not be negative"}
	}
	if p.MaxRequestsPerMinute < 0 {
		return &PolicyViolationError{Domain: p.Domain, Field: "max_requests_per_minute", Reason: "must not be negative"}
	}
	if p.CircuitBreaker.Enabled && p.CircuitBreaker.FailureThreshold < 1 {
		return &PolicyViolationError{Domain: p.Domain, Field: "circuit_breaker.failure_threshold", Reason: "must be at least 1"}
	}
	if p.RandomLongDelay.Enabled {
		if p.RandomLongDelay.Probability < 0 || p.RandomLongDelay.Probability > 1 {
			return &PolicyViolationError{Domain: p.Domain, Field: "random_long_delays.probability", Reason: "must be within [0,1]"}
		}
		if p.RandomLongDelay.Min > p.RandomLongDelay.Max {
			return &PolicyViolationError{Domain: p.Domain, Field: "random_long_delays.min_delay", Reason: "exceeds max_delay"}
		}
	}
	return nil
}
