package governor

import (
	"net/http"
	"sync/atomic"
	"time"
)

// SessionState represents the lifecycle state of a Session.
type SessionState int32

// Session lifecycle states.
const (
	SessionActive SessionState = iota
	SessionExpiring
	SessionRetired
)

// String returns the lowercase state name.
func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpiring:
		return "expiring"
	case SessionRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Fingerprint is the externally visible identity surface of a session.
type Fingerprint struct {
	UserAgent       string
	HeaderOrderSeed int64
	TLSProfileSeed  int64
}

// Session is one bounded-lifetime identity used for a run of requests to a
// single domain. Exactly one Active session exists per domain at a time.
type Session struct {
	ID          string
	Domain      string
	CreatedAt   time.Time
	Fingerprint Fingerprint

	// Jar is an opaque cookie jar handle owned by the caller; the governor
	// only carries the reference across rotations.
	Jar http.CookieJar

	state    atomic.Int32
	requests atomic.Int64
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// RequestCount returns the number of requests admitted on this session.
func (s *Session) RequestCount() int {
	return int(s.requests.Load())
}

// Age returns how long the session has existed as of now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

func (s *Session) recordRequest() int {
	return int(s.requests.Add(1))
}

// LongDelayPolicy describes the occasional long pause simulating human
// inattention.
type LongDelayPolicy struct {
	Enabled     bool
	Probability float64
	Min         time.Duration
	Max         time.Duration
}

// CircuitBreakerPolicy holds the per-domain circuit breaker limits.
type CircuitBreakerPolicy struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Policy is the resolved, immutable set of pacing and failure limits for one
// domain. It is built by overlaying a site override onto the global default
// and never mutated afterwards.
type Policy struct {
	Domain string

	MaxRequestsPerSession int
	MaxSessionDuration    time.Duration
	SessionRenewalJitter  time.Duration

	BaseDelay            time.Duration
	MaxDelay             time.Duration
	DelayJitter          time.Duration
	MaxRequestsPerMinute int
	RandomLongDelay      LongDelayPolicy

	MaxFailedRequests    int
	SuccessRateThreshold float64
	RetryAttempts        int
	CircuitBreaker       CircuitBreakerPolicy

	AggressiveMode bool
	StealthMode    bool

	// Capability flags surfaced to the caller, never acted on by the core.
	RequiresJavaScript bool
	RequiresLogin      bool
}

// Outcome reports the result of one network attempt back to the governor.
type Outcome struct {
	Success bool
	// Attempt is the zero-based retry attempt within one logical operation.
	Attempt int
}

// ResponseSignal is the caller-supplied abstraction of an HTTP response. The
// governor never sees full bodies, only a bounded excerpt.
type ResponseSignal struct {
	StatusCode       int
	BodyExcerpt      string
	RetryAfter       time.Duration
	HasRetryAfter    bool
	CaptchaChallenge bool
}

// EmergencyKind classifies a detected blocking signal.
type EmergencyKind int

// Emergency kinds, in detection priority order.
const (
	KindIPBan EmergencyKind = iota
	KindCaptchaFlood
	KindRateLimited
)

// String returns the snake_case kind name used in logs and metrics.
func (k EmergencyKind) String() string {
	switch k {
	case KindIPBan:
		return "ip_ban"
	case KindCaptchaFlood:
		return "captcha_flood"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// EmergencyAction is the closed set of escalation responses. Configuration
// strings are parsed into this enum up front so a typo cannot become a silent
// no-op.
type EmergencyAction int

// Escalation actions.
const (
	// ActionSwitchProxyAndDelay rotates the session and defers the domain for
	// the circuit breaker's recovery timeout. The caller is expected to pull
	// a fresh proxy from its own pool when it observes the event.
	ActionSwitchProxyAndDelay EmergencyAction = iota
	// ActionLongDelayAndProfileChange rotates the session and defers the
	// domain for a long randomized delay.
	ActionLongDelayAndProfileChange
	// ActionBackoff defers the domain without touching the session.
	ActionBackoff
)

// String returns the configuration spelling of the action.
func (a EmergencyAction) String() string {
	switch a {
	case ActionSwitchProxyAndDelay:
		return "switch_proxy_and_delay"
	case ActionLongDelayAndProfileChange:
		return "long_delay_and_profile_change"
	case ActionBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ParseAction maps a configured response string onto the action enum.
func ParseAction(s string) (EmergencyAction, bool) {
	switch s {
	case "switch_proxy_and_delay":
		return ActionSwitchProxyAndDelay, true
	case "long_delay_and_profile_change":
		return ActionLongDelayAndProfileChange, true
	case "backoff":
		return ActionBackoff, true
	default:
		return 0, false
	}
}

// EmergencyEvent records one detected blocking signal. It exists only to
// trigger its side effects and is never persisted.
type EmergencyEvent struct {
	Domain     string
	Kind       EmergencyKind
	Action     EmergencyAction
	DetectedAt time.Time
	// Wait is the forced delay the event carries, when the kind implies one.
	Wait time.Duration
}

// Decision is what Admit hands back to the caller: the session to send on and
// the delay to honor before sending.
type Decision struct {
	Session *Session
	Wait    time.Duration
}

// RetryDecision tells the caller what to do after a reported failure.
type RetryDecision int

// Retry decisions.
const (
	RetryNone RetryDecision = iota
	RetryImmediately
	RetryAfterBackoff
	Abandon
)

// String returns the lowercase decision name.
func (d RetryDecision) String() string {
	switch d {
	case RetryNone:
		return "none"
	case RetryImmediately:
		return "immediately"
	case RetryAfterBackoff:
		return "after_backoff"
	case Abandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// Advice is the retry guidance returned by Report.
type Advice struct {
	Decision RetryDecision
	Backoff  time.Duration
}

// DomainStatus is a read-only runtime snapshot for one domain.
type DomainStatus struct {
	Domain              string        `json:"domain"`
	Circuit             string        `json:"circuit"`
	SuccessRate         float64       `json:"success_rate"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SessionID           string        `json:"session_id,omitempty"`
	SessionAge          time.Duration `json:"session_age_ns,omitempty"`
	SessionRequests     int           `json:"session_requests"`
	ForcedWait          time.Duration `json:"forced_wait_ns"`
}
