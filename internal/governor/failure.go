package governor

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// failureHorizon bounds how far back the rolling outcome window reaches.
const failureHorizon = 10 * time.Minute

// CircuitState is the per-domain breaker state.
type CircuitState int32

// Circuit breaker states.
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type outcomeRecord struct {
	success bool
	at      time.Time
}

type failureState struct {
	window              []outcomeRecord
	consecutiveFailures int
	circuit             CircuitState
	openedAt            time.Time
	trialInFlight       bool
	trialStartedAt      time.Time
}

// FailureMonitor tracks per-domain outcomes, computes the rolling success
// rate and failure streak, and drives the circuit breaker.
type FailureMonitor struct {
	clock              Clock
	exponentialBackoff bool
	logger             *zap.Logger

	mu      sync.Mutex
	domains map[string]*failureState
}

// NewFailureMonitor constructs a FailureMonitor. When exponentialBackoff is
// disabled, failed attempts are retried immediately instead of backed off.
func NewFailureMonitor(clock Clock, exponentialBackoff bool, logger *zap.Logger) *FailureMonitor {
	return &FailureMonitor{
		clock:              clock,
		exponentialBackoff: exponentialBackoff,
		logger:             logger,
		domains:            make(map[string]*failureState),
	}
}

// Allow gates admission through the circuit breaker. Open circuits reject
// with ErrCircuitOpen until the recovery timeout elapses, then admit exactly
// one trial request in HalfOpen.
func (m *FailureMonitor) Allow(domain string, p Policy) error {
	if !p.CircuitBreaker.Enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(domain)

	switch st.circuit {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if m.clock.Now().Sub(st.openedAt) < p.CircuitBreaker.RecoveryTimeout {
			return ErrCircuitOpen
		}
		st.circuit = CircuitHalfOpen
		st.trialInFlight = true
		st.trialStartedAt = m.clock.Now()
		m.logger.Info("circuit half-open, admitting trial request", zap.String("domain", strings.ToLower(domain)))
		observeCircuitState(domain, CircuitHalfOpen)
		return nil
	case CircuitHalfOpen:
		if st.trialInFlight {
			// A trial whose caller bailed out before reporting must not
			// wedge the breaker; after the recovery timeout the trial slot
			// is forfeit and a new one is admitted.
			if m.clock.Now().Sub(st.trialStartedAt) < p.CircuitBreaker.RecoveryTimeout {
				return ErrCircuitOpen
			}
			m.logger.Warn("half-open trial never reported, admitting replacement",
				zap.String("domain", strings.ToLower(domain)))
		}
		st.trialInFlight = true
		st.trialStartedAt = m.clock.Now()
		return nil
	default:
		return nil
	}
}

// Report appends the outcome to the domain's rolling window, advances the
// breaker, and tells the caller whether to retry. Reporting is deliberately
// not idempotent: the same outcome reported twice counts twice.
func (m *FailureMonitor) Report(domain string, o Outcome, p Policy) Advice {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(domain)

	st.window = append(st.window, outcomeRecord{success: o.Success, at: now})
	st.trim(now)
	if o.Success {
		st.consecutiveFailures = 0
	} else {
		st.consecutiveFailures++
	}

	m.advanceCircuitLocked(domain, st, o, p, now)

	if o.Success {
		return Advice{Decision: RetryNone}
	}
	if st.circuit == CircuitOpen {
		return Advice{Decision: Abandon}
	}
	if o.Attempt+1 >= p.RetryAttempts {
		return Advice{Decision: Abandon}
	}
	if !m.exponentialBackoff {
		return Advice{Decision: RetryImmediately}
	}
	backoff := p.BaseDelay << uint(o.Attempt)
	if backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	return Advice{Decision: RetryAfterBackoff, Backoff: backoff}
}

func (m *FailureMonitor) advanceCircuitLocked(domain string, st *failureState, o Outcome, p Policy, now time.Time) {
	if !p.CircuitBreaker.Enabled {
		return
	}
	key := strings.ToLower(domain)

	switch st.circuit {
	case CircuitHalfOpen:
		if !st.trialInFlight {
			return
		}
		st.trialInFlight = false
		if o.Success {
			st.circuit = CircuitClosed
			st.consecutiveFailures = 0
			m.logger.Info("circuit closed after successful trial", zap.String("domain", key))
		} else {
			st.circuit = CircuitOpen
			st.openedAt = now
			m.logger.Warn("circuit reopened after failed trial", zap.String("domain", key))
		}
		observeCircuitState(domain, st.circuit)
	case CircuitClosed:
		if !o.Success && st.consecutiveFailures >= p.CircuitBreaker.FailureThreshold {
			st.circuit = CircuitOpen
			st.openedAt = now
			m.logger.Warn("circuit opened",
				zap.String("domain", key),
				zap.Int("consecutive_failures", st.consecutiveFailures),
			)
			observeCircuitState(domain, CircuitOpen)
		}
	case CircuitOpen:
		// Reports while Open (late arrivals from in-flight requests) do not
		// move the breaker.
	}
}

// IsHealthy reports whether the domain is below its failure limits.
func (m *FailureMonitor) IsHealthy(domain string, p Policy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(domain)
	st.trim(m.clock.Now())

	if p.MaxFailedRequests > 0 && st.consecutiveFailures >= p.MaxFailedRequests {
		return false
	}
	if len(st.window) > 0 && st.successRate() < p.SuccessRateThreshold {
		return false
	}
	return true
}

// State returns the domain's current circuit state.
func (m *FailureMonitor) State(domain string) CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(domain).circuit
}

// Snapshot returns the rolling success rate and failure streak for status
// reporting.
func (m *FailureMonitor) Snapshot(domain string) (successRate float64, consecutiveFailures int, state CircuitState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(domain)
	st.trim(m.clock.Now())
	return st.successRate(), st.consecutiveFailures, st.circuit
}

// Reset forces the domain's circuit back to Closed and clears its streak.
// Operator escape hatch; normal recovery goes through HalfOpen.
func (m *FailureMonitor) Reset(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(domain)
	st.circuit = CircuitClosed
	st.consecutiveFailures = 0
	st.trialInFlight = false
	m.logger.Info("circuit manually reset", zap.String("domain", strings.ToLower(domain)))
	observeCircuitState(domain, CircuitClosed)
}

func (m *FailureMonitor) stateLocked(domain string) *failureState {
	key := strings.ToLower(domain)
	st, ok := m.domains[key]
	if !ok {
		st = &failureState{circuit: CircuitClosed}
		m.domains[key] = st
	}
	return st
}

func (st *failureState) trim(now time.Time) {
	cutoff := now.Add(-failureHorizon)
	idx := 0
	for idx < len(st.window) && st.window[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		st.window = append(st.window[:0], st.window[idx:]...)
	}
}

func (st *failureState) successRate() float64 {
	if len(st.window) == 0 {
		return 1
	}
	succeeded := 0
	for _, rec := range st.window {
		if rec.success {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(st.window))
}
