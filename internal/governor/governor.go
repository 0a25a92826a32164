package governor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Post-rotation settle delay bounds: a fresh session never fires its first
// request instantly.
const (
	settleMin = 5 * time.Second
	settleMax = 15 * time.Second
)

// Option configures optional Governor behavior.
type Option func(*Governor)

// WithEmergencyHook registers a callback invoked for every emergency event,
// after its side effects have been applied. Callers use it to rotate proxies
// or alert; the hook must not block.
func WithEmergencyHook(hook func(EmergencyEvent)) Option {
	return func(g *Governor) {
		g.onEmergency = hook
	}
}

// Governor is the façade external code talks to. It sequences the resolver,
// session manager, pacing engine, failure monitor, and ban detector, holding
// no policy state of its own beyond per-domain admission locks.
type Governor struct {
	resolver *PolicyResolver
	sessions *SessionManager
	pacing   *PacingEngine
	failures *FailureMonitor
	detector *BanDetector
	clock    Clock
	rng      Rand
	logger   *zap.Logger

	onEmergency func(EmergencyEvent)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Governor over its collaborating components.
func New(
	resolver *PolicyResolver,
	sessions *SessionManager,
	pacing *PacingEngine,
	failures *FailureMonitor,
	detector *BanDetector,
	clock Clock,
	rng Rand,
	logger *zap.Logger,
	opts ...Option,
) *Governor {
	g := &Governor{
		resolver: resolver,
		sessions: sessions,
		pacing:   pacing,
		failures: failures,
		detector: detector,
		clock:    clock,
		rng:      rng,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit decides whether a request to domain may be sent, on which session,
// and after what delay. Concurrent Admit calls for the same domain serialize
// on a per-domain lock; unrelated domains never contend.
func (g *Governor) Admit(domain string) (Decision, error) {
	key := strings.ToLower(domain)

	policy, err := g.resolver.Resolve(key)
	if err != nil {
		admitsTotal.WithLabelValues(key, "policy_violation").Inc()
		return Decision{}, err
	}
	if err := g.failures.Allow(key, policy); err != nil {
		admitsTotal.WithLabelValues(key, "circuit_open").Inc()
		return Decision{}, fmt.Errorf("admit %s: %w", key, err)
	}

	lock := g.domainLock(key)
	lock.Lock()

	session, err := g.sessions.Acquire(key)
	if err != nil {
		lock.Unlock()
		return Decision{}, err
	}
	if g.sessions.ShouldRotate(session, policy) {
		session, err = g.rotateLocked(key, "limit")
		if err != nil {
			lock.Unlock()
			return Decision{}, err
		}
	}
	g.sessions.RecordRequest(session)
	wait := g.pacing.NextDelay(session, policy)
	lock.Unlock()

	admitsTotal.WithLabelValues(key, "admitted").Inc()
	waitSeconds.WithLabelValues(key).Observe(wait.Seconds())
	g.logger.Debug("request admitted",
		zap.String("domain", key),
		zap.String("session_id", session.ID),
		zap.Int("session_requests", session.RequestCount()),
		zap.Duration("wait", wait),
	)
	return Decision{Session: session, Wait: wait}, nil
}

// Pause waits out an admission delay, honoring the caller's context.
func (g *Governor) Pause(ctx context.Context, d time.Duration) error {
	return g.pacing.Pause(ctx, d)
}

// Report feeds the outcome of a performed request back into the governor:
// the failure monitor updates its window and breaker, the ban detector
// inspects the signal, and any emergency action is applied to subsequent
// pacing and session decisions. The returned advice tells the caller whether
// to retry.
func (g *Governor) Report(domain string, session *Session, outcome Outcome, sig *ResponseSignal) (Advice, error) {
	key := strings.ToLower(domain)

	policy, err := g.resolver.Resolve(key)
	if err != nil {
		return Advice{}, err
	}
	advice := g.failures.Report(key, outcome, policy)

	if sig != nil {
		if ev := g.detector.Inspect(key, *sig); ev != nil {
			if err := g.applyEmergency(*ev, policy); err != nil {
				return advice, err
			}
		}
	}
	return advice, nil
}

func (g *Governor) applyEmergency(ev EmergencyEvent, policy Policy) error {
	emergenciesTotal.WithLabelValues(ev.Domain, ev.Kind.String()).Inc()

	switch ev.Action {
	case ActionSwitchProxyAndDelay:
		if _, err := g.rotate(ev.Domain, "emergency"); err != nil {
			return err
		}
		g.pacing.NoteEmergencyDelay(ev.Domain, ev.Kind, policy.CircuitBreaker.RecoveryTimeout)
	case ActionLongDelayAndProfileChange:
		if _, err := g.rotate(ev.Domain, "emergency"); err != nil {
			return err
		}
		g.pacing.NoteEmergencyDelay(ev.Domain, ev.Kind, ev.Wait)
	case ActionBackoff:
		g.pacing.NoteEmergencyDelay(ev.Domain, ev.Kind, ev.Wait)
	}

	if g.onEmergency != nil {
		g.onEmergency(ev)
	}
	return nil
}

func (g *Governor) rotate(domain, reason string) (*Session, error) {
	lock := g.domainLock(domain)
	lock.Lock()
	defer lock.Unlock()
	return g.rotateLocked(domain, reason)
}

// rotateLocked rotates the domain's session and defers its next send so the
// fresh identity does not fire instantly. Caller holds the domain lock.
func (g *Governor) rotateLocked(domain, reason string) (*Session, error) {
	session, err := g.sessions.Rotate(domain)
	if err != nil {
		return nil, err
	}
	g.pacing.Defer(domain, uniformDuration(g.rng, settleMin, settleMax))
	rotationsTotal.WithLabelValues(domain, reason).Inc()
	return session, nil
}

// Status returns the read-only runtime snapshot for one domain.
func (g *Governor) Status(domain string) DomainStatus {
	key := strings.ToLower(domain)
	rate, streak, circuit := g.failures.Snapshot(key)
	status := DomainStatus{
		Domain:              key,
		Circuit:             circuit.String(),
		SuccessRate:         rate,
		ConsecutiveFailures: streak,
		ForcedWait:          g.pacing.ForcedWait(key),
	}
	if session := g.sessions.Current(key); session != nil {
		status.SessionID = session.ID
		status.SessionAge = session.Age(g.clock.Now())
		status.SessionRequests = session.RequestCount()
	}
	return status
}

// ResetCircuit forces a domain's breaker back to Closed.
func (g *Governor) ResetCircuit(domain string) {
	g.failures.Reset(strings.ToLower(domain))
}

// IsCircuitOpen reports whether err is the breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func (g *Governor) domainLock(domain string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[domain]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[domain] = lock
	}
	return lock
}
