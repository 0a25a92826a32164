package governor

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// rateWindow is the sliding horizon for the per-minute request cap.
	rateWindow = time.Minute
	// aggressiveFloor is the hard lower bound aggressive mode can reach.
	aggressiveFloor = 100 * time.Millisecond
	// burstSize bounds how many requests the burst-protection bucket lets
	// through back to back.
	burstSize = 3
)

// PacingEngine computes the delay a caller must honor before the next request
// on a domain. Delays are computed under the engine lock; the wait itself
// happens in the caller via Pause, outside any lock.
type PacingEngine struct {
	clock           Clock
	rng             Rand
	burstProtection bool
	logger          *zap.Logger

	mu      sync.Mutex
	domains map[string]*pacingState
}

type pacingState struct {
	// sendLog holds the scheduled send times admitted within the sliding
	// window, oldest first.
	sendLog []time.Time
	// notBefore is a forced deadline injected by emergencies or rotation.
	notBefore time.Time
	limiter   *rate.Limiter
}

// NewPacingEngine constructs a PacingEngine. When burstProtection is set, a
// per-domain token bucket caps back-to-back sends on top of the jitter delay.
func NewPacingEngine(clock Clock, rng Rand, burstProtection bool, logger *zap.Logger) *PacingEngine {
	return &PacingEngine{
		clock:           clock,
		rng:             rng,
		burstProtection: burstProtection,
		logger:          logger,
		domains:         make(map[string]*pacingState),
	}
}

// NextDelay returns the wait before the next request on the session's domain.
// Any forced emergency deadline shifts the schedule's origin, the jittered
// delay applies from there, and the sliding per-minute cap and burst
// protection can push the send further out.
func (e *PacingEngine) NextDelay(session *Session, p Policy) time.Duration {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(session.Domain, p)

	// A forced deadline shifts the schedule's origin; jitter still applies
	// on top so deferred sends do not collapse onto the same instant.
	origin := now
	if st.notBefore.After(origin) {
		origin = st.notBefore
	}
	candidate := origin.Add(e.jitterDelay(p))

	if p.MaxRequestsPerMinute > 0 {
		st.prune(candidate)
		if len(st.sendLog) >= p.MaxRequestsPerMinute {
			// Push the send past the oldest timestamp still inside the
			// window of the last maxRequestsPerMinute sends.
			earliest := st.sendLog[len(st.sendLog)-p.MaxRequestsPerMinute].Add(rateWindow)
			if earliest.After(candidate) {
				candidate = earliest
			}
		}
	}

	if st.limiter != nil {
		reservation := st.limiter.ReserveN(candidate, 1)
		if d := reservation.DelayFrom(candidate); d > 0 {
			candidate = candidate.Add(d)
		}
	}

	st.sendLog = append(st.sendLog, candidate)
	return candidate.Sub(now)
}

// jitterDelay computes the randomized base delay: base plus uniform jitter,
// clamped to the policy maximum, with the occasional long pause overriding
// everything and the mode flags biasing the ordinary path.
func (e *PacingEngine) jitterDelay(p Policy) time.Duration {
	if p.RandomLongDelay.Enabled && e.rng.Float64() < p.RandomLongDelay.Probability {
		return uniformDuration(e.rng, p.RandomLongDelay.Min, p.RandomLongDelay.Max)
	}

	delay := p.BaseDelay + uniformDuration(e.rng, 0, p.DelayJitter)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	switch {
	case p.AggressiveMode:
		delay /= 2
		if delay < aggressiveFloor {
			delay = aggressiveFloor
		}
	case p.StealthMode:
		delay += delay / 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// NoteEmergencyDelay injects a forced minimum wait that subsequent NextDelay
// calls on the domain must respect until it elapses.
func (e *PacingEngine) NoteEmergencyDelay(domain string, kind EmergencyKind, d time.Duration) {
	e.Defer(domain, d)
	e.logger.Warn("emergency delay noted",
		zap.String("domain", strings.ToLower(domain)),
		zap.String("kind", kind.String()),
		zap.Duration("delay", d),
	)
}

// Defer pushes the domain's earliest permitted send time forward by d. An
// existing later deadline is kept.
func (e *PacingEngine) Defer(domain string, d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := e.clock.Now().Add(d)
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(domain, Policy{})
	if deadline.After(st.notBefore) {
		st.notBefore = deadline
	}
}

// ForcedWait returns how much of the domain's forced deadline remains.
func (e *PacingEngine) ForcedWait(domain string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.domains[strings.ToLower(domain)]
	if !ok {
		return 0
	}
	if remaining := st.notBefore.Sub(e.clock.Now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Pause waits for d, honoring context cancellation. A caller abandoning its
// fetch cancels only its own wait.
func (e *PacingEngine) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *PacingEngine) stateLocked(domain string, p Policy) *pacingState {
	key := strings.ToLower(domain)
	st, ok := e.domains[key]
	if !ok {
		st = &pacingState{}
		e.domains[key] = st
	}
	if st.limiter == nil && e.burstProtection && p.MaxRequestsPerMinute > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(float64(p.MaxRequestsPerMinute)/rateWindow.Seconds()), burstSize)
	}
	return st
}

func (st *pacingState) prune(ref time.Time) {
	cutoff := ref.Add(-rateWindow)
	idx := 0
	for idx < len(st.sendLog) && !st.sendLog[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		st.sendLog = append(st.sendLog[:0], st.sendLog[idx:]...)
	}
}
