package governor

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SessionManager owns the lifecycle of per-domain sessions. Acquire and
// Rotate for the same domain are serialized by the manager's lock; request
// counting is atomic so readers never block reporters.
type SessionManager struct {
	identities IdentityPool
	ids        IDGenerator
	clock      Clock
	rng        Rand
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(identities IdentityPool, ids IDGenerator, clock Clock, rng Rand, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		identities: identities,
		ids:        ids,
		clock:      clock,
		rng:        rng,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// Acquire returns the domain's Active session, creating one if none exists or
// the current one has been Retired.
func (m *SessionManager) Acquire(domain string) (*Session, error) {
	key := strings.ToLower(domain)
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.sessions[key]; ok && current.State() != SessionRetired {
		return current, nil
	}
	return m.createLocked(key)
}

// Current returns the domain's session without creating one, or nil.
func (m *SessionManager) Current(domain string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[strings.ToLower(domain)]
}

// ShouldRotate reports whether the session has exhausted its request budget
// or its lifetime. The age check subtracts a random slice of the renewal
// jitter so rotations do not synchronize across domains.
func (m *SessionManager) ShouldRotate(s *Session, p Policy) bool {
	if s == nil || s.State() == SessionRetired {
		return true
	}
	if p.MaxRequestsPerSession > 0 && s.RequestCount() >= p.MaxRequestsPerSession {
		s.setState(SessionExpiring)
		return true
	}
	if p.MaxSessionDuration > 0 {
		jitter := uniformDuration(m.rng, 0, p.SessionRenewalJitter)
		if s.Age(m.clock.Now()) >= p.MaxSessionDuration-jitter {
			s.setState(SessionExpiring)
			return true
		}
	}
	return false
}

// Rotate retires the domain's current session and creates a fresh one with a
// new fingerprint drawn from the identity pool.
func (m *SessionManager) Rotate(domain string) (*Session, error) {
	key := strings.ToLower(domain)
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[key]; ok {
		old.setState(SessionRetired)
		m.logger.Info("session retired",
			zap.String("domain", key),
			zap.String("session_id", old.ID),
			zap.Int("requests", old.RequestCount()),
		)
	}
	return m.createLocked(key)
}

// RecordRequest increments the session's request count. Called once per
// admitted request, before the caller performs the network call.
func (m *SessionManager) RecordRequest(s *Session) {
	s.recordRequest()
}

func (m *SessionManager) createLocked(key string) (*Session, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	session := &Session{
		ID:          id,
		Domain:      key,
		CreatedAt:   m.clock.Now(),
		Fingerprint: m.identities.NextFingerprint(),
	}
	session.setState(SessionActive)
	m.sessions[key] = session
	m.logger.Debug("session created",
		zap.String("domain", key),
		zap.String("session_id", id),
		zap.String("user_agent", session.Fingerprint.UserAgent),
	)
	return session, nil
}
