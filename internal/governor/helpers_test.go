package governor

import (
	"fmt"
	"sync"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubRand returns fixed values so delay math is deterministic.
type stubRand struct {
	float64Value float64
	int63Value   int64
}

func (r *stubRand) Float64() float64 { return r.float64Value }

func (r *stubRand) Int63n(n int64) int64 {
	if r.int63Value < n {
		return r.int63Value
	}
	return n - 1
}

// seqIDGen hands out session-1, session-2, ...
type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("session-%d", g.n), nil
}

// seqPool hands out agent-1, agent-2, ...
type seqPool struct {
	mu sync.Mutex
	n  int
}

func (p *seqPool) NextFingerprint() Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return Fingerprint{UserAgent: fmt.Sprintf("agent-%d", p.n)}
}

func testPolicy() Policy {
	return Policy{
		Domain:                "example.com",
		MaxRequestsPerSession: 100,
		MaxSessionDuration:    time.Hour,
		SessionRenewalJitter:  5 * time.Minute,
		BaseDelay:             2 * time.Second,
		MaxDelay:              10 * time.Second,
		DelayJitter:           3 * time.Second,
		MaxRequestsPerMinute:  6,
		MaxFailedRequests:     5,
		SuccessRateThreshold:  0.8,
		RetryAttempts:         3,
		CircuitBreaker: CircuitBreakerPolicy{
			Enabled:          true,
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
		},
	}
}
