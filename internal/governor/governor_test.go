package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type governorFixture struct {
	clock *fakeClock
	rng   *stubRand
	gov   *Governor
}

func newGovernorFixture(t *testing.T, settings Settings, emergencies EmergencyConfig, opts ...Option) *governorFixture {
	t.Helper()
	clock := newFakeClock()
	rng := &stubRand{}
	logger := zap.NewNop()

	gov := New(
		NewPolicyResolver(settings),
		NewSessionManager(&seqPool{}, &seqIDGen{}, clock, rng, logger),
		NewPacingEngine(clock, rng, false, logger),
		NewFailureMonitor(clock, true, logger),
		NewBanDetector(emergencies, clock, rng, logger),
		clock,
		rng,
		logger,
		opts...,
	)
	return &governorFixture{clock: clock, rng: rng, gov: gov}
}

func quietSettings() Settings {
	settings := testSettings()
	settings.Defaults.BaseDelay = 0
	settings.Defaults.DelayJitter = 0
	settings.Defaults.MaxRequestsPerMinute = 0
	settings.Defaults.MaxSessionDuration = 0
	return settings
}

func TestAdmitReturnsSessionAndWait(t *testing.T) {
	f := newGovernorFixture(t, quietSettings(), testEmergencyConfig())

	decision, err := f.gov.Admit("Example.COM")
	require.NoError(t, err)
	require.NotNil(t, decision.Session)
	require.Equal(t, "example.com", decision.Session.Domain)
	require.Equal(t, 1, decision.Session.RequestCount())
	require.Zero(t, decision.Wait)
}

func TestAdmitRotatesAtRequestBudget(t *testing.T) {
	settings := quietSettings()
	settings.Defaults.MaxRequestsPerSession = 2
	f := newGovernorFixture(t, settings, testEmergencyConfig())

	first, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	second, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	require.Same(t, first.Session, second.Session)

	third, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	require.NotEqual(t, first.Session.ID, third.Session.ID)
	require.Equal(t, 1, third.Session.RequestCount())
	require.GreaterOrEqual(t, third.Wait, settleMin, "a fresh session settles before its first send")
}

func TestAdmitRejectsWhileCircuitOpen(t *testing.T) {
	settings := quietSettings()
	settings.Defaults.CircuitBreaker.FailureThreshold = 2
	f := newGovernorFixture(t, settings, testEmergencyConfig())

	decision, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = f.gov.Report("example.com", decision.Session, Outcome{Success: false, Attempt: i}, nil)
		require.NoError(t, err)
	}

	_, err = f.gov.Admit("example.com")
	require.Error(t, err)
	require.True(t, IsCircuitOpen(err))

	f.gov.ResetCircuit("example.com")
	_, err = f.gov.Admit("example.com")
	require.NoError(t, err)
}

func TestAdmitRejectsInvalidPolicy(t *testing.T) {
	settings := quietSettings()
	settings.Overrides["bad.example"] = PolicyOverride{SuccessRateThreshold: ptr(2.0)}
	f := newGovernorFixture(t, settings, testEmergencyConfig())

	_, err := f.gov.Admit("bad.example")
	var violation *PolicyViolationError
	require.ErrorAs(t, err, &violation)
}

func TestReportBanRotatesAndDefers(t *testing.T) {
	var events []EmergencyEvent
	f := newGovernorFixture(t, quietSettings(), testEmergencyConfig(),
		WithEmergencyHook(func(ev EmergencyEvent) { events = append(events, ev) }))

	decision, err := f.gov.Admit("example.com")
	require.NoError(t, err)

	advice, err := f.gov.Report("example.com", decision.Session, Outcome{Success: false}, &ResponseSignal{
		StatusCode:  403,
		BodyExcerpt: "Access denied",
	})
	require.NoError(t, err)
	require.Equal(t, RetryAfterBackoff, advice.Decision)

	require.Len(t, events, 1)
	require.Equal(t, KindIPBan, events[0].Kind)
	require.Equal(t, ActionSwitchProxyAndDelay, events[0].Action)

	status := f.gov.Status("example.com")
	require.NotEqual(t, decision.Session.ID, status.SessionID, "the burned session was rotated")
	require.Equal(t, time.Minute, status.ForcedWait, "the breaker's recovery timeout gates the next send")
}

func TestReportRateLimitDefersWithoutRotation(t *testing.T) {
	f := newGovernorFixture(t, quietSettings(), testEmergencyConfig())

	decision, err := f.gov.Admit("example.com")
	require.NoError(t, err)

	_, err = f.gov.Report("example.com", decision.Session, Outcome{Success: false}, &ResponseSignal{
		StatusCode:    429,
		RetryAfter:    45 * time.Second,
		HasRetryAfter: true,
	})
	require.NoError(t, err)

	status := f.gov.Status("example.com")
	require.Equal(t, decision.Session.ID, status.SessionID, "rate limiting keeps the session")
	require.Equal(t, 45*time.Second, status.ForcedWait)
}

func TestReportSuccessWithoutSignal(t *testing.T) {
	f := newGovernorFixture(t, quietSettings(), testEmergencyConfig())

	decision, err := f.gov.Admit("example.com")
	require.NoError(t, err)

	advice, err := f.gov.Report("example.com", decision.Session, Outcome{Success: true}, nil)
	require.NoError(t, err)
	require.Equal(t, RetryNone, advice.Decision)
}

func TestStatusSnapshot(t *testing.T) {
	f := newGovernorFixture(t, quietSettings(), testEmergencyConfig())

	empty := f.gov.Status("fresh.example")
	require.Equal(t, "fresh.example", empty.Domain)
	require.Equal(t, "closed", empty.Circuit)
	require.Empty(t, empty.SessionID)

	decision, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	_, err = f.gov.Report("example.com", decision.Session, Outcome{Success: true}, nil)
	require.NoError(t, err)
	_, err = f.gov.Report("example.com", decision.Session, Outcome{Success: false}, nil)
	require.NoError(t, err)

	status := f.gov.Status("example.com")
	require.Equal(t, decision.Session.ID, status.SessionID)
	require.Equal(t, 1, status.SessionRequests)
	require.Equal(t, 1, status.ConsecutiveFailures)
	require.InDelta(t, 0.5, status.SuccessRate, 1e-9)
}

func TestSessionBudgetAcrossFiftyRequests(t *testing.T) {
	settings := quietSettings()
	settings.Defaults.MaxRequestsPerSession = 50
	f := newGovernorFixture(t, settings, testEmergencyConfig())

	first, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	for i := 0; i < 49; i++ {
		decision, err := f.gov.Admit("example.com")
		require.NoError(t, err)
		require.Same(t, first.Session, decision.Session)
	}

	decision, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	require.NotEqual(t, first.Session.ID, decision.Session.ID, "request 51 lands on a fresh session")
	require.Equal(t, SessionRetired, first.Session.State())
}

func TestPerMinuteCapAcrossThirtyAdmits(t *testing.T) {
	settings := quietSettings()
	settings.Defaults.MaxRequestsPerMinute = 30
	f := newGovernorFixture(t, settings, testEmergencyConfig())

	for i := 0; i < 30; i++ {
		decision, err := f.gov.Admit("example.com")
		require.NoError(t, err)
		require.Zero(t, decision.Wait, "admit %d stays inside the window", i)
	}

	decision, err := f.gov.Admit("example.com")
	require.NoError(t, err)
	require.Equal(t, time.Minute, decision.Wait, "admit 31 waits out the sliding window")
}

func TestAdmitConcurrentDomains(t *testing.T) {
	f := newGovernorFixture(t, quietSettings(), testEmergencyConfig())

	done := make(chan error, 20)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := f.gov.Admit("a.example")
			done <- err
		}()
		go func() {
			_, err := f.gov.Admit("b.example")
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}
	require.Equal(t, 10, f.gov.Status("a.example").SessionRequests)
	require.Equal(t, 10, f.gov.Status("b.example").SessionRequests)
}
