package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEmergencyConfig() EmergencyConfig {
	return EmergencyConfig{
		IPBan: IPBanConfig{
			Enabled: true,
			Indicators: []string{
				"captcha", "robot", "automated", "blocked", "access denied",
				"cloudflare", "checking your browser", "please verify",
				"security check", "suspicious activity",
			},
			Response: ActionSwitchProxyAndDelay,
		},
		CaptchaFlood: CaptchaFloodConfig{
			Enabled:   true,
			Threshold: 3,
			Response:  ActionLongDelayAndProfileChange,
			MinDelay:  60 * time.Second,
			MaxDelay:  180 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RespectRetryAfter: true,
			DefaultBackoff:    60 * time.Second,
		},
	}
}

func newTestBanDetector(cfg EmergencyConfig, clock Clock, rng Rand) *BanDetector {
	return NewBanDetector(cfg, clock, rng, zap.NewNop())
}

func TestInspectRetryAfterWinsOverBanRule(t *testing.T) {
	d := newTestBanDetector(testEmergencyConfig(), newFakeClock(), &stubRand{})

	ev := d.Inspect("example.com", ResponseSignal{
		StatusCode:    429,
		RetryAfter:    45 * time.Second,
		HasRetryAfter: true,
	})
	require.NotNil(t, ev)
	require.Equal(t, KindRateLimited, ev.Kind)
	require.Equal(t, ActionBackoff, ev.Action)
	require.Equal(t, 45*time.Second, ev.Wait, "the advertised backoff is honored exactly")
}

func TestInspectForbiddenStatusIsBan(t *testing.T) {
	d := newTestBanDetector(testEmergencyConfig(), newFakeClock(), &stubRand{})

	ev := d.Inspect("example.com", ResponseSignal{StatusCode: 403, BodyExcerpt: "Access denied"})
	require.NotNil(t, ev)
	require.Equal(t, KindIPBan, ev.Kind)
	require.Equal(t, ActionSwitchProxyAndDelay, ev.Action)
	require.Zero(t, ev.Wait)
}

func TestInspectIndicatorInBodyIsBan(t *testing.T) {
	d := newTestBanDetector(testEmergencyConfig(), newFakeClock(), &stubRand{})

	ev := d.Inspect("example.com", ResponseSignal{
		StatusCode:  200,
		BodyExcerpt: "<html>Checking Your Browser before accessing</html>",
	})
	require.NotNil(t, ev)
	require.Equal(t, KindIPBan, ev.Kind, "indicator matching is case-insensitive")
}

func TestInspectBare429WithoutBanRule(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.IPBan.Enabled = false
	d := newTestBanDetector(cfg, newFakeClock(), &stubRand{})

	ev := d.Inspect("example.com", ResponseSignal{StatusCode: 429})
	require.NotNil(t, ev)
	require.Equal(t, KindRateLimited, ev.Kind)
	require.Equal(t, 60*time.Second, ev.Wait, "no Retry-After falls back to the default backoff")
}

func TestInspectCaptchaFloodAtThreshold(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.IPBan.Enabled = false
	d := newTestBanDetector(cfg, newFakeClock(), &stubRand{int63Value: 0})

	sig := ResponseSignal{StatusCode: 200, CaptchaChallenge: true}
	require.Nil(t, d.Inspect("example.com", sig))
	require.Nil(t, d.Inspect("example.com", sig))

	ev := d.Inspect("example.com", sig)
	require.NotNil(t, ev)
	require.Equal(t, KindCaptchaFlood, ev.Kind)
	require.Equal(t, ActionLongDelayAndProfileChange, ev.Action)
	require.Equal(t, 60*time.Second, ev.Wait)
}

func TestInspectCaptchaSightingsExpire(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.IPBan.Enabled = false
	clock := newFakeClock()
	d := newTestBanDetector(cfg, clock, &stubRand{})

	sig := ResponseSignal{StatusCode: 200, CaptchaChallenge: true}
	require.Nil(t, d.Inspect("example.com", sig))
	require.Nil(t, d.Inspect("example.com", sig))

	clock.Advance(failureHorizon + time.Minute)
	require.Nil(t, d.Inspect("example.com", sig), "old sightings age out of the window")
}

func TestInspectCaptchaCountedUnderHigherPriorityRule(t *testing.T) {
	d := newTestBanDetector(testEmergencyConfig(), newFakeClock(), &stubRand{})

	// Two CAPTCHA sightings arrive wrapped in ban-indicator pages; the ban
	// rule fires, but the sightings still count toward the flood threshold.
	banSig := ResponseSignal{StatusCode: 403, CaptchaChallenge: true}
	for i := 0; i < 2; i++ {
		ev := d.Inspect("example.com", banSig)
		require.NotNil(t, ev)
		require.Equal(t, KindIPBan, ev.Kind)
	}

	ev := d.Inspect("example.com", ResponseSignal{StatusCode: 200, CaptchaChallenge: true})
	require.NotNil(t, ev)
	require.Equal(t, KindCaptchaFlood, ev.Kind)
}

func TestInspectCleanResponse(t *testing.T) {
	d := newTestBanDetector(testEmergencyConfig(), newFakeClock(), &stubRand{})
	require.Nil(t, d.Inspect("example.com", ResponseSignal{StatusCode: 200, BodyExcerpt: "<html>ok</html>"}))
}

func TestInspectAllRulesDisabled(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.IPBan.Enabled = false
	cfg.CaptchaFlood.Enabled = false
	cfg.RateLimit.Enabled = false
	d := newTestBanDetector(cfg, newFakeClock(), &stubRand{})

	require.Nil(t, d.Inspect("example.com", ResponseSignal{StatusCode: 429, HasRetryAfter: true, RetryAfter: time.Minute}))
	require.Nil(t, d.Inspect("example.com", ResponseSignal{StatusCode: 403}))
}

func TestInspectIgnoredRetryAfterFallsToBanRule(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.RateLimit.RespectRetryAfter = false
	d := newTestBanDetector(cfg, newFakeClock(), &stubRand{})

	ev := d.Inspect("example.com", ResponseSignal{StatusCode: 429, HasRetryAfter: true, RetryAfter: 45 * time.Second})
	require.NotNil(t, ev)
	require.Equal(t, KindIPBan, ev.Kind)
}

func TestInspectDomainsAreIndependent(t *testing.T) {
	cfg := testEmergencyConfig()
	cfg.IPBan.Enabled = false
	d := newTestBanDetector(cfg, newFakeClock(), &stubRand{})

	sig := ResponseSignal{StatusCode: 200, CaptchaChallenge: true}
	require.Nil(t, d.Inspect("a.example", sig))
	require.Nil(t, d.Inspect("a.example", sig))
	require.Nil(t, d.Inspect("b.example", sig), "sightings do not leak across domains")
}
