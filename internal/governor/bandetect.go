package governor

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IPBanConfig configures the ban-indicator rule.
type IPBanConfig struct {
	Enabled    bool
	Indicators []string
	Response   EmergencyAction
}

// CaptchaFloodConfig configures repeated-CAPTCHA escalation. MinDelay and
// MaxDelay bound the long emergency pause, independent of the policy's
// random_long_delays range.
type CaptchaFloodConfig struct {
	Enabled   bool
	Threshold int
	Response  EmergencyAction
	MinDelay  time.Duration
	MaxDelay  time.Duration
}

// RateLimitConfig configures 429 handling.
type RateLimitConfig struct {
	Enabled           bool
	RespectRetryAfter bool
	DefaultBackoff    time.Duration
}

// EmergencyConfig is the emergency_protocols section, parsed and validated.
type EmergencyConfig struct {
	IPBan        IPBanConfig
	CaptchaFlood CaptchaFloodConfig
	RateLimit    RateLimitConfig
}

// BanDetector inspects response signals for blocking indicators and selects
// the escalation action. Rules are evaluated in a fixed priority order and
// only the first match fires per inspection.
type BanDetector struct {
	cfg    EmergencyConfig
	clock  Clock
	rng    Rand
	logger *zap.Logger

	indicators []string

	mu        sync.Mutex
	sightings map[string][]time.Time
}

// NewBanDetector constructs a BanDetector. Indicator matching is
// case-insensitive substring search over the bounded body excerpt.
func NewBanDetector(cfg EmergencyConfig, clock Clock, rng Rand, logger *zap.Logger) *BanDetector {
	indicators := make([]string, 0, len(cfg.IPBan.Indicators))
	for _, ind := range cfg.IPBan.Indicators {
		ind = strings.ToLower(strings.TrimSpace(ind))
		if ind != "" {
			indicators = append(indicators, ind)
		}
	}
	return &BanDetector{
		cfg:        cfg,
		clock:      clock,
		rng:        rng,
		logger:     logger,
		indicators: indicators,
		sightings:  make(map[string][]time.Time),
	}
}

// Inspect classifies a response signal, returning the emergency event to act
// on or nil when nothing matched.
//
// A 429 carrying a usable Retry-After is classified RateLimited ahead of the
// generic ban rule so the advertised backoff is honored exactly; a bare 429
// stays under the ban rule.
func (d *BanDetector) Inspect(domain string, sig ResponseSignal) *EmergencyEvent {
	key := strings.ToLower(domain)
	now := d.clock.Now()
	captchaCount := d.recordCaptcha(key, sig, now)

	if sig.StatusCode == http.StatusTooManyRequests &&
		sig.HasRetryAfter &&
		d.cfg.RateLimit.Enabled && d.cfg.RateLimit.RespectRetryAfter {
		return d.event(key, KindRateLimited, ActionBackoff, now, sig.RetryAfter)
	}

	if d.cfg.IPBan.Enabled && d.matchesBan(sig) {
		return d.event(key, KindIPBan, d.cfg.IPBan.Response, now, 0)
	}

	if d.cfg.CaptchaFlood.Enabled && sig.CaptchaChallenge && captchaCount >= d.cfg.CaptchaFlood.Threshold {
		wait := uniformDuration(d.rng, d.cfg.CaptchaFlood.MinDelay, d.cfg.CaptchaFlood.MaxDelay)
		return d.event(key, KindCaptchaFlood, d.cfg.CaptchaFlood.Response, now, wait)
	}

	if sig.StatusCode == http.StatusTooManyRequests && d.cfg.RateLimit.Enabled {
		return d.event(key, KindRateLimited, ActionBackoff, now, d.cfg.RateLimit.DefaultBackoff)
	}

	return nil
}

func (d *BanDetector) matchesBan(sig ResponseSignal) bool {
	if sig.StatusCode == http.StatusForbidden || sig.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if sig.BodyExcerpt == "" {
		return false
	}
	excerpt := strings.ToLower(sig.BodyExcerpt)
	for _, ind := range d.indicators {
		if strings.Contains(excerpt, ind) {
			return true
		}
	}
	return false
}

// recordCaptcha counts CAPTCHA sightings for the domain within the rolling
// horizon. Sightings are counted even when a higher-priority rule ends up
// firing for this inspection.
func (d *BanDetector) recordCaptcha(key string, sig ResponseSignal, now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.sightings[key]
	cutoff := now.Add(-failureHorizon)
	idx := 0
	for idx < len(log) && log[idx].Before(cutoff) {
		idx++
	}
	log = log[idx:]
	if sig.CaptchaChallenge {
		log = append(log, now)
	}
	d.sightings[key] = log
	return len(log)
}

func (d *BanDetector) event(domain string, kind EmergencyKind, action EmergencyAction, now time.Time, wait time.Duration) *EmergencyEvent {
	d.logger.Warn("blocking signal detected",
		zap.String("domain", domain),
		zap.String("kind", kind.String()),
		zap.String("action", action.String()),
		zap.Duration("wait", wait),
	)
	return &EmergencyEvent{
		Domain:     domain,
		Kind:       kind,
		Action:     action,
		DetectedAt: now,
		Wait:       wait,
	}
}
