// Package config loads and validates governor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/assetforge/scrapegov/internal/governor"
)

// Config captures all service configuration loaded via Viper. It is built
// once at startup and passed by value into constructors; nothing reads it
// from a global.
type Config struct {
	Server             ServerConfig                  `mapstructure:"server"`
	Logging            LoggingConfig                 `mapstructure:"logging"`
	HTTP               HTTPConfig                    `mapstructure:"http"`
	SessionManagement  SessionManagementConfig       `mapstructure:"session_management"`
	RequestPatterns    RequestPatternsConfig         `mapstructure:"request_patterns"`
	FailureHandling    FailureHandlingConfig         `mapstructure:"failure_handling"`
	SecurityFeatures   SecurityFeaturesConfig        `mapstructure:"security_features"`
	DetectionEvasion   DetectionEvasionConfig        `mapstructure:"detection_evasion"`
	SiteSpecific       map[string]SiteOverrideConfig `mapstructure:"site_specific"`
	EmergencyProtocols EmergencyProtocolsConfig      `mapstructure:"emergency_protocols"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// HTTPConfig configures the governed fetcher's HTTP behavior.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyExcerpt int `mapstructure:"max_body_excerpt"`
}

// SessionManagementConfig bounds session lifetime and rotation.
type SessionManagementConfig struct {
	MaxRequestsPerSession      int           `mapstructure:"max_requests_per_session"`
	MaxSessionDuration         time.Duration `mapstructure:"max_session_duration"`
	SessionRenewalJitter       time.Duration `mapstructure:"session_renewal_jitter"`
	CookiePersistence          bool          `mapstructure:"cookie_persistence"`
	SessionFingerprintRotation bool          `mapstructure:"session_fingerprint_rotation"`
}

// RandomLongDelaysConfig describes the occasional long pause.
type RandomLongDelaysConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Probability float64       `mapstructure:"probability"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RequestPatternsConfig shapes per-request pacing.
type RequestPatternsConfig struct {
	BaseDelay            time.Duration          `mapstructure:"base_delay"`
	MaxDelay             time.Duration          `mapstructure:"max_delay"`
	DelayJitter          time.Duration          `mapstructure:"delay_jitter"`
	BurstProtection      bool                   `mapstructure:"burst_protection"`
	MaxRequestsPerMinute int                    `mapstructure:"max_requests_per_minute"`
	HumanLikePatterns    bool                   `mapstructure:"human_like_patterns"`
	RandomLongDelays     RandomLongDelaysConfig `mapstructure:"random_long_delays"`
}

// CircuitBreakerConfig bounds the per-domain breaker.
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// FailureHandlingConfig bounds failure tolerance and retries.
type FailureHandlingConfig struct {
	MaxFailedRequests    int                  `mapstructure:"max_failed_requests"`
	SuccessRateThreshold float64              `mapstructure:"success_rate_threshold"`
	RetryAttempts        int                  `mapstructure:"retry_attempts"`
	ExponentialBackoff   bool                 `mapstructure:"exponential_backoff"`
	CircuitBreaker       CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// SecurityFeaturesConfig toggles caller-side protection layers. The governor
// core only acts on the mode flags; the rest is surfaced to collaborators.
type SecurityFeaturesConfig struct {
	EnableProxyRotation       bool `mapstructure:"enable_proxy_rotation"`
	EnableProfileRotation     bool `mapstructure:"enable_profile_rotation"`
	EnableCaptchaSolving      bool `mapstructure:"enable_captcha_solving"`
	EnableCloudflareBypass    bool `mapstructure:"enable_cloudflare_bypass"`
	EnableJavaScriptRendering bool `mapstructure:"enable_javascript_rendering"`
	StealthMode               bool `mapstructure:"stealth_mode"`
	AggressiveMode            bool `mapstructure:"aggressive_mode"`
}

// DetectionEvasionConfig toggles fingerprint randomization features consumed
// by the identity pool and fetcher.
type DetectionEvasionConfig struct {
	RandomizeHeaders            bool `mapstructure:"randomize_headers"`
	RandomizeTLSFingerprint     bool `mapstructure:"randomize_tls_fingerprint"`
	SimulateHumanBehavior       bool `mapstructure:"simulate_human_behavior"`
	HeaderOrderRandomization    bool `mapstructure:"header_order_randomization"`
	TCPFingerprintRandomization bool `mapstructure:"tcp_fingerprint_randomization"`
}

// SiteOverrideConfig is the per-domain subset of tunables. Pointer fields
// distinguish "absent" from zero values.
type SiteOverrideConfig struct {
	MaxRequestsPerSession *int           `mapstructure:"max_requests_per_session"`
	MaxSessionDuration    *time.Duration `mapstructure:"max_session_duration"`
	SessionRenewalJitter  *time.Duration `mapstructure:"session_renewal_jitter"`

	BaseDelay            *time.Duration          `mapstructure:"base_delay"`
	MinDelay             *time.Duration          `mapstructure:"min_delay"`
	MaxDelay             *time.Duration          `mapstructure:"max_delay"`
	DelayJitter          *time.Duration          `mapstructure:"delay_jitter"`
	MaxRequestsPerMinute *int                    `mapstructure:"max_requests_per_minute"`
	RandomLongDelays     *RandomLongDelaysConfig `mapstructure:"random_long_delays"`

	MaxFailedRequests    *int                  `mapstructure:"max_failed_requests"`
	SuccessRateThreshold *float64              `mapstructure:"success_rate_threshold"`
	RetryAttempts        *int                  `mapstructure:"retry_attempts"`
	CircuitBreaker       *CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	AggressiveMode *bool `mapstructure:"aggressive_mode"`
	StealthMode    *bool `mapstructure:"stealth_mode"`

	RequiresJavaScript *bool `mapstructure:"requires_javascript"`
	RequiresLogin      *bool `mapstructure:"requires_login"`
}

// IPBanDetectionConfig configures the ban-indicator rule.
type IPBanDetectionConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Indicators []string `mapstructure:"indicators"`
	Response   string   `mapstructure:"response"`
}

// CaptchaFloodConfig configures repeated-CAPTCHA escalation.
type CaptchaFloodConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold int           `mapstructure:"threshold"`
	Response  string        `mapstructure:"response"`
	MinDelay  time.Duration `mapstructure:"min_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// RateLimitDetectionConfig configures 429 handling.
type RateLimitDetectionConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RespectRetryAfter bool          `mapstructure:"respect_retry_after"`
	DefaultBackoff    time.Duration `mapstructure:"default_backoff"`
}

// EmergencyProtocolsConfig is the emergency_protocols section.
type EmergencyProtocolsConfig struct {
	IPBanDetection     IPBanDetectionConfig     `mapstructure:"ip_ban_detection"`
	CaptchaFlood       CaptchaFloodConfig       `mapstructure:"captcha_flood"`
	RateLimitDetection RateLimitDetectionConfig `mapstructure:"rate_limit_detection"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	// Domains appear as map keys under site_specific, so the default "."
	// delimiter would split them into nested keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetEnvPrefix("SCRAPEGOV")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server::port", 8080)
	v.SetDefault("logging::development", true)
	v.SetDefault("http::timeout_seconds", 30)
	v.SetDefault("http::max_body_excerpt", 4096)

	v.SetDefault("session_management::max_requests_per_session", 100)
	v.SetDefault("session_management::max_session_duration", "1h")
	v.SetDefault("session_management::session_renewal_jitter", "5m")
	v.SetDefault("session_management::cookie_persistence", true)
	v.SetDefault("session_management::session_fingerprint_rotation", true)

	v.SetDefault("request_patterns::base_delay", "2s")
	v.SetDefault("request_patterns::max_delay", "10s")
	v.SetDefault("request_patterns::delay_jitter", "3s")
	v.SetDefault("request_patterns::burst_protection", true)
	v.SetDefault("request_patterns::max_requests_per_minute", 6)
	v.SetDefault("request_patterns::human_like_patterns", true)
	v.SetDefault("request_patterns::random_long_delays::enabled", true)
	v.SetDefault("request_patterns::random_long_delays::probability", 0.1)
	v.SetDefault("request_patterns::random_long_delays::min_delay", "10s")
	v.SetDefault("request_patterns::random_long_delays::max_delay", "30s")

	v.SetDefault("failure_handling::max_failed_requests", 5)
	v.SetDefault("failure_handling::success_rate_threshold", 0.8)
	v.SetDefault("failure_handling::retry_attempts", 3)
	v.SetDefault("failure_handling::exponential_backoff", true)
	v.SetDefault("failure_handling::circuit_breaker::enabled", true)
	v.SetDefault("failure_handling::circuit_breaker::failure_threshold", 5)
	v.SetDefault("failure_handling::circuit_breaker::recovery_timeout", "60s")

	v.SetDefault("security_features::enable_proxy_rotation", false)
	v.SetDefault("security_features::enable_profile_rotation", true)
	v.SetDefault("security_features::enable_captcha_solving", false)
	v.SetDefault("security_features::enable_cloudflare_bypass", false)
	v.SetDefault("security_features::enable_javascript_rendering", false)
	v.SetDefault("security_features::stealth_mode", true)
	v.SetDefault("security_features::aggressive_mode", false)

	v.SetDefault("detection_evasion::randomize_headers", true)
	v.SetDefault("detection_evasion::randomize_tls_fingerprint", true)
	v.SetDefault("detection_evasion::simulate_human_behavior", true)
	v.SetDefault("detection_evasion::header_order_randomization", true)
	v.SetDefault("detection_evasion::tcp_fingerprint_randomization", false)

	v.SetDefault("emergency_protocols::ip_ban_detection::enabled", true)
	v.SetDefault("emergency_protocols::ip_ban_detection::indicators", []string{
		"captcha",
		"robot",
		"automated",
		"blocked",
		"access denied",
		"cloudflare",
		"checking your browser",
		"please verify",
		"security check",
		"suspicious activity",
	})
	v.SetDefault("emergency_protocols::ip_ban_detection::response", "switch_proxy_and_delay")
	v.SetDefault("emergency_protocols::captcha_flood::enabled", true)
	v.SetDefault("emergency_protocols::captcha_flood::threshold", 3)
	v.SetDefault("emergency_protocols::captcha_flood::response", "long_delay_and_profile_change")
	v.SetDefault("emergency_protocols::captcha_flood::min_delay", "60s")
	v.SetDefault("emergency_protocols::captcha_flood::max_delay", "180s")
	v.SetDefault("emergency_protocols::rate_limit_detection::enabled", true)
	v.SetDefault("emergency_protocols::rate_limit_detection::respect_retry_after", true)
	v.SetDefault("emergency_protocols::rate_limit_detection::default_backoff", "60s")
}

// Validate enforces required values and reasonable limits. Violations are
// rejected here, before any component sees the config.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.RequestPatterns.BaseDelay > c.RequestPatterns.MaxDelay {
		return &governor.PolicyViolationError{Field: "request_patterns.base_delay", Reason: "exceeds max_delay"}
	}
	if p := c.RequestPatterns.RandomLongDelays.Probability; p < 0 || p > 1 {
		return &governor.PolicyViolationError{Field: "request_patterns.random_long_delays.probability", Reason: "must be within [0,1]"}
	}
	if t := c.FailureHandling.SuccessRateThreshold; t < 0 || t > 1 {
		return &governor.PolicyViolationError{Field: "failure_handling.success_rate_threshold", Reason: "must be within [0,1]"}
	}
	if c.FailureHandling.CircuitBreaker.Enabled && c.FailureHandling.CircuitBreaker.FailureThreshold < 1 {
		return &governor.PolicyViolationError{Field: "failure_handling.circuit_breaker.failure_threshold", Reason: "must be at least 1"}
	}
	if _, ok := governor.ParseAction(c.EmergencyProtocols.IPBanDetection.Response); !ok {
		return fmt.Errorf("emergency_protocols.ip_ban_detection.response: unknown action %q", c.EmergencyProtocols.IPBanDetection.Response)
	}
	if _, ok := governor.ParseAction(c.EmergencyProtocols.CaptchaFlood.Response); !ok {
		return fmt.Errorf("emergency_protocols.captcha_flood.response: unknown action %q", c.EmergencyProtocols.CaptchaFlood.Response)
	}
	return nil
}

// GovernorSettings converts the loaded document into the resolver's static
// policy table.
func (c Config) GovernorSettings() governor.Settings {
	defaults := governor.Policy{
		MaxRequestsPerSession: c.SessionManagement.MaxRequestsPerSession,
		MaxSessionDuration:    c.SessionManagement.MaxSessionDuration,
		SessionRenewalJitter:  c.SessionManagement.SessionRenewalJitter,
		BaseDelay:             c.RequestPatterns.BaseDelay,
		MaxDelay:              c.RequestPatterns.MaxDelay,
		DelayJitter:           c.RequestPatterns.DelayJitter,
		MaxRequestsPerMinute:  c.RequestPatterns.MaxRequestsPerMinute,
		RandomLongDelay: governor.LongDelayPolicy{
			Enabled:     c.RequestPatterns.RandomLongDelays.Enabled,
			Probability: c.RequestPatterns.RandomLongDelays.Probability,
			Min:         c.RequestPatterns.RandomLongDelays.MinDelay,
			Max:         c.RequestPatterns.RandomLongDelays.MaxDelay,
		},
		MaxFailedRequests:    c.FailureHandling.MaxFailedRequests,
		SuccessRateThreshold: c.FailureHandling.SuccessRateThreshold,
		RetryAttempts:        c.FailureHandling.RetryAttempts,
		CircuitBreaker: governor.CircuitBreakerPolicy{
			Enabled:          c.FailureHandling.CircuitBreaker.Enabled,
			FailureThreshold: c.FailureHandling.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  c.FailureHandling.CircuitBreaker.RecoveryTimeout,
		},
		AggressiveMode: c.SecurityFeatures.AggressiveMode,
		StealthMode:    c.SecurityFeatures.StealthMode,
	}

	overrides := make(map[string]governor.PolicyOverride, len(c.SiteSpecific))
	for domain, site := range c.SiteSpecific {
		overrides[strings.ToLower(domain)] = site.toOverride()
	}

	return governor.Settings{Defaults: defaults, Overrides: overrides}
}

// EmergencyConfig converts the emergency_protocols section for the detector.
// Validate must have accepted the config first; unknown response strings do
// not reach this point.
func (c Config) EmergencyConfig() governor.EmergencyConfig {
	banAction, _ := governor.ParseAction(c.EmergencyProtocols.IPBanDetection.Response)
	captchaAction, _ := governor.ParseAction(c.EmergencyProtocols.CaptchaFlood.Response)
	return governor.EmergencyConfig{
		IPBan: governor.IPBanConfig{
			Enabled:    c.EmergencyProtocols.IPBanDetection.Enabled,
			Indicators: c.EmergencyProtocols.IPBanDetection.Indicators,
			Response:   banAction,
		},
		CaptchaFlood: governor.CaptchaFloodConfig{
			Enabled:   c.EmergencyProtocols.CaptchaFlood.Enabled,
			Threshold: c.EmergencyProtocols.CaptchaFlood.Threshold,
			Response:  captchaAction,
			MinDelay:  c.EmergencyProtocols.CaptchaFlood.MinDelay,
			MaxDelay:  c.EmergencyProtocols.CaptchaFlood.MaxDelay,
		},
		RateLimit: governor.RateLimitConfig{
			Enabled:           c.EmergencyProtocols.RateLimitDetection.Enabled,
			RespectRetryAfter: c.EmergencyProtocols.RateLimitDetection.RespectRetryAfter,
			DefaultBackoff:    c.EmergencyProtocols.RateLimitDetection.DefaultBackoff,
		},
	}
}

// HTTPTimeout converts the fetcher timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

func (s SiteOverrideConfig) toOverride() governor.PolicyOverride {
	o := governor.PolicyOverride{
		MaxRequestsPerSession: s.MaxRequestsPerSession,
		MaxSessionDuration:    s.MaxSessionDuration,
		SessionRenewalJitter:  s.SessionRenewalJitter,
		BaseDelay:             s.BaseDelay,
		MaxDelay:              s.MaxDelay,
		DelayJitter:           s.DelayJitter,
		MaxRequestsPerMinute:  s.MaxRequestsPerMinute,
		MaxFailedRequests:     s.MaxFailedRequests,
		SuccessRateThreshold:  s.SuccessRateThreshold,
		RetryAttempts:         s.RetryAttempts,
		AggressiveMode:        s.AggressiveMode,
		StealthMode:           s.StealthMode,
		RequiresJavaScript:    s.RequiresJavaScript,
		RequiresLogin:         s.RequiresLogin,
	}
	// min_delay is the site-specific spelling for the base of the delay
	// range; an explicit base_delay wins.
	if o.BaseDelay == nil && s.MinDelay != nil {
		o.BaseDelay = s.MinDelay
	}
	if s.RandomLongDelays != nil {
		o.RandomLongDelay = &governor.LongDelayPolicy{
			Enabled:     s.RandomLongDelays.Enabled,
			Probability: s.RandomLongDelays.Probability,
			Min:         s.RandomLongDelays.MinDelay,
			Max:         s.RandomLongDelays.MaxDelay,
		}
	}
	if s.CircuitBreaker != nil {
		o.CircuitBreaker = &governor.CircuitBreakerPolicy{
			Enabled:          s.CircuitBreaker.Enabled,
			FailureThreshold: s.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  s.CircuitBreaker.RecoveryTimeout,
		}
	}
	return o
}
