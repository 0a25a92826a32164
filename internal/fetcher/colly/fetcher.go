// Package collyfetcher performs governed HTTP fetches using gocolly. Every
// fetch runs through the governor: admission first, the mandated pause next,
// the network call last, and the outcome reported back.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/assetforge/scrapegov/internal/governor"
)

// Config controls collector behavior.
type Config struct {
	Timeout           time.Duration
	MaxBodyExcerpt    int
	CookiePersistence bool
}

// Result is one completed governed fetch.
type Result struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	SessionID  string
	Attempts   int
}

// Fetcher implements governed fetching over a shared base collector.
type Fetcher struct {
	cfg           Config
	gov           *governor.Governor
	logger        *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config, gov *governor.Governor, logger *zap.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyExcerpt == 0 {
		cfg.MaxBodyExcerpt = 4096
	}
	// colly v2.1.0's Async option ignores its argument and always enables
	// async mode; omit it to keep the collector synchronous.
	c := colly.NewCollector()
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{
		cfg:           cfg,
		gov:           gov,
		logger:        logger,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes one logical GET under governance, retrying per the
// governor's advice until it succeeds, the budget runs out, or the circuit
// opens.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	domain, err := domainOf(rawURL)
	if err != nil {
		return Result{}, err
	}

	for attempt := 0; ; attempt++ {
		decision, err := f.gov.Admit(domain)
		if err != nil {
			return Result{}, err
		}
		if err := f.gov.Pause(ctx, decision.Wait); err != nil {
			return Result{}, fmt.Errorf("pause before fetch: %w", err)
		}

		result, fetchErr := f.fetchOnce(ctx, rawURL, decision.Session)
		result.Attempts = attempt + 1

		sig := f.signalFrom(result, fetchErr)
		outcome := governor.Outcome{Success: fetchErr == nil && result.StatusCode < 400, Attempt: attempt}
		advice, err := f.gov.Report(domain, decision.Session, outcome, sig)
		if err != nil {
			return Result{}, err
		}

		if outcome.Success {
			return result, nil
		}

		switch advice.Decision {
		case governor.RetryImmediately:
		case governor.RetryAfterBackoff:
			if err := f.gov.Pause(ctx, advice.Backoff); err != nil {
				return Result{}, fmt.Errorf("backoff before retry: %w", err)
			}
		default:
			if fetchErr != nil {
				return Result{}, fmt.Errorf("fetch %s: %w: %w", rawURL, governor.ErrRetryExhausted, fetchErr)
			}
			return Result{}, fmt.Errorf("fetch %s: status %d: %w", rawURL, result.StatusCode, governor.ErrRetryExhausted)
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, session *governor.Session) (Result, error) {
	var (
		result   Result
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.UserAgent = session.Fingerprint.UserAgent
	collector.IgnoreRobotsTxt = false
	// The retry loop re-requests the same URL; without this the shared
	// visited store rejects every attempt after the first.
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	if f.cfg.CookiePersistence && session.Jar == nil {
		if jar, err := cookiejar.New(nil); err == nil {
			session.Jar = jar
		}
	}
	if session.Jar != nil {
		collector.SetCookieJar(session.Jar)
	}

	collector.OnResponse(func(r *colly.Response) {
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			SessionID:  session.ID,
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode != 0 {
			result = Result{
				URL:        rawURL,
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
				SessionID:  session.ID,
			}
			if r.Headers != nil {
				result.Headers = r.Headers.Clone()
			}
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr == nil && err != nil {
			fetchErr = err
		}
	}
	if fetchErr != nil {
		f.logger.Debug("fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("status", result.StatusCode),
			zap.Error(fetchErr),
		)
	}
	return result, fetchErr
}

// signalFrom converts a fetch result into the bounded response signal the
// governor inspects. Transport errors with no response carry no signal.
func (f *Fetcher) signalFrom(result Result, fetchErr error) *governor.ResponseSignal {
	if result.StatusCode == 0 && fetchErr != nil {
		return nil
	}
	excerpt := result.Body
	if len(excerpt) > f.cfg.MaxBodyExcerpt {
		excerpt = excerpt[:f.cfg.MaxBodyExcerpt]
	}
	sig := &governor.ResponseSignal{
		StatusCode:  result.StatusCode,
		BodyExcerpt: string(excerpt),
	}
	if result.Headers != nil {
		if after, ok := parseRetryAfter(result.Headers.Get("Retry-After")); ok {
			sig.RetryAfter = after
			sig.HasRetryAfter = true
		}
	}
	sig.CaptchaChallenge = looksLikeCaptcha(sig.BodyExcerpt)
	return sig
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func looksLikeCaptcha(excerpt string) bool {
	if excerpt == "" {
		return false
	}
	lower := strings.ToLower(excerpt)
	return strings.Contains(lower, "captcha") || strings.Contains(lower, "are you a robot")
}

func domainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(host), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
