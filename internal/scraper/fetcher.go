package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/pricewatch/internal/bypass"
	"github.com/FranksOps/pricewatch/internal/fingerprint"
	"github.com/FranksOps/pricewatch/internal/metrics"
	"github.com/FranksOps/pricewatch/pkg/httpclient"
	"github.com/FranksOps/pricewatch/pkg/proxy"
	"github.com/FranksOps/pricewatch/pkg/ratelimit"
	"github.com/FranksOps/pricewatch/pkg/useragent"
)

// ErrPageUnavailable marks a URL whose fetch retries were exhausted.
var ErrPageUnavailable = errors.New("page unavailable")

// StatusError is a completed response with a non-2xx status.
type StatusError struct {
	StatusCode int
	// Blocker names the bot-protection vendor recognized in the response.
	Blocker string
}

func (e *StatusError) Error() string {
	if e.Blocker != "" {
		return fmt.Sprintf("unexpected status %d (blocked by %s)", e.StatusCode, e.Blocker)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// FetchError is returned by Fetch when no attempt succeeded. It matches
// ErrPageUnavailable and the last attempt's cause under errors.Is/As.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", ErrPageUnavailable, e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrPageUnavailable, e.Err}
}

// Page is a successfully fetched document.
type Page struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

type proxyKey struct{}

// WithProxy returns a context that routes every fetch made under it through
// u, bypassing the proxy pool.
func WithProxy(ctx context.Context, u *url.URL) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, proxyKey{}, u)
}

// ProxyFrom returns the proxy attached by WithProxy, or nil.
func ProxyFrom(ctx context.Context) *url.URL {
	u, _ := ctx.Value(proxyKey{}).(*url.URL)
	return u
}

// FetchConfig configures a Fetcher. Zero values select the defaults noted.
type FetchConfig struct {
	// Timeout bounds each attempt. Default 10s.
	Timeout time.Duration
	// MaxAttempts is the total attempt budget per Fetch. Default 3.
	MaxAttempts int
	// RetryDelay is the fixed pause between attempts. Default 1s; negative
	// disables the pause.
	RetryDelay   time.Duration
	MaxRedirects int
	UseCookieJar bool
	MaxBodyBytes int64
	ProxyPool    *proxy.Pool
	UAPool       *useragent.Pool
	Fingerprint  fingerprint.Profile
	Limiter      *ratelimit.Limiter
	Referer      string
	Detectors    []bypass.Detector
	Logger       *slog.Logger
}

// Fetcher retrieves pages with browser-like headers and a constant-delay
// retry loop. It is safe for concurrent use.
type Fetcher struct {
	config FetchConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewFetcher builds a Fetcher holding one client, so connections and the
// cookie jar (if enabled) persist across fetches.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	} else if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The proxy is chosen per request and carried on its context, so one
	// transport serves every proxy without being mutated.
	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if u := ProxyFrom(req.Context()); u != nil {
			return u, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{Proxy: proxyFunc})
	if err != nil {
		return nil, fmt.Errorf("scraper: transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("scraper: client: %w", err)
	}

	return &Fetcher{config: cfg, client: client, logger: cfg.Logger}, nil
}

// UserAgents exposes the fetcher's user-agent pool.
func (f *Fetcher) UserAgents() *useragent.Pool {
	return f.config.UAPool
}

// Fetch retrieves targetURL, retrying transport failures and non-2xx
// responses up to MaxAttempts times with RetryDelay between attempts.
// Exhaustion yields a *FetchError; cancellation of ctx yields ctx's error.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	if err := checkURL(targetURL); err != nil {
		return nil, &FetchError{URL: targetURL, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, f.config.RetryDelay); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", targetURL, err)
			}
		}

		page, err := f.attempt(ctx, targetURL, metrics.KindPage)
		if err == nil {
			page.Attempts = attempt
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", targetURL, ctxErr)
		}

		lastErr = err
		f.logger.Warn("fetch attempt failed",
			"url", targetURL,
			"attempt", attempt,
			"max_attempts", f.config.MaxAttempts,
			"err", err,
		)
	}

	return nil, &FetchError{URL: targetURL, Attempts: f.config.MaxAttempts, Err: lastErr}
}

// FetchOnce performs a single attempt with no retry. It is used for image
// downloads, whose failure degrades rather than aborts.
func (f *Fetcher) FetchOnce(ctx context.Context, targetURL string) (*Page, error) {
	if err := checkURL(targetURL); err != nil {
		return nil, err
	}
	page, err := f.attempt(ctx, targetURL, metrics.KindImage)
	if err != nil {
		return nil, err
	}
	page.Attempts = 1
	return page, nil
}

func (f *Fetcher) attempt(ctx context.Context, targetURL, kind string) (*Page, error) {
	if err := f.config.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	var pooled *url.URL
	if ProxyFrom(ctx) == nil && f.config.ProxyPool != nil {
		if pooled = f.config.ProxyPool.Next(); pooled != nil {
			attemptCtx = WithProxy(attemptCtx, pooled)
		}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = f.config.UAPool.BrowserHeaders(f.config.Referer)

	start := time.Now()
	resp, err := f.client.Do(attemptCtx, req)
	if err != nil {
		metrics.RecordFetch(kind, 0, err, time.Since(start), 0)
		if pooled != nil {
			_ = f.config.ProxyPool.MarkFailure(pooled)
			metrics.RecordProxyFailure(pooled)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if pooled != nil {
		_ = f.config.ProxyPool.MarkSuccess(pooled)
	}

	body, err := httpclient.ReadBody(resp, f.config.MaxBodyBytes)
	elapsed := time.Since(start)
	metrics.RecordFetch(kind, resp.StatusCode, err, elapsed, len(body))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode}
		sig := bypass.Signal{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}
		if src, ok := bypass.Detect(sig, f.config.Detectors); ok {
			serr.Blocker = src
			metrics.RecordBlocked(src)
		}
		return nil, serr
	}

	finalURL := targetURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Page{
		URL:        finalURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   elapsed,
	}, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
