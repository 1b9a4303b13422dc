package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Endpoint is a single proxy with health tracking.
type Endpoint struct {
	URL           *url.URL
	Failures      int
	Successes     int
	LastUsed      time.Time
	Disabled      bool
	DisabledUntil time.Time
}

// Pool rotates through configured proxies, benching those that fail
// repeatedly. It is used when a run does not carry an explicit proxy.
type Pool struct {
	mu          sync.Mutex
	endpoints   []*Endpoint
	next        int
	maxFailures int
	cooldown    time.Duration
}

// Config defines settings for the Pool.
type Config struct {
	// MaxFailures before disabling a proxy temporarily.
	MaxFailures int
	// Cooldown is how long a proxy remains disabled after hitting MaxFailures.
	Cooldown time.Duration
}

// NewPool creates an empty pool. Zero config values select defaults.
func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Pool{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
	}
}

// ParseURL parses a proxy address, defaulting the scheme to http.
func ParseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("proxy: empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("proxy: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy: missing host in %q", raw)
	}
	return u, nil
}

// LoadFile reads proxies from a file, one URL per line. Blank lines and
// lines starting with '#' are ignored.
func (p *Pool) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	return p.Add(urls...)
}

// Add parses raw URL strings and adds them to the pool.
func (p *Pool) Add(rawURLs ...string) error {
	parsed := make([]*Endpoint, 0, len(rawURLs))
	for _, raw := range rawURLs {
		u, err := ParseURL(raw)
		if err != nil {
			return err
		}
		parsed = append(parsed, &Endpoint{URL: u})
	}

	p.mu.Lock()
	p.endpoints = append(p.endpoints, parsed...)
	p.mu.Unlock()
	return nil
}

// Len returns the number of configured proxies, healthy or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Next returns the next healthy proxy, or nil when the pool is empty or
// every proxy is cooling down.
func (p *Pool) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for range p.endpoints {
		ep := p.endpoints[p.next]
		p.next = (p.next + 1) % len(p.endpoints)

		if ep.Disabled && now.After(ep.DisabledUntil) {
			ep.Disabled = false
			ep.Failures = 0
		}
		if !ep.Disabled {
			ep.LastUsed = now
			return ep.URL
		}
	}
	return nil
}

// MarkSuccess records a successful request through proxyURL.
func (p *Pool) MarkSuccess(proxyURL *url.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, err := p.find(proxyURL)
	if err != nil {
		return err
	}
	ep.Successes++
	if ep.Failures > 0 {
		ep.Failures--
	}
	return nil
}

// MarkFailure records a failed request through proxyURL, disabling the proxy
// for the cooldown once it reaches MaxFailures.
func (p *Pool) MarkFailure(proxyURL *url.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, err := p.find(proxyURL)
	if err != nil {
		return err
	}
	ep.Failures++
	if ep.Failures >= p.maxFailures {
		ep.Disabled = true
		ep.DisabledUntil = time.Now().Add(p.cooldown)
	}
	return nil
}

// find must be called with the lock held.
func (p *Pool) find(u *url.URL) (*Endpoint, error) {
	if u == nil {
		return nil, errors.New("proxy: nil url")
	}
	target := u.String()
	for _, ep := range p.endpoints {
		if ep.URL.String() == target {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("proxy: %s not in pool", target)
}
