package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/FranksOps/pricewatch/internal/metrics"
	"github.com/temoto/robotstxt"
)

// RobotsPolicy answers whether listing pages may be fetched according to the
// site's robots.txt. Rules are fetched once per host and cached; any failure
// to obtain them allows the fetch.
type RobotsPolicy struct {
	fetcher   *Fetcher
	userAgent string
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobotsPolicy creates a policy evaluating rules for userAgent.
func NewRobotsPolicy(fetcher *Fetcher, userAgent string, logger *slog.Logger) *RobotsPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if userAgent == "" {
		userAgent = "*"
	}
	return &RobotsPolicy{
		fetcher:   fetcher,
		userAgent: userAgent,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether targetURL may be fetched.
func (r *RobotsPolicy) Allowed(ctx context.Context, targetURL string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("robots: invalid url: %w", err)
	}

	data := r.rules(ctx, u.Scheme+"://"+u.Host)
	if data == nil {
		return true, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.FindGroup(r.userAgent).Test(path), nil
}

func (r *RobotsPolicy) rules(ctx context.Context, origin string) *robotstxt.RobotsData {
	r.mu.Lock()
	defer r.mu.Unlock()

	if data, ok := r.cache[origin]; ok {
		return data
	}

	data, err := r.load(ctx, origin)
	if err != nil {
		r.logger.Debug("robots.txt unavailable, allowing", "origin", origin, "err", err)
	}
	// Cancellation is not a verdict on the site; retry next time.
	if ctx.Err() == nil {
		r.cache[origin] = data
	}
	return data
}

func (r *RobotsPolicy) load(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	page, err := r.fetcher.attempt(ctx, origin+"/robots.txt", metrics.KindRobots)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.StatusCode >= 400 && serr.StatusCode < 500 {
			return nil, nil
		}
		return nil, err
	}
	parsed, err := robotstxt.FromBytes(page.Body)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return parsed, nil
}
