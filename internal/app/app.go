// Package app wires configuration into a runnable pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FranksOps/pricewatch/internal/config"
	"github.com/FranksOps/pricewatch/internal/fingerprint"
	"github.com/FranksOps/pricewatch/internal/notify"
	"github.com/FranksOps/pricewatch/internal/pipeline"
	"github.com/FranksOps/pricewatch/internal/scraper"
	"github.com/FranksOps/pricewatch/internal/storage"
	"github.com/FranksOps/pricewatch/internal/storage/csvbackend"
	"github.com/FranksOps/pricewatch/internal/storage/jsonbackend"
	"github.com/FranksOps/pricewatch/internal/storage/postgres"
	"github.com/FranksOps/pricewatch/internal/storage/sqlite"
	"github.com/FranksOps/pricewatch/pkg/proxy"
	"github.com/FranksOps/pricewatch/pkg/ratelimit"
	"github.com/FranksOps/pricewatch/pkg/useragent"
)

// Application owns the long-lived components of one process.
type Application struct {
	store    storage.Store
	pipeline *pipeline.Pipeline
}

// New validates cfg and builds every component. The caller must Close the
// returned Application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}

	fetcher, err := NewFetcher(cfg.Fetch, logger.With("component", "fetcher"))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	pageURL, err := scraper.BuilderFor(cfg.Target.Pagination, cfg.Target.PageParam)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	notifier, err := NewNotifier(cfg.Notify, logger.With("component", "notifier"))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	pcfg := pipeline.Config{
		BaseURL:      cfg.Target.BaseURL,
		PageURL:      pageURL,
		PageLimit:    cfg.Target.PageLimit,
		Fetcher:      fetcher,
		Extractor:    newExtractor(cfg, fetcher, logger.With("component", "extractor")),
		Store:        store,
		Notifier:     notifier,
		DumpPagePath: cfg.Debug.DumpPagePath,
		Logger:       logger.With("component", "pipeline"),
	}
	if cfg.Target.RespectRobots {
		pcfg.Robots = scraper.NewRobotsPolicy(fetcher, cfg.Target.RobotsAgent, logger.With("component", "robots"))
	}

	p, err := pipeline.New(pcfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	return &Application{store: store, pipeline: p}, nil
}

// Pipeline returns the scrape pipeline.
func (a *Application) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Store returns the record store.
func (a *Application) Store() storage.Store { return a.store }

// Close releases the store.
func (a *Application) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	var (
		s   storage.Store
		err error
	)
	switch cfg.Backend {
	case "", "json":
		s, err = jsonbackend.New(cfg.Path)
	case "csv":
		s, err = csvbackend.New(cfg.Path)
	case "sqlite":
		s, err = sqlite.New(cfg.Path)
	case "postgres":
		s, err = postgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return s, nil
}

// NewFetcher builds the page fetcher with its proxy pool, pacing and TLS
// profile.
func NewFetcher(cfg config.FetchConfig, logger *slog.Logger) (*scraper.Fetcher, error) {
	profile, err := fingerprint.ParseProfile(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}

	fc := scraper.FetchConfig{
		Timeout:      cfg.Timeout,
		MaxAttempts:  cfg.MaxAttempts,
		RetryDelay:   cfg.RetryDelay,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.CookieJar,
		MaxBodyBytes: cfg.MaxBodyBytes,
		UAPool:       useragent.NewPool(cfg.UserAgents),
		Fingerprint:  profile,
		Referer:      cfg.Referer,
		Logger:       logger,
	}
	// A configured zero delay means no pause, not the fetcher default.
	if fc.RetryDelay == 0 {
		fc.RetryDelay = -1
	}
	if cfg.RequestsPerSecond > 0 {
		fc.Limiter = ratelimit.NewLimiter(cfg.RequestsPerSecond, cfg.Jitter)
	}
	if cfg.ProxyFile != "" {
		pool := proxy.NewPool(proxy.Config{MaxFailures: cfg.ProxyMaxFailures, Cooldown: cfg.ProxyCooldown})
		if err := pool.LoadFile(cfg.ProxyFile); err != nil {
			return nil, err
		}
		logger.Info("proxy pool loaded", "proxies", pool.Len(), "file", cfg.ProxyFile)
		fc.ProxyPool = pool
	}

	return scraper.NewFetcher(fc)
}

func newExtractor(cfg *config.Config, fetcher *scraper.Fetcher, logger *slog.Logger) *scraper.Extractor {
	ec := scraper.ExtractorConfig{
		Selectors: scraper.Selectors{
			Item:  cfg.Target.Selectors.Item,
			Title: cfg.Target.Selectors.Title,
			Price: cfg.Target.Selectors.Price,
			Image: cfg.Target.Selectors.Image,
		},
		Store:   scraper.ImageStore{Dir: cfg.Images.Dir, Ext: cfg.Images.Ext},
		Workers: cfg.Images.Workers,
		Logger:  logger,
	}
	if cfg.Images.Enabled {
		ec.Images = fetcher
	}
	return scraper.NewExtractor(ec)
}

// NewNotifier returns the configured notifiers fanned out, or nil when none
// is enabled.
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	var m notify.Multi
	if cfg.Log {
		m = append(m, &notify.LogNotifier{Logger: logger})
	}
	if cfg.WebhookURL != "" {
		hook, err := notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		m = append(m, hook)
	}
	switch len(m) {
	case 0:
		return nil, nil
	case 1:
		return m[0], nil
	}
	return m, nil
}
