// Package pipeline drives one scrape run: it walks listing pages in order,
// extracts product records and persists the ones that changed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/FranksOps/pricewatch/internal/cache"
	"github.com/FranksOps/pricewatch/internal/metrics"
	"github.com/FranksOps/pricewatch/internal/notify"
	"github.com/FranksOps/pricewatch/internal/report"
	"github.com/FranksOps/pricewatch/internal/scraper"
	"github.com/FranksOps/pricewatch/internal/storage"
	"github.com/google/uuid"
)

// PageFetcher retrieves a listing page, retrying as it sees fit.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*scraper.Page, error)
}

// RecordExtractor turns a fetched page into product records.
type RecordExtractor interface {
	Extract(ctx context.Context, body []byte, pageURL string) (*scraper.Listing, error)
}

// RobotsChecker gates listing fetches on robots.txt.
type RobotsChecker interface {
	Allowed(ctx context.Context, url string) (bool, error)
}

var (
	_ PageFetcher     = (*scraper.Fetcher)(nil)
	_ RecordExtractor = (*scraper.Extractor)(nil)
	_ RobotsChecker   = (*scraper.RobotsPolicy)(nil)
)

// Config wires a Pipeline.
type Config struct {
	BaseURL string
	// PageURL builds page N's URL. Default scraper.PathPageURL.
	PageURL scraper.URLBuilder
	// PageLimit applies when RunOptions carries none. Zero means unlimited.
	PageLimit int

	Fetcher   PageFetcher
	Extractor RecordExtractor
	Store     storage.Store
	Notifier  notify.Notifier
	Robots    RobotsChecker

	// DumpPagePath, when set, receives the body of every fetched page.
	DumpPagePath string
	Logger       *slog.Logger
}

// RunOptions are the per-run inputs of a trigger.
type RunOptions struct {
	PageLimit int
	// Proxy routes the run's page and image fetches.
	Proxy *url.URL
}

// Pipeline runs scrapes. Runs share nothing but the Store, so concurrent
// calls to Run are safe when the Store serializes its writes.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pipeline: base url is required")
	}
	if cfg.Fetcher == nil || cfg.Extractor == nil || cfg.Store == nil {
		return nil, errors.New("pipeline: fetcher, extractor and store are required")
	}
	if cfg.PageURL == nil {
		cfg.PageURL = scraper.PathPageURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger}, nil
}

// run is the state owned by a single Run call.
type run struct {
	id      string
	cache   *cache.ChangeCache
	summary *report.Summary
	logger  *slog.Logger
}

func (r *run) stop(outcome report.Outcome, reason string, err error) {
	r.summary.Outcome = outcome
	r.summary.StopReason = reason
	if err != nil {
		r.summary.Error = err.Error()
	}
}

type stepKind int

const (
	stepOK stepKind = iota
	stepSkip
	stepFatal
)

// stepResult is the outcome of processing one record. A skip never ends the
// run; a fatal result always does.
type stepResult struct {
	kind   stepKind
	reason string
	err    error
}

// Run scrapes pages 1..N sequentially until the page limit, an empty page,
// an unavailable page, a robots.txt refusal, cancellation or a persistence
// failure. The summary is always returned. The error is non-nil only for a
// persistence failure or cancellation; an unavailable page is a normal end.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*report.Summary, error) {
	id := uuid.NewString()
	r := &run{
		id:    id,
		cache: cache.New(),
		summary: &report.Summary{
			RunID:     id,
			BaseURL:   p.cfg.BaseURL,
			StartedAt: time.Now().UTC(),
		},
		logger: p.logger.With("run_id", id),
	}

	if opts.Proxy != nil {
		ctx = scraper.WithProxy(ctx, opts.Proxy)
	}
	limit := opts.PageLimit
	if limit <= 0 {
		limit = p.cfg.PageLimit
	}

	r.logger.Info("scrape started", "base_url", p.cfg.BaseURL, "page_limit", limit, "proxy", opts.Proxy != nil)
	runErr := p.paginate(ctx, r, limit)
	p.finish(ctx, r)
	return r.summary, runErr
}

func (p *Pipeline) paginate(ctx context.Context, r *run, limit int) error {
	for page := 1; ; page++ {
		if limit > 0 && page > limit {
			r.stop(report.OutcomeCompleted, "page limit reached", nil)
			return nil
		}
		if err := ctx.Err(); err != nil {
			r.stop(report.OutcomeCancelled, "cancelled", err)
			return fmt.Errorf("pipeline: %w", err)
		}

		pageURL := p.cfg.PageURL(p.cfg.BaseURL, page)
		log := r.logger.With("page", page, "url", pageURL)

		if p.cfg.Robots != nil {
			allowed, err := p.cfg.Robots.Allowed(ctx, pageURL)
			if err == nil && !allowed {
				metrics.PagesTotal.WithLabelValues("disallowed").Inc()
				log.Warn("robots.txt disallows listing page")
				r.stop(report.OutcomeRobotsDisallowed, "disallowed by robots.txt", nil)
				return nil
			}
		}

		log.Info("fetching listing page")
		fetched, err := p.cfg.Fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				r.stop(report.OutcomeCancelled, "cancelled", ctxErr)
				return fmt.Errorf("pipeline: %w", ctxErr)
			}
			metrics.PagesTotal.WithLabelValues("unavailable").Inc()
			log.Warn("page unavailable, stopping", "err", err)
			r.stop(report.OutcomePageUnavailable, fmt.Sprintf("page %d unavailable", page), err)
			return nil
		}
		r.summary.Pages++
		p.dumpPage(log, fetched)

		listing, err := p.cfg.Extractor.Extract(ctx, fetched.Body, fetched.URL)
		if err != nil {
			metrics.PagesTotal.WithLabelValues("unparsable").Inc()
			log.Warn("page could not be parsed, stopping", "err", err)
			r.stop(report.OutcomePageUnavailable, fmt.Sprintf("page %d unparsable", page), err)
			return nil
		}
		r.summary.TotalSkipped += listing.Skipped

		if len(listing.Records) == 0 {
			metrics.PagesTotal.WithLabelValues("empty").Inc()
			log.Info("no products found on page, stopping")
			r.stop(report.OutcomeCompleted, "empty page", nil)
			return nil
		}
		metrics.PagesTotal.WithLabelValues("processed").Inc()

		// Records of a page that has started are always processed in full;
		// cancellation takes effect at the next page boundary.
		recCtx := context.WithoutCancel(ctx)
		for _, rec := range listing.Records {
			res := p.process(recCtx, r, rec)
			switch res.kind {
			case stepSkip:
				log.Debug("record skipped", "title", rec.Title, "reason", res.reason)
			case stepFatal:
				log.Error("persistence failure, aborting run", "title", rec.Title, "err", res.err)
				r.stop(report.OutcomePersistenceFailure, "persistence failure", res.err)
				return fmt.Errorf("pipeline: %w", res.err)
			}
		}
		log.Info("page processed",
			"records", len(listing.Records),
			"skipped", listing.Skipped,
			"total_scraped", r.summary.TotalScraped,
			"total_updated", r.summary.TotalUpdated,
		)
	}
}

// process consults the run cache and upserts rec when its price is new to
// this run. The cache is written only after the store accepted the record,
// so a cached price always matches the stored one.
func (p *Pipeline) process(ctx context.Context, r *run, rec storage.ProductRecord) stepResult {
	r.summary.TotalScraped++

	if err := rec.Validate(); err != nil {
		r.summary.TotalSkipped++
		metrics.RecordsTotal.WithLabelValues("invalid").Inc()
		return stepResult{kind: stepSkip, reason: err.Error()}
	}

	if r.cache.Unchanged(rec.Title, rec.Price) {
		r.summary.TotalCached++
		metrics.RecordsTotal.WithLabelValues("cached").Inc()
		return stepResult{kind: stepOK}
	}

	updated, err := p.cfg.Store.Upsert(ctx, rec)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRecord) {
			r.summary.TotalSkipped++
			metrics.RecordsTotal.WithLabelValues("invalid").Inc()
			return stepResult{kind: stepSkip, reason: err.Error()}
		}
		return stepResult{kind: stepFatal, err: err}
	}
	r.cache.Set(rec.Title, rec.Price)

	if updated {
		r.summary.TotalUpdated++
		metrics.RecordsTotal.WithLabelValues("updated").Inc()
	} else {
		metrics.RecordsTotal.WithLabelValues("unchanged").Inc()
	}
	return stepResult{kind: stepOK}
}

func (p *Pipeline) dumpPage(log *slog.Logger, page *scraper.Page) {
	if p.cfg.DumpPagePath == "" {
		return
	}
	if err := storage.WriteFileAtomic(p.cfg.DumpPagePath, page.Body, 0o644); err != nil {
		log.Warn("page dump failed", "path", p.cfg.DumpPagePath, "err", err)
	}
}

func (p *Pipeline) finish(ctx context.Context, r *run) {
	s := r.summary
	s.FinishedAt = time.Now().UTC()
	s.Duration = s.FinishedAt.Sub(s.StartedAt)
	metrics.RecordRun(string(s.Outcome), s.Duration)

	if p.cfg.Notifier != nil {
		totals := notify.Totals{RunID: r.id, Scraped: s.TotalScraped, Updated: s.TotalUpdated}
		if err := p.cfg.Notifier.Notify(context.WithoutCancel(ctx), totals); err != nil {
			r.logger.Warn("notifier failed", "err", err)
		}
	}

	r.logger.Info("scrape finished",
		"outcome", s.Outcome,
		"reason", s.StopReason,
		"pages", s.Pages,
		"total_scraped", s.TotalScraped,
		"total_updated", s.TotalUpdated,
		"cached_titles", r.cache.Len(),
		"duration", s.Duration,
	)
	r.logger.Debug("cache contents", "cache", r.cache.Dump())
}
