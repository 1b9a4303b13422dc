package scraper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/FranksOps/pricewatch/internal/metrics"
	"github.com/FranksOps/pricewatch/internal/storage"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

// Selectors locate product entries and their fields in a listing page.
type Selectors struct {
	Item  string
	Title string
	Price string
	Image string
}

// DefaultSelectors match a WooCommerce product grid.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:  "li.product",
		Title: "h2.woo-loop-product__title",
		Price: "span.woocommerce-Price-amount",
		Image: "img",
	}
}

// ImageFetcher downloads a single asset without retrying.
type ImageFetcher interface {
	FetchOnce(ctx context.Context, url string) (*Page, error)
}

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	Selectors Selectors
	// Images downloads product images. When nil, records keep the remote
	// image URL.
	Images ImageFetcher
	Store  ImageStore
	// Workers bounds concurrent image downloads within one page. Default 4.
	Workers int
	Logger  *slog.Logger
}

// Listing is the result of extracting one page.
type Listing struct {
	// Records are complete candidates in document order.
	Records []storage.ProductRecord
	// Skipped counts matched entries dropped for a missing or unparsable field.
	Skipped int
}

// Extractor turns listing HTML into product records.
type Extractor struct {
	sel     Selectors
	images  ImageFetcher
	store   ImageStore
	workers int
	logger  *slog.Logger
}

// NewExtractor returns an Extractor, filling unset selectors from
// DefaultSelectors.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	def := DefaultSelectors()
	if cfg.Selectors.Item == "" {
		cfg.Selectors.Item = def.Item
	}
	if cfg.Selectors.Title == "" {
		cfg.Selectors.Title = def.Title
	}
	if cfg.Selectors.Price == "" {
		cfg.Selectors.Price = def.Price
	}
	if cfg.Selectors.Image == "" {
		cfg.Selectors.Image = def.Image
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "images"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		sel:     cfg.Selectors,
		images:  cfg.Images,
		store:   cfg.Store,
		workers: cfg.Workers,
		logger:  cfg.Logger,
	}
}

type candidate struct {
	title    string
	price    float64
	imageURL string
}

// Extract parses body, fetched from pageURL, into a Listing. Entries missing
// a title, price or image reference, or whose price does not parse, are
// skipped. Images are resolved concurrently but records keep the order of
// their entries in the document.
func (e *Extractor) Extract(ctx context.Context, body []byte, pageURL string) (*Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	base, _ := url.Parse(pageURL)
	listing := &Listing{}
	var found []candidate

	doc.Find(e.sel.Item).Each(func(i int, item *goquery.Selection) {
		c, reason := e.candidate(item, base)
		if reason != "" {
			listing.Skipped++
			e.logger.Debug("skipping listing entry", "page", pageURL, "index", i, "reason", reason)
			return
		}
		found = append(found, c)
	})

	paths := e.resolveImages(ctx, found)

	listing.Records = make([]storage.ProductRecord, len(found))
	for i, c := range found {
		listing.Records[i] = storage.ProductRecord{
			Title:     c.title,
			Price:     c.price,
			ImagePath: paths[i],
		}
	}
	return listing, nil
}

func (e *Extractor) candidate(item *goquery.Selection, base *url.URL) (candidate, string) {
	title := strings.Join(strings.Fields(item.Find(e.sel.Title).First().Text()), " ")
	if title == "" {
		return candidate{}, "missing title"
	}

	// A sale shows the struck-out price first and the current one in <ins>.
	priceSel := item.Find("ins " + e.sel.Price).First()
	if priceSel.Length() == 0 {
		priceSel = item.Find(e.sel.Price).First()
	}
	if priceSel.Length() == 0 {
		return candidate{}, "missing price"
	}
	price, err := ParsePrice(priceSel.Text())
	if err != nil {
		return candidate{}, err.Error()
	}

	img := item.Find(e.sel.Image).First()
	if img.Length() == 0 {
		return candidate{}, "missing image"
	}
	ref := imageRef(img)
	if ref == "" {
		return candidate{}, "missing image source"
	}
	if base != nil {
		if u, err := url.Parse(ref); err == nil {
			ref = base.ResolveReference(u).String()
		}
	}

	return candidate{title: title, price: price, imageURL: ref}, ""
}

// imageRef prefers src, falling back to the lazy-load attribute when src is
// absent or an inline placeholder.
func imageRef(img *goquery.Selection) string {
	src := strings.TrimSpace(img.AttrOr("src", ""))
	if src != "" && !strings.HasPrefix(src, "data:") {
		return src
	}
	if lazy := strings.TrimSpace(img.AttrOr("data-src", "")); lazy != "" {
		return lazy
	}
	return src
}

func (e *Extractor) resolveImages(ctx context.Context, found []candidate) []string {
	paths := make([]string, len(found))
	if e.images == nil {
		for i, c := range found {
			paths[i] = c.imageURL
			metrics.ImagesTotal.WithLabelValues("remote").Inc()
		}
		return paths
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, c := range found {
		g.Go(func() error {
			paths[i] = e.resolveImage(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return paths
}

// resolveImage downloads c's image and returns its local path, or the remote
// URL when the download or the write fails.
func (e *Extractor) resolveImage(ctx context.Context, c candidate) string {
	page, err := e.images.FetchOnce(ctx, c.imageURL)
	if err == nil {
		var path string
		if path, err = e.store.Save(c.title, page.Body); err == nil {
			metrics.ImagesTotal.WithLabelValues("saved").Inc()
			return path
		}
	}
	metrics.ImagesTotal.WithLabelValues("degraded").Inc()
	e.logger.Warn("image download failed, keeping remote url", "title", c.title, "url", c.imageURL, "err", err)
	return c.imageURL
}
