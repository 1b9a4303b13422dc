// Package notify delivers end-of-run totals. Delivery is best effort: callers
// log a returned error and carry on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/FranksOps/pricewatch/pkg/httpclient"
)

// Totals are the counters reported when a run finishes.
type Totals struct {
	RunID   string `json:"run_id"`
	Scraped int    `json:"total_scraped"`
	Updated int    `json:"total_updated"`
}

// Notifier receives the final totals of a run.
type Notifier interface {
	Notify(ctx context.Context, t Totals) error
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = Multi(nil)
)

// LogNotifier writes totals to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, t Totals) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("scrape finished", "run_id", t.RunID, "total_scraped", t.Scraped, "total_updated", t.Updated)
	return nil
}

// WebhookNotifier POSTs totals as JSON to URL. A non-2xx reply is an error.
type WebhookNotifier struct {
	URL   string
	Token string
	// Timeout bounds the whole delivery. Default 10s.
	Timeout time.Duration

	client *httpclient.Client
}

// NewWebhookNotifier returns a notifier posting to url.
func NewWebhookNotifier(url, token string, timeout time.Duration) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("notify: webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := httpclient.New(httpclient.Config{Timeout: timeout, MaxRedirects: -1})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return &WebhookNotifier{URL: url, Token: token, Timeout: timeout, client: client}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, t Totals) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("notify: encode totals: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}

	resp, err := n.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans totals out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, t Totals) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
