package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch kinds.
const (
	KindPage   = "page"
	KindImage  = "image"
	KindRobots = "robots"
)

var (
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_fetch_attempts_total",
			Help: "HTTP fetch attempts by kind and outcome (status code or \"error\")",
		},
		[]string{"kind", "status"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_fetch_duration_seconds",
			Help:    "Duration of single fetch attempts in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_fetch_bytes_total",
			Help: "Decoded bytes downloaded by kind",
		},
		[]string{"kind"},
	)

	BlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_blocked_total",
			Help: "Responses recognized as a bot-protection wall",
		},
		[]string{"source"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_proxy_failures_total",
			Help: "Transport failures through a proxy, by proxy host",
		},
		[]string{"proxy_host"},
	)

	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_pages_total",
			Help: "Listing pages by outcome",
		},
		[]string{"outcome"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_records_total",
			Help: "Extracted product records by processing result",
		},
		[]string{"result"},
	)

	ImagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_images_total",
			Help: "Image resolutions by result (saved or degraded)",
		},
		[]string{"result"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_runs_total",
			Help: "Completed scrape runs by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricewatch_run_duration_seconds",
			Help:    "Wall time of complete scrape runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

// RecordFetch records one fetch attempt. A non-nil err without a status
// code is counted as "error".
func RecordFetch(kind string, statusCode int, err error, d time.Duration, bytes int) {
	status := strconv.Itoa(statusCode)
	if statusCode == 0 && err != nil {
		status = "error"
	}
	FetchAttemptsTotal.WithLabelValues(kind, status).Inc()
	FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
	if bytes > 0 {
		FetchBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordBlocked counts a response attributed to a protection vendor.
func RecordBlocked(source string) {
	BlockedTotal.WithLabelValues(source).Inc()
}

// RecordProxyFailure counts a failure through proxy u. Only the host is used
// as a label so credentials never reach the registry.
func RecordProxyFailure(u *url.URL) {
	if u == nil {
		return
	}
	ProxyFailures.WithLabelValues(u.Host).Inc()
}

// RecordRun records a finished run.
func RecordRun(outcome string, d time.Duration) {
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDuration.Observe(d.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server is a standalone HTTP server for /metrics, used when scraping from
// the command line.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Start listens on addr and serves /metrics in the background.
func Start(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()

	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
