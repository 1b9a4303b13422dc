// Package server exposes the scrape trigger over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/FranksOps/pricewatch/internal/metrics"
	"github.com/FranksOps/pricewatch/internal/pipeline"
	"github.com/FranksOps/pricewatch/internal/report"
	"github.com/FranksOps/pricewatch/pkg/proxy"
)

// maxRequestBytes caps the trigger body.
const maxRequestBytes = 1 << 16

// Runner executes one scrape run.
type Runner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (*report.Summary, error)
}

var _ Runner = (*pipeline.Pipeline)(nil)

// Config configures a Server.
type Config struct {
	Addr string
	// Token is the shared bearer secret. Required.
	Token string
	// ShutdownTimeout bounds graceful shutdown. Default 30s.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server serves POST /scrape, GET /healthz and GET /metrics.
type Server struct {
	runner Runner
	token  []byte
	cfg    Config
	logger *slog.Logger
}

// New returns a Server that triggers runs on runner.
func New(runner Runner, cfg Config) (*Server, error) {
	if runner == nil {
		return nil, errors.New("server: runner is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("server: token is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{runner: runner, token: []byte(cfg.Token), cfg: cfg, logger: cfg.Logger}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /scrape", s.requireToken(http.HandlerFunc(s.handleScrape)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down
// gracefully, letting in-flight runs finish within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), s.token) != 1 {
			s.logger.Warn("unauthorized scrape trigger", "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="pricewatch"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// scrapeRequest is the trigger body. Both fields are optional.
type scrapeRequest struct {
	Pages *int   `json:"pages"`
	Proxy string `json:"proxy"`
}

type scrapeResponse struct {
	Message    string         `json:"message"`
	RunID      string         `json:"run_id,omitempty"`
	Outcome    report.Outcome `json:"outcome,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeOptions(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	summary, err := s.runner.Run(r.Context(), opts)
	if summary == nil {
		summary = &report.Summary{}
	}
	resp := scrapeResponse{
		Message:    summary.Message(),
		RunID:      summary.RunID,
		Outcome:    summary.Outcome,
		StopReason: summary.StopReason,
		Error:      summary.Error,
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case summary.Outcome == report.OutcomeCancelled:
		resp.Error = "scrape cancelled"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		s.logger.Error("scrape failed", "run_id", summary.RunID, "err", err)
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func decodeOptions(w http.ResponseWriter, r *http.Request) (pipeline.RunOptions, error) {
	var req scrapeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return pipeline.RunOptions{}, fmt.Errorf("invalid request body: %v", err)
	}

	var opts pipeline.RunOptions
	if req.Pages != nil {
		if *req.Pages <= 0 {
			return opts, fmt.Errorf("pages must be positive, got %d", *req.Pages)
		}
		opts.PageLimit = *req.Pages
	}
	if req.Proxy != "" {
		u, err := proxy.ParseURL(req.Proxy)
		if err != nil {
			return opts, fmt.Errorf("invalid proxy: %v", err)
		}
		opts.Proxy = u
	}
	return opts, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
