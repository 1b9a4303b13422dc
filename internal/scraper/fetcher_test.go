package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/pricewatch/pkg/proxy"
	"github.com/FranksOps/pricewatch/pkg/useragent"
	"github.com/klauspost/compress/gzip"
)

func TestFetcher_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding", "Referer"} {
			if r.Header.Get(h) == "" {
				t.Errorf("expected %s header, got none", h)
			}
		}
		w.Header().Set("X-Test", "true")
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{
		UAPool: useragent.NewPool([]string{"TestBrowser/1.0"}),
	})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", page.StatusCode)
	}
	if string(page.Body) != "ok" {
		t.Errorf("expected body 'ok', got %s", page.Body)
	}
	if page.Header.Get("X-Test") != "true" {
		t.Errorf("expected X-Test header 'true', got %v", page.Header.Get("X-Test"))
	}
	if page.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", page.Attempts)
	}
	if page.Duration == 0 {
		t.Errorf("expected non-zero duration")
	}
}

func TestFetcher_HeadersOnEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("User-Agent") != "TestBrowser/1.0" || r.Header.Get("Referer") != "https://shop.example.com/" {
			t.Errorf("attempt %d missing browser headers: %v", calls.Load(), r.Header)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{
		MaxAttempts: 3,
		UAPool:      useragent.NewPool([]string{"TestBrowser/1.0"}),
		Referer:     "https://shop.example.com/",
	})

	_, err := fetcher.Fetch(context.Background(), ts.URL)
	if !errors.Is(err, ErrPageUnavailable) {
		t.Fatalf("expected ErrPageUnavailable, got %v", err)
	}

	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected wrapped 502 StatusError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetcher_RetryExhaustionSpacing(t *testing.T) {
	// A listener that is closed immediately gives a fast transport error.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var mu sync.Mutex
	var stamps []time.Time
	fetcher := newTestFetcher(t, FetchConfig{
		MaxAttempts: 3,
		RetryDelay:  40 * time.Millisecond,
	})
	fetcher.client.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return http.DefaultTransport.RoundTrip(req)
	})

	_, err = fetcher.Fetch(context.Background(), "http://"+addr+"/shop/")

	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if ferr.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", ferr.Attempts)
	}
	if len(stamps) != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 40*time.Millisecond {
			t.Errorf("attempts %d and %d only %v apart", i, i+1, gap)
		}
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestFetcher_RecoversAfterServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("listing"))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{MaxAttempts: 3})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Attempts != 2 {
		t.Errorf("expected success on attempt 2, got %d", page.Attempts)
	}
}

func TestFetcher_TimeoutConsumesAttempt(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 2,
	})

	page, err := fetcher.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Attempts != 2 {
		t.Errorf("expected hung first attempt to consume a retry, got %d attempts", page.Attempts)
	}
}

func TestFetcher_BlockedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{MaxAttempts: 1})

	_, err := fetcher.Fetch(context.Background(), ts.URL)
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Blocker != "Cloudflare" {
		t.Errorf("expected Cloudflare block, got %v", err)
	}
}

func TestFetcher_GzipBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte("<ul class=\"products\"></ul>"))
		_ = zw.Close()
	}))
	defer ts.Close()

	page, err := newTestFetcher(t, FetchConfig{}).Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(page.Body) != `<ul class="products"></ul>` {
		t.Errorf("expected decoded body, got %q", page.Body)
	}
}

func TestFetcher_Cancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{MaxAttempts: 5, RetryDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := fetcher.Fetch(ctx, ts.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if errors.Is(err, ErrPageUnavailable) {
		t.Errorf("cancellation must not be reported as page unavailable")
	}
}

func TestFetcher_InvalidURL(t *testing.T) {
	_, err := newTestFetcher(t, FetchConfig{}).Fetch(context.Background(), "ftp://shop.example.com/")
	if !errors.Is(err, ErrPageUnavailable) {
		t.Errorf("expected ErrPageUnavailable for unsupported scheme, got %v", err)
	}
}

func TestFetcher_ProxyPool(t *testing.T) {
	// A plain server standing in for a forward proxy answers every request itself.
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer proxyServer.Close()

	pool := proxy.NewPool(proxy.Config{MaxFailures: 1, Cooldown: time.Second})
	if err := pool.Add(proxyServer.URL); err != nil {
		t.Fatalf("failed to add proxy: %v", err)
	}

	fetcher := newTestFetcher(t, FetchConfig{MaxAttempts: 1, ProxyPool: pool})

	_, err := fetcher.Fetch(context.Background(), "http://shop.example.com/shop/")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusTeapot {
		t.Errorf("expected 418 from proxy, got %v", err)
	}
}

func TestFetcher_ContextProxyOverridesPool(t *testing.T) {
	var viaContext atomic.Int32
	ctxProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viaContext.Add(1)
		_, _ = w.Write([]byte("via context proxy"))
	}))
	defer ctxProxy.Close()

	poolProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("pool proxy must not be used when the context carries one")
	}))
	defer poolProxy.Close()

	pool := proxy.NewPool(proxy.Config{})
	_ = pool.Add(poolProxy.URL)

	fetcher := newTestFetcher(t, FetchConfig{ProxyPool: pool})

	u, _ := url.Parse(ctxProxy.URL)
	ctx := WithProxy(context.Background(), u)

	if _, err := fetcher.Fetch(ctx, "http://shop.example.com/shop/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fetcher.FetchOnce(ctx, "http://shop.example.com/img/comb.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if viaContext.Load() != 2 {
		t.Errorf("expected page and image through the context proxy, got %d", viaContext.Load())
	}
}

func TestFetchOnce_NoRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t, FetchConfig{MaxAttempts: 3})
	if _, err := fetcher.FetchOnce(context.Background(), ts.URL); err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}
