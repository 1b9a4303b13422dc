package httpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// DefaultMaxBodyBytes caps how much of a response body ReadBody will buffer.
const DefaultMaxBodyBytes = 32 << 20

// ErrBodyTooLarge is returned by ReadBody when the decoded body exceeds the limit.
var ErrBodyTooLarge = errors.New("httpclient: response body too large")

// Config defines the setup for the HTTP Client.
type Config struct {
	// Timeout bounds a single request including reading the body.
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	// Transport overrides the default, e.g. for proxies or uTLS fingerprinting.
	Transport http.RoundTripper
}

// Client wraps http.Client with a redirect policy, optional cookie jar and
// content decoding for explicitly negotiated encodings.
type Client struct {
	*http.Client
}

// New creates a new HTTP client based on the provided configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &http.Client{Timeout: cfg.Timeout}

	if cfg.MaxRedirects >= 0 {
		limit := cfg.MaxRedirects
		if limit == 0 {
			limit = 10
		}
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("httpclient: stopped after %d redirects", limit)
			}
			return nil
		}
	} else {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	if cfg.UseCookieJar {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("httpclient: %w", err)
		}
		c.Jar = jar
	}

	if cfg.Transport != nil {
		c.Transport = cfg.Transport
	}

	return &Client{Client: c}, nil
}

// Do executes req under ctx, which controls cancellation independently of
// the client timeout.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("httpclient: nil context")
	}

	resp, err := c.Client.Do(req.Clone(ctx))
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	return resp, nil
}

// ReadBody reads and decodes resp.Body according to Content-Encoding, up to
// maxBytes of decoded content (DefaultMaxBodyBytes when <= 0). The body is
// not closed.
func ReadBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	r, err := decoder(resp)
	if err != nil {
		return nil, err
	}
	if closer, ok := r.(io.Closer); ok && r != resp.Body {
		defer closer.Close()
	}

	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func decoder(resp *http.Response) (io.Reader, error) {
	// The transport already decoded the body when it negotiated gzip itself.
	if resp.Uncompressed {
		return resp.Body, nil
	}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: gzip: %w", err)
		}
		return zr, nil
	case "deflate":
		// "deflate" is zlib-wrapped per RFC 9110, but some servers send raw
		// deflate streams. Peek at the header to choose.
		br := bufio.NewReader(resp.Body)
		hdr, _ := br.Peek(2)
		if len(hdr) == 2 && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, fmt.Errorf("httpclient: zlib: %w", err)
			}
			return zr, nil
		}
		return flate.NewReader(br), nil
	default:
		return nil, fmt.Errorf("httpclient: unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
