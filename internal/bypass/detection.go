// Package bypass recognizes bot-protection walls in failed listing and image
// responses so fetch errors can name what blocked them.
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Signal is the part of an HTTP response the detectors look at.
type Signal struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Detector reports the protection vendor that produced s, if any.
type Detector func(s Signal) (source string, detected bool)

// DefaultDetectors returns the built-in vendor detectors in evaluation order.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
	}
}

// Detect runs s through detectors and returns the first vendor matched.
// A nil detectors slice uses DefaultDetectors.
func Detect(s Signal, detectors []Detector) (string, bool) {
	if detectors == nil {
		detectors = DefaultDetectors()
	}
	for _, d := range detectors {
		if src, ok := d(s); ok {
			return src, true
		}
	}
	return "", false
}

func header(h http.Header, key string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	for k, vals := range h {
		if strings.EqualFold(k, key) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func serverContains(s Signal, vendor string) bool {
	return strings.Contains(strings.ToLower(header(s.Headers, "Server")), vendor)
}

func bodyContainsAny(body []byte, needles ...string) bool {
	for _, n := range needles {
		if bytes.Contains(body, []byte(n)) {
			return true
		}
	}
	return false
}

func detectCloudflare(s Signal) (string, bool) {
	if s.StatusCode != http.StatusForbidden && s.StatusCode != http.StatusServiceUnavailable {
		return "", false
	}
	if serverContains(s, "cloudflare") || bodyContainsAny(s.Body,
		"cf-browser-verification",
		"cloudflare-nginx",
		"cf-turnstile",
		"Attention Required! | Cloudflare",
	) {
		return "Cloudflare", true
	}
	return "", false
}

func detectAkamai(s Signal) (string, bool) {
	if s.StatusCode != http.StatusForbidden {
		return "", false
	}
	if serverContains(s, "akamai") {
		return "Akamai", true
	}
	// Generic Akamai block page.
	if bytes.Contains(s.Body, []byte("Reference #")) && bytes.Contains(s.Body, []byte("Access Denied")) {
		return "Akamai", true
	}
	return "", false
}

func detectDataDome(s Signal) (string, bool) {
	if s.StatusCode != http.StatusForbidden {
		return "", false
	}
	if serverContains(s, "datadome") ||
		header(s.Headers, "X-DataDome") != "" ||
		header(s.Headers, "X-DataDome-Response") != "" ||
		bodyContainsAny(s.Body, "geo.captcha-delivery.com", "datadome") {
		return "DataDome", true
	}
	return "", false
}

func detectPerimeterX(s Signal) (string, bool) {
	if s.StatusCode != http.StatusForbidden {
		return "", false
	}
	if header(s.Headers, "X-Px-Captcha") != "" ||
		bodyContainsAny(s.Body, "client.perimeterx.net", "px-captcha", "_pxBlock") {
		return "PerimeterX", true
	}
	return "", false
}
