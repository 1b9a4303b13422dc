package fingerprint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Profile names the TLS ClientHello the fetch transport presents.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // crypto/tls, no mimicry
	ProfileRandom  Profile = "random" // randomized uTLS hello
)

// ParseProfile maps a configuration string to a Profile. The empty string
// selects ProfileChrome.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ProfileChrome, nil
	case ProfileChrome, ProfileFirefox, ProfileSafari, ProfileGo, ProfileRandom:
		return p, nil
	default:
		return "", fmt.Errorf("fingerprint: unknown profile %q", s)
	}
}

// Options tune the transport built by Transport.
type Options struct {
	// Proxy, when set, becomes the transport's proxy function.
	Proxy func(*http.Request) (*url.URL, error)
	// InsecureSkipVerify disables certificate verification. Tests only.
	InsecureSkipVerify bool
}

// Transport returns an *http.Transport whose TLS handshakes present the
// ClientHello of profile p. ProfileGo yields a plain clone of
// http.DefaultTransport.
func Transport(p Profile, opts Options) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != nil {
		transport.Proxy = opts.Proxy
	}

	if p == ProfileGo {
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return transport, nil
	}

	spec, helloID, err := helloFor(p)
	if err != nil {
		return nil, err
	}

	// The uTLS connection is handed to net/http as an opaque net.Conn, so
	// only HTTP/1.1 can be spoken over it.
	transport.ForceAttemptHTTP2 = false
	dial := transport.DialContext

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}

		uConn := utls.UClient(tcpConn, &utls.Config{
			ServerName:         host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}, helloID)
		if spec != nil {
			// ApplyPreset consumes the spec, so each dial gets its own copy.
			fresh, _, _ := helloFor(p)
			if err := uConn.ApplyPreset(fresh); err != nil {
				_ = tcpConn.Close()
				return nil, fmt.Errorf("fingerprint: apply %s preset: %w", p, err)
			}
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("fingerprint: utls handshake: %w", err)
		}
		return uConn, nil
	}

	return transport, nil
}

// helloFor resolves a browser profile to a custom spec advertising only
// http/1.1 over ALPN. ProfileRandom has no fixed spec and uses the
// randomized no-ALPN hello instead.
func helloFor(p Profile) (*utls.ClientHelloSpec, utls.ClientHelloID, error) {
	var id utls.ClientHelloID
	switch p {
	case ProfileChrome:
		id = utls.HelloChrome_Auto
	case ProfileFirefox:
		id = utls.HelloFirefox_Auto
	case ProfileSafari:
		id = utls.HelloIOS_Auto
	case ProfileRandom:
		return nil, utls.HelloRandomizedNoALPN, nil
	default:
		return nil, utls.ClientHelloID{}, fmt.Errorf("fingerprint: unknown profile %q", p)
	}

	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return nil, utls.ClientHelloID{}, fmt.Errorf("fingerprint: %s spec: %w", p, err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	return &spec, utls.HelloCustom, nil
}
