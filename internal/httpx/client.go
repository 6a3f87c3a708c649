// Package httpx builds HTTP clients with proxy support for talking to
// the conversion backend.
package httpx

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// Options controls transport construction.
type Options struct {
	// ProxyMode is one of "no-proxy", "system" or "http".
	ProxyMode string

	// ProxyURL is the explicit proxy endpoint for the "http" mode.
	ProxyURL string

	// NoProxy is a comma-separated host/CIDR list exempt from proxying.
	NoProxy string

	// Timeout bounds a whole request/response exchange. Zero means no
	// client timeout; streaming responses must pass zero and rely on
	// context cancellation instead.
	Timeout time.Duration
}

// NewTransport returns a transport configured for the given proxy mode.
func NewTransport(opts Options) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch strings.ToLower(opts.ProxyMode) {
	case "no-proxy", "":
		transport.Proxy = nil

	case "system":
		transport.Proxy = http.ProxyFromEnvironment

	case "http":
		if opts.ProxyURL == "" {
			return nil, fmt.Errorf("proxy mode %q requires a proxy URL", opts.ProxyMode)
		}
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", err)
		}

		if opts.NoProxy != "" {
			// httpproxy handles host, domain suffix and CIDR matching
			// the same way the standard environment variables do.
			cfg := &httpproxy.Config{
				HTTPProxy:  proxyURL.String(),
				HTTPSProxy: proxyURL.String(),
				NoProxy:    opts.NoProxy,
			}
			proxyFunc := cfg.ProxyFunc()
			transport.Proxy = func(req *http.Request) (*url.URL, error) {
				return proxyFunc(req.URL)
			}
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}

	default:
		return nil, fmt.Errorf("unknown proxy mode %q", opts.ProxyMode)
	}

	return transport, nil
}

// NewClient returns an HTTP client using a transport built from opts.
func NewClient(opts Options) (*http.Client, error) {
	transport, err := NewTransport(opts)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}, nil
}
