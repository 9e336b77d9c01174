// Package httpx builds the HTTP clients used by the extract and fetch stages.
package httpx

import (
	"net"
	"net/http"
	"time"
)

// NewClient returns an http.Client with pooled keep-alive connections sized for
// maxConnsPerHost concurrent requests against one provider.
func NewClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	if maxConnsPerHost < 1 {
		maxConnsPerHost = 1
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// HeaderTransport sets default headers on every outgoing request unless the
// request already carries them.
type HeaderTransport struct {
	Base    http.RoundTripper
	Headers http.Header
}

func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if len(t.Headers) == 0 {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	for k, vs := range t.Headers {
		if clone.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			clone.Header.Add(k, v)
		}
	}
	return base.RoundTrip(clone)
}

// WithHeaders wraps c's transport so every request carries headers.
func WithHeaders(c *http.Client, headers http.Header) *http.Client {
	out := *c
	out.Transport = &HeaderTransport{Base: c.Transport, Headers: headers}
	return &out
}
