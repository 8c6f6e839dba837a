// Package network addresses the upstream origin the worker fronts. It turns
// inbound page requests into origin requests and owns the outbound client.
package network

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client performs outbound requests. *http.Client satisfies it.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(*http.Request) (*http.Response, error)

func (f ClientFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

// NewClient returns the outbound HTTP client. A zero timeout means requests
// may stay pending for as long as the origin keeps them open.
func NewClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Origin is the absolute scheme://host base of the intercepted application.
type Origin struct {
	base *url.URL
}

// ParseOrigin validates raw as an absolute http(s) URL and keeps only its
// scheme and host.
func ParseOrigin(raw string) (*Origin, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("network: parse origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("network: origin scheme must be http or https: %q", raw)
	}
	if u.Host == "" {
		return nil, errors.New("network: origin host required")
	}
	return &Origin{base: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}}, nil
}

func (o *Origin) String() string {
	return o.base.Scheme + "://" + o.base.Host
}

// Resolve resolves ref against the origin root.
func (o *Origin) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("network: parse %q: %w", ref, err)
	}
	return o.base.ResolveReference(u), nil
}

// Contains reports whether u points at this origin.
func (o *Origin) Contains(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, o.base.Scheme) && strings.EqualFold(u.Host, o.base.Host)
}

// Outbound clones in as a request against the origin. The body is shared and
// streamed, never read. Hop-by-hop headers and Host are dropped.
func (o *Origin) Outbound(in *http.Request) *http.Request {
	out := in.Clone(in.Context())
	target := o.base.ResolveReference(&url.URL{
		Path:     in.URL.Path,
		RawPath:  in.URL.RawPath,
		RawQuery: in.URL.RawQuery,
	})
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	out.Header = make(http.Header, len(in.Header))
	CopyHeaders(out.Header, in.Header)
	// Bodies are buffered for the cache, so keep them uncompressed end to end.
	out.Header.Set("Accept-Encoding", "identity")
	return out
}

// CopyHeaders adds every header of src to dst except Host and hop-by-hop
// headers.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
}
