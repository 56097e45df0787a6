// Package fetch models the requests and responses seen by the cache controller
package fetch

import (
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Request modes
const (
	ModeNavigate = "navigate"
	ModeCORS     = "cors"
	ModeNoCORS   = "no-cors"
	ModeSameOrig = "same-origin"
)

// Request destinations
const (
	DestinationImage    = "image"
	DestinationDocument = "document"
	DestinationScript   = "script"
	DestinationStyle    = "style"
)

// Request is an intercepted resource request
type Request struct {
	Method      string
	URL         *url.URL
	Mode        string
	Destination string
	Header      http.Header
	// Body is only set for methods that carry one; cached requests are GETs.
	Body io.Reader
}

// NewRequest builds a GET request for rawURL resolved against base
func NewRequest(base *url.URL, rawURL string) (*Request, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if base != nil {
		target = base.ResolveReference(target)
	}
	return &Request{
		Method: http.MethodGet,
		URL:    target,
		Header: make(http.Header),
	}, nil
}

// FromHTTP converts an incoming HTTP request using the Fetch Metadata headers
func FromHTTP(r *http.Request, origin *url.URL) *Request {
	target := *r.URL
	if target.Host == "" && origin != nil {
		target.Scheme = origin.Scheme
		target.Host = origin.Host
	}
	req := &Request{
		Method:      r.Method,
		URL:         &target,
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Header:      r.Header.Clone(),
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		req.Body = r.Body
	}
	return req
}

// IsNavigation reports whether the request loads a top-level document
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate || r.Destination == DestinationDocument
}

// Extension returns the lower-cased file extension of the request path without the dot
func (r *Request) Extension() string {
	ext := path.Ext(r.URL.Path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Key returns the normalized cache key of the request
func (r *Request) Key() string {
	return NormalizeKey(r.URL)
}

// SameOrigin reports whether the request targets origin
func (r *Request) SameOrigin(origin *url.URL) bool {
	if origin == nil {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, origin.Scheme) && strings.EqualFold(r.URL.Host, origin.Host)
}

// NormalizeKey lower-cases scheme and host and drops the fragment
func NormalizeKey(u *url.URL) string {
	normalized := *u
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	normalized.Fragment = ""
	normalized.RawFragment = ""
	return normalized.String()
}
