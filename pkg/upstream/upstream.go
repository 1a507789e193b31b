package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrNetworkUnavailable means the request could not reach the origin:
// transport failure, DNS failure, refused connection or timeout.
// A response with any status code is not a network failure.
var ErrNetworkUnavailable = errors.New("network unavailable")

// Request is an outbound resource request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read origin response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether r has a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// IsMutation reports whether method is state-changing.
func IsMutation(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// Hop-by-hop headers are not forwarded.
var hopHeaders = []string{
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

// RemoveHopHeaders deletes hop-by-hop headers from h, including the ones
// listed in its Connection header.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Upstream fetches requests from the network.
type Upstream interface {
	// Fetch sends req. A failure to get any response wraps
	// ErrNetworkUnavailable.
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Upstream.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
