package server

import (
	"context"
	"io"
	"net/http"
	"net/url"

	eHttp "gitlab.com/go-extension/http"

	H "github.com/pmkol/offsync/pkg/server/http_handler"
)

// StdHandler returns the proxy as a net/http handler, for mounting it on
// another net/http server.
func (s *Server) StdHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &request{
			url:        r.URL,
			body:       r.Body,
			header:     r.Header,
			method:     r.Method,
			ctx:        r.Context(),
			requestURI: r.RequestURI,
			remoteAddr: r.RemoteAddr,
		}
		if r.TLS != nil {
			req.tls = &H.TlsInfo{Version: r.TLS.Version, ServerName: r.TLS.ServerName, NegotiatedProtocol: r.TLS.NegotiatedProtocol}
		}
		s.opts.HttpHandler.ServeHTTP(w, req)
	})
}

// gitlab.com/go-extension/http wrapper
type eHttpHandlerWrapper struct {
	s *Server
}

func (h *eHttpHandlerWrapper) ServeHTTP(w eHttp.ResponseWriter, r *eHttp.Request) {
	req := &request{
		url:        r.URL,
		body:       r.Body,
		header:     http.Header(r.Header),
		method:     r.Method,
		ctx:        r.Context(),
		requestURI: r.RequestURI,
		remoteAddr: r.RemoteAddr,
	}
	if r.TLS != nil {
		req.tls = &H.TlsInfo{Version: r.TLS.Version, ServerName: r.TLS.ServerName, NegotiatedProtocol: r.TLS.NegotiatedProtocol}
	}
	h.s.opts.HttpHandler.ServeHTTP(&eResponseWriter{w}, req)
}

// request is a H.Request built from either server implementation.
// Headers share the underlying map.
type request struct {
	url        *url.URL
	tls        *H.TlsInfo
	body       io.ReadCloser
	header     http.Header
	method     string
	ctx        context.Context
	requestURI string
	remoteAddr string
}

func (r *request) URL() *url.URL             { return r.url }
func (r *request) TLS() *H.TlsInfo           { return r.tls }
func (r *request) Body() io.ReadCloser       { return r.body }
func (r *request) Header() http.Header       { return r.header }
func (r *request) Method() string            { return r.method }
func (r *request) Context() context.Context  { return r.ctx }
func (r *request) RequestURI() string        { return r.requestURI }
func (r *request) GetRemoteAddr() string     { return r.remoteAddr }
func (r *request) SetRemoteAddr(addr string) { r.remoteAddr = addr }

type eResponseWriter struct{ w eHttp.ResponseWriter }

func (w *eResponseWriter) Header() http.Header         { return http.Header(w.w.Header()) }
func (w *eResponseWriter) Write(b []byte) (int, error) { return w.w.Write(b) }
func (w *eResponseWriter) WriteHeader(code int)        { w.w.WriteHeader(code) }
