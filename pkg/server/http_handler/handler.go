/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package http_handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/engine"
	C "github.com/pmkol/offsync/pkg/query_context"
	"github.com/pmkol/offsync/pkg/upstream"
)

const defaultMaxBodySize = 8 << 20

var nopLogger = zap.NewNop()

// proxyHeaders is defined as a package-level variable to avoid allocation on every request.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// Engine answers intercepted requests. *engine.Engine implements it.
type Engine interface {
	Handle(ctx context.Context, req *upstream.Request, meta *C.RequestMeta) (*upstream.Response, error)
}

type HandlerOpts struct {
	Engine Engine

	// Origin is the scheme and host that origin-form requests are sent to.
	// Absolute-form requests keep their own URL.
	Origin string

	SrcIPHeader string

	// HealthPath is answered locally with 200. Empty disables it.
	HealthPath string

	// MaxBodySize limits request bodies. Default is 8 MiB.
	MaxBodySize int64

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Engine == nil {
		return errors.New("nil engine")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	return nil
}

type Handler struct {
	opts   HandlerOpts
	origin *url.URL
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{opts: opts}
	if len(opts.Origin) > 0 {
		u, err := url.Parse(opts.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid origin %q, want http(s)://host", opts.Origin)
		}
		h.origin = u
	}
	return h, nil
}

func (h *Handler) warnErr(req Request, err error) {
	h.opts.Logger.Warn(err.Error(), zap.String("from", req.GetRemoteAddr()), zap.String("method", req.Method()), zap.String("url", req.RequestURI()))
}

// ResponseWriter is the subset of http.ResponseWriter the handler needs.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(statusCode int)
}

// Request abstracts the requests of different http server implementations.
type Request interface {
	URL() *url.URL
	TLS() *TlsInfo
	Body() io.ReadCloser
	Header() http.Header
	Method() string
	Context() context.Context
	RequestURI() string
	GetRemoteAddr() string
	SetRemoteAddr(addr string)
}

type TlsInfo struct {
	Version            uint16
	ServerName         string
	NegotiatedProtocol string
}

func (h *Handler) ServeHTTP(w ResponseWriter, req Request) {
	meta := new(C.RequestMeta)
	if addr, err := getRemoteAddr(req, h.opts.SrcIPHeader); err == nil {
		meta.SetClientAddr(addr)
	}

	if tlsInfo := req.TLS(); tlsInfo != nil {
		if tlsInfo.NegotiatedProtocol == "h2" {
			meta.SetProtocol(C.ProtocolH2)
		} else {
			meta.SetProtocol(C.ProtocolHTTPS)
		}
	} else {
		meta.SetProtocol(C.ProtocolHTTP)
	}

	if len(h.opts.HealthPath) > 0 && req.URL().Path == h.opts.HealthPath {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	target, ok := h.target(req.URL())
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body(), h.opts.MaxBodySize+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.warnErr(req, fmt.Errorf("read body failed: %w", err))
		return
	}
	if int64(len(body)) > h.opts.MaxBodySize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	header := req.Header().Clone()
	upstream.RemoveHopHeaders(header)

	res, err := h.opts.Engine.Handle(req.Context(), &upstream.Request{
		Method: req.Method(),
		URL:    target,
		Header: header,
		Body:   body,
	}, meta)
	if err != nil {
		if errors.Is(err, engine.ErrClosed) || errors.Is(err, engine.ErrNotStarted) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		h.warnErr(req, fmt.Errorf("engine error: %w", err))
		return
	}

	dst := w.Header()
	for k, vs := range res.Header {
		dst[k] = append([]string(nil), vs...)
	}
	upstream.RemoveHopHeaders(dst)
	if req.Method() == http.MethodHead {
		w.WriteHeader(res.Status)
		return
	}
	dst.Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// target returns the absolute url a request is forwarded to.
func (h *Handler) target(u *url.URL) (string, bool) {
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", false
		}
		if h.origin != nil && !strings.EqualFold(u.Host, h.origin.Host) {
			return "", false
		}
		return u.String(), true
	}
	if h.origin == nil {
		return "", false
	}
	return h.origin.ResolveReference(&url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}).String(), true
}

func getRemoteAddr(req Request, customHeader string) (netip.Addr, error) {
	for _, h := range proxyHeaders {
		if val := req.Header().Get(h); val != "" {
			// X-Forwarded-For may hold a list, the first one is the client.
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			ipStr = strings.TrimSpace(ipStr)
			if addr, err := netip.ParseAddr(ipStr); err == nil {
				req.SetRemoteAddr(ipStr)
				return addr, nil
			}
		}
	}

	if customHeader != "" {
		isStandard := false
		for _, h := range proxyHeaders {
			if strings.EqualFold(customHeader, h) {
				isStandard = true
				break
			}
		}
		if !isStandard {
			if val := req.Header().Get(customHeader); val != "" {
				if addr, err := netip.ParseAddr(val); err == nil {
					req.SetRemoteAddr(val)
					return addr, nil
				}
			}
		}
	}

	addrport, err := netip.ParseAddrPort(req.GetRemoteAddr())
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr(), nil
}
