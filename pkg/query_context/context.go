package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/upstream"
)

const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolH2    = "h2"
	// ProtocolEmbedded is used for requests handed to the engine directly.
	ProtocolEmbedded = "embedded"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceQueued   Source = "queued"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// Context is the state of one intercepted request.
type Context struct {
	startTime time.Time
	id        uint32
	req       *upstream.Request
	reqMeta   *RequestMeta
	class     classify.Class

	r      *upstream.Response
	source Source
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{protocol: ProtocolEmbedded}
)

// NewContext creates a new Context for req.
func NewContext(req *upstream.Request, meta *RequestMeta) *Context {
	if req == nil {
		panic("query_context: request is nil")
	}
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		req:       req,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}
}

// String returns a short summary of the request.
func (ctx *Context) String() string {
	return fmt.Sprintf("%s %s %s %d", ctx.req.Method, ctx.req.URL, ctx.class, ctx.id)
}

// Req returns the request. It is never nil.
func (ctx *Context) Req() *upstream.Request {
	return ctx.req
}

func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

func (ctx *Context) Class() classify.Class {
	return ctx.class
}

func (ctx *Context) SetClass(c classify.Class) {
	ctx.class = c
}

// R returns the response, or nil if none was set.
func (ctx *Context) R() *upstream.Response {
	return ctx.r
}

// SetResponse stores r and where it came from.
func (ctx *Context) SetResponse(r *upstream.Response, src Source) {
	if r == nil {
		return
	}
	ctx.r = r
	ctx.source = src
}

func (ctx *Context) Source() Source {
	return ctx.source
}

func (ctx *Context) Id() uint32 {
	return ctx.id
}

func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("request", ctx)
}

// CopyForBackground returns a copy of ctx without its response. The request
// is deep copied so the caller may reuse its buffers.
func (ctx *Context) CopyForBackground() *Context {
	req := *ctx.req
	req.Header = ctx.req.Header.Clone()
	if ctx.req.Body != nil {
		req.Body = append([]byte(nil), ctx.req.Body...)
	}
	return &Context{
		startTime: ctx.startTime,
		id:        ctx.id,
		req:       &req,
		reqMeta:   ctx.reqMeta,
		class:     ctx.class,
	}
}
