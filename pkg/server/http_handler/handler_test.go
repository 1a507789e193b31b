package http_handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/offsync/pkg/engine"
	C "github.com/pmkol/offsync/pkg/query_context"
	"github.com/pmkol/offsync/pkg/upstream"
)

type fakeEngine struct {
	req  *upstream.Request
	meta *C.RequestMeta
	res  *upstream.Response
	err  error
}

func (e *fakeEngine) Handle(_ context.Context, req *upstream.Request, meta *C.RequestMeta) (*upstream.Response, error) {
	e.req, e.meta = req, meta
	return e.res, e.err
}

type testRequest struct {
	r *http.Request
}

func (r *testRequest) URL() *url.URL             { return r.r.URL }
func (r *testRequest) TLS() *TlsInfo             { return nil }
func (r *testRequest) Body() io.ReadCloser       { return r.r.Body }
func (r *testRequest) Header() http.Header       { return r.r.Header }
func (r *testRequest) Method() string            { return r.r.Method }
func (r *testRequest) Context() context.Context  { return r.r.Context() }
func (r *testRequest) RequestURI() string        { return r.r.RequestURI }
func (r *testRequest) GetRemoteAddr() string     { return r.r.RemoteAddr }
func (r *testRequest) SetRemoteAddr(addr string) { r.r.RemoteAddr = addr }

func newHandler(t *testing.T, e Engine, opts HandlerOpts) *Handler {
	t.Helper()
	opts.Engine = e
	if opts.Origin == "" {
		opts.Origin = "https://app.example.com"
	}
	h, err := NewHandler(opts)
	require.NoError(t, err)
	return h
}

func serve(h *Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, &testRequest{r})
	return w
}

func Test_Handler_forward(t *testing.T) {
	e := &fakeEngine{res: &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/css"}, "Connection": {"close"}},
		Body:   []byte("body{}"),
	}}
	h := newHandler(t, e, HandlerOpts{})

	r := httptest.NewRequest(http.MethodGet, "/css/main.css?v=1", nil)
	r.Header.Set("Accept", "text/css")
	r.Header.Set("Connection", "keep-alive, X-Hop")
	r.Header.Set("X-Hop", "1")
	r.Header.Set("X-Real-IP", "::ffff:10.0.0.1")
	w := serve(h, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())
	assert.Equal(t, "text/css", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("Connection"))

	require.NotNil(t, e.req)
	assert.Equal(t, "https://app.example.com/css/main.css?v=1", e.req.URL)
	assert.Equal(t, "text/css", e.req.Header.Get("Accept"))
	assert.Empty(t, e.req.Header.Get("X-Hop"))
	assert.Empty(t, e.req.Header.Get("Connection"))
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), e.meta.GetClientAddr())
	assert.Equal(t, C.ProtocolHTTP, e.meta.GetProtocol())
}

func Test_Handler_mutationBody(t *testing.T) {
	e := &fakeEngine{res: &upstream.Response{Status: http.StatusAccepted, Body: []byte(`{"queued":true,"id":1}`)}}
	h := newHandler(t, e, HandlerOpts{MaxBodySize: 16})

	w := serve(h, httptest.NewRequest(http.MethodPost, "/api/user/progress", strings.NewReader(`{"done":1}`)))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []byte(`{"done":1}`), e.req.Body)
	assert.Equal(t, http.MethodPost, e.req.Method)

	e.req = nil
	w = serve(h, httptest.NewRequest(http.MethodPost, "/api/user/progress", bytes.NewReader(make([]byte, 17))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Nil(t, e.req)
}

func Test_Handler_head(t *testing.T) {
	e := &fakeEngine{res: &upstream.Response{Status: http.StatusOK, Body: []byte("hello")}}
	h := newHandler(t, e, HandlerOpts{})

	w := serve(h, httptest.NewRequest(http.MethodHead, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func Test_Handler_errors(t *testing.T) {
	e := &fakeEngine{err: engine.ErrClosed}
	h := newHandler(t, e, HandlerOpts{HealthPath: "/health"})

	w := serve(h, httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	e.err = errors.New("boom")
	w = serve(h, httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// Health is answered without the engine.
	e.req = nil
	w = serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Nil(t, e.req)
}

func Test_Handler_target(t *testing.T) {
	h := newHandler(t, &fakeEngine{}, HandlerOpts{})

	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"origin form", "/a/b?x=1", "https://app.example.com/a/b?x=1", true},
		{"absolute same host", "https://app.example.com/a", "https://app.example.com/a", true},
		{"absolute other host", "https://evil.example.com/a", "", false},
		{"bad scheme", "ftp://app.example.com/a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			require.NoError(t, err)
			got, ok := h.target(u)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NewHandler(HandlerOpts{Engine: &fakeEngine{}, Origin: "app.example.com"})
	assert.Error(t, err)
	_, err = NewHandler(HandlerOpts{})
	assert.Error(t, err)
}

func Test_getRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	addr, err := getRemoteAddr(&testRequest{r}, "")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), addr)

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	addr, err = getRemoteAddr(&testRequest{r}, "")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("198.51.100.7"), addr)
	assert.Equal(t, "198.51.100.7", r.RemoteAddr)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("CF-Connecting-IP", "203.0.113.9")
	addr, err = getRemoteAddr(&testRequest{r}, "CF-Connecting-IP")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), addr)
}
