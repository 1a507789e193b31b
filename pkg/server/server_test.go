package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	C "github.com/pmkol/offsync/pkg/query_context"
	H "github.com/pmkol/offsync/pkg/server/http_handler"
	"github.com/pmkol/offsync/pkg/upstream"
)

type echoEngine struct {
	m    sync.Mutex
	urls []string
	addr netip.Addr
}

func (e *echoEngine) Handle(_ context.Context, req *upstream.Request, meta *C.RequestMeta) (*upstream.Response, error) {
	e.m.Lock()
	e.urls = append(e.urls, req.URL)
	e.addr = meta.GetClientAddr()
	e.m.Unlock()
	return &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("hello " + req.URL),
	}, nil
}

func (e *echoEngine) clientAddr() netip.Addr {
	e.m.Lock()
	defer e.m.Unlock()
	return e.addr
}

func newTestServer(t *testing.T, e H.Engine, opts ServerOpts) (*Server, string) {
	t.Helper()
	h, err := H.NewHandler(H.HandlerOpts{Engine: e, Origin: "https://app.example.com"})
	require.NoError(t, err)
	opts.HttpHandler = h
	s := NewServer(opts)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errC := make(chan error, 1)
	go func() { errC <- s.ServeHTTP(l) }()
	t.Cleanup(func() {
		s.Close()
		select {
		case err := <-errC:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Error("server did not exit")
		}
	})
	return s, l.Addr().String()
}

func Test_Server_ServeHTTP(t *testing.T) {
	e := new(echoEngine)
	_, addr := newTestServer(t, e, ServerOpts{})

	res, err := http.Get("http://" + addr + "/index.html")
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello https://app.example.com/index.html", string(b))
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), e.clientAddr())
}

func Test_Server_proxyProtocol(t *testing.T) {
	e := new(echoEngine)
	_, addr := newTestServer(t, e, ServerOpts{ProxyProtocol: true})

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = io.WriteString(c, "PROXY TCP4 203.0.113.5 192.0.2.1 5555 80\r\n"+
		"GET / HTTP/1.1\r\nHost: app.example.com\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	res, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, netip.MustParseAddr("203.0.113.5"), e.clientAddr())
}

func writeTestCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "app.example.com"},
		DNSNames:     []string{"app.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}), 0600))
	return certFile, keyFile
}

func Test_Server_tls(t *testing.T) {
	certFile, keyFile := writeTestCert(t, t.TempDir())
	e := new(echoEngine)
	_, addr := newTestServer(t, e, ServerOpts{Cert: certFile, Key: keyFile})

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "app.example.com"},
	}}
	defer client.CloseIdleConnections()
	res, err := client.Get("https://" + addr + "/a")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotNil(t, res.TLS)
}

func Test_Server_badCert(t *testing.T) {
	h, err := H.NewHandler(H.HandlerOpts{Engine: new(echoEngine)})
	require.NoError(t, err)
	s := NewServer(ServerOpts{HttpHandler: h, Cert: "missing.pem", Key: "missing.key"})
	defer s.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, s.ServeHTTP(l))
}

func Test_Server_StdHandler(t *testing.T) {
	e := new(echoEngine)
	h, err := H.NewHandler(H.HandlerOpts{Engine: e, Origin: "https://app.example.com"})
	require.NoError(t, err)
	s := NewServer(ServerOpts{HttpHandler: h})

	ts := httptest.NewServer(s.StdHandler())
	defer ts.Close()
	res, err := http.Get(ts.URL + "/std")
	require.NoError(t, err)
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	assert.Equal(t, "hello https://app.example.com/std", string(b))
}

func Test_Server_missingHandler(t *testing.T) {
	s := NewServer(ServerOpts{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeHTTP(l), errMissingHTTPHandler)

	s.Close()
	assert.True(t, s.Closed())
}

type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Handle(context.Context, *upstream.Request, *C.RequestMeta) (*upstream.Response, error) {
	close(e.started)
	<-e.release
	return &upstream.Response{Status: http.StatusAccepted, Body: []byte("queued")}, nil
}

func Test_Server_Shutdown(t *testing.T) {
	e := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	h, err := H.NewHandler(H.HandlerOpts{Engine: e, Origin: "https://app.example.com"})
	require.NoError(t, err)
	s := NewServer(ServerOpts{HttpHandler: h})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.ServeHTTP(l) }()

	type result struct {
		status int
		err    error
	}
	resC := make(chan result, 1)
	go func() {
		res, err := http.Post("http://"+l.Addr().String()+"/api/progress", "application/json", nil)
		if err != nil {
			resC <- result{err: err}
			return
		}
		res.Body.Close()
		resC <- result{status: res.StatusCode}
	}()
	<-e.started

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- s.Shutdown(context.Background()) }()
	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(e.release)
	r := <-resC
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusAccepted, r.status)
	require.NoError(t, <-shutdownErr)
	assert.ErrorIs(t, <-serveErr, ErrServerClosed)

	l2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l2.Close()
	assert.ErrorIs(t, s.ServeHTTP(l2), ErrServerClosed)
}
