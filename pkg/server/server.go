package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"gitlab.com/go-extension/http"
	"go.uber.org/zap"

	H "github.com/pmkol/offsync/pkg/server/http_handler"
)

var (
	ErrServerClosed       = errors.New("server closed")
	errMissingHTTPHandler = errors.New("missing http handler")
)

var nopLogger = zap.NewNop()

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// HttpHandler is the proxy handler. Required.
	HttpHandler *H.Handler

	// Certificate files. If both are set the listener serves TLS.
	Cert, Key string

	// KernelTX and KernelRX control whether kernel TLS offloading is enabled.
	KernelRX, KernelTX bool

	// IdleTimeout limits the maximum time period that a connection can idle.
	IdleTimeout time.Duration

	// ProxyProtocol accepts a PROXY protocol header in front of every
	// connection and uses its source address as the client address.
	ProxyProtocol bool
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 0
	}
}

// Server serves the proxy handler on any number of listeners.
type Server struct {
	opts ServerOpts

	m           sync.Mutex
	closed      bool
	closeNotify chan struct{}
	servers     map[*http.Server]struct{}
	wg          sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts:        opts,
		closeNotify: make(chan struct{}),
		servers:     make(map[*http.Server]struct{}),
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// track registers hs and returns false if the server is closed.
// A tracked server must be untracked once it stopped serving.
func (s *Server) track(hs *http.Server) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return false
	}
	s.servers[hs] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(hs *http.Server) {
	s.m.Lock()
	delete(s.servers, hs)
	s.m.Unlock()
	s.wg.Done()
}

// goUntilClosed runs f in a goroutine that Close waits for. f must return
// after closeNotify is closed.
func (s *Server) goUntilClosed(f func()) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

// markClosed closes the server and returns the servers still running.
func (s *Server) markClosed() []*http.Server {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closeNotify)

	// Servers are closed without the lock since ServeHTTP untracks them.
	hss := make([]*http.Server, 0, len(s.servers))
	for hs := range s.servers {
		hss = append(hss, hs)
	}
	return hss
}

// Shutdown stops accepting connections and waits for in-flight requests
// to finish until ctx is done. Remaining connections are then closed.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for _, hs := range s.markClosed() {
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			_ = hs.Close()
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// Close closes all listeners and connections immediately.
func (s *Server) Close() {
	for _, hs := range s.markClosed() {
		_ = hs.Close()
	}
	s.wg.Wait()
}
