package server

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/pool"
)

const certReloadDelay = 2 * time.Second

type cert struct {
	ptr atomic.Pointer[eTLS.Certificate]
}

func (c *cert) get() *eTLS.Certificate {
	return c.ptr.Load()
}

func (c *cert) set(newCert *eTLS.Certificate) {
	c.ptr.Store(newCert)
}

// loadCert loads the key pair and reloads it whenever one of the files
// changes, until the server is closed.
func (s *Server) loadCert(certFile, keyFile string) (*cert, error) {
	c, err := eTLS.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cc := new(cert)
	cc.set(&c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.opts.Logger.Warn("failed to create certificate watcher, hot reload disabled", zap.Error(err))
		return cc, nil
	}
	watch := func() {
		for _, f := range []string{certFile, keyFile} {
			_ = watcher.Remove(f)
			if err := watcher.Add(f); err != nil {
				s.opts.Logger.Warn("failed to watch certificate file", zap.String("file", f), zap.Error(err))
			}
		}
	}
	watch()

	started := s.goUntilClosed(func() {
		defer watcher.Close()

		timer := pool.GetTimer(certReloadDelay)
		defer pool.ReleaseTimer(timer)
		timer.Stop()
		needReWatch := false

		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) {
					continue
				}
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				pool.ResetAndDrainTimer(timer, certReloadDelay)

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					watch()
				}
				newCert, err := eTLS.LoadX509KeyPair(certFile, keyFile)
				if err != nil {
					s.opts.Logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
					continue
				}
				cc.set(&newCert)
				s.opts.Logger.Info("certificate reloaded", zap.String("file", certFile))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.opts.Logger.Error("certificate watcher error", zap.Error(err))

			case <-s.closeNotify:
				return
			}
		}
	})
	if !started {
		_ = watcher.Close()
		return nil, ErrServerClosed
	}
	return cc, nil
}

// CreateETLSListener wraps l with TLS using the server's certificate files.
func (s *Server) CreateETLSListener(l net.Listener, nextProtos []string) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := s.loadCert(s.opts.Cert, s.opts.Key)
	if err != nil {
		return nil, err
	}

	return eTLS.NewListener(l, &eTLS.Config{
		KernelTX:   s.opts.KernelTX,
		KernelRX:   s.opts.KernelRX,
		NextProtos: nextProtos,

		CertificateCompressionPreferences: []eTLS.CertificateCompressionAlgorithm{
			eTLS.Brotli,
			eTLS.Zlib,
		},

		CurvePreferences: []eTLS.CurveID{
			eTLS.X25519,
			eTLS.CurveP256,
		},

		GetCertificate: func(*eTLS.ClientHelloInfo) (*eTLS.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			return cert, nil
		},
	}), nil
}
