/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 */

package server

import (
	"errors"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
	"gitlab.com/go-extension/http"
	"go.uber.org/zap"
)

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 5 * time.Second

	// Request bodies are buffered before the engine sees them.
	defaultReadTimeout = 30 * time.Second

	defaultTCPIdleTimeout = 60 * time.Second

	defaultMaxHeaderBytes = 64 << 10
)

// ServeHTTP serves the proxy on l until l fails or the server is closed.
// l is closed when ServeHTTP returns.
func (s *Server) ServeHTTP(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	if s.opts.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: defaultReadHeaderTimeout}
	}
	if len(s.opts.Cert) > 0 || len(s.opts.Key) > 0 {
		tl, err := s.CreateETLSListener(l, []string{"h2", "http/1.1"})
		if err != nil {
			return err
		}
		l = tl
	}

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultTCPIdleTimeout
	}

	hs := &http.Server{
		Handler:           &eHttpHandlerWrapper{s},
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
	if !s.track(hs) {
		return ErrServerClosed
	}
	defer s.untrack(hs)

	s.opts.Logger.Info("proxy server started", zap.Stringer("addr", l.Addr()))
	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
