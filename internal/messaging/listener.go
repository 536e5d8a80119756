// SPDX-License-Identifier: AGPL-3.0-or-later
// meshring - inter-node messaging fabric for clustered storage engines
// Copyright (C) 2026 The meshring Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/coredb-io/meshring>

package messaging

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ListenerConfig configures the accept loop. TLSConfig is optional; when
// set, the listener wraps every accepted connection before the reader
// goroutine touches it. TLS key material loading itself is out of scope
// for this package — callers build the *tls.Config.
type ListenerConfig struct {
	BindAddr  string
	TLSConfig *tls.Config
	Auth      InternodeAuthenticator
}

// Listener runs the accept loop for one bind address and hands each
// accepted connection to a fresh InboundConnection.
type Listener struct {
	cfg        ListenerConfig
	dispatcher inboundDispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	readyOne sync.Once
}

// NewListener constructs a Listener bound to cfg.BindAddr once Serve is
// called. dispatcher is almost always the Hub itself.
func NewListener(cfg ListenerConfig, dispatcher inboundDispatcher, logger *zap.Logger) *Listener {
	if cfg.Auth == nil {
		cfg.Auth = AllowAllAuthenticator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// reusePortControl sets SO_REUSEADDR on the listening socket so a restart
// can rebind immediately without waiting out TIME_WAIT.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = setReuseAddr(fd)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Serve binds and runs the accept loop until ctx is cancelled or Close is
// called. Bind failures are classified into ErrBindInUse or
// ErrBindCannotAssign so callers can report a precise fatal-startup
// reason.
func (l *Listener) Serve(ctx context.Context) error {
	lc := net.ListenConfig{Control: reusePortControl}
	rawListener, err := lc.Listen(ctx, "tcp", l.cfg.BindAddr)
	if err != nil {
		return classifyBindError(err)
	}
	if l.cfg.TLSConfig != nil {
		rawListener = tls.NewListener(rawListener, l.cfg.TLSConfig)
	}

	l.mu.Lock()
	l.listener = rawListener
	l.mu.Unlock()
	l.readyOne.Do(func() { close(l.ready) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		if err := l.closeListener(); err != nil && !isClosedConnErr(err) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		defer cancel()
		return l.acceptLoop(rawListener)
	})
	return group.Wait()
}

func (l *Listener) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedConnErr(err) {
				return nil
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go l.handleAccepted(conn)
	}
}

func (l *Listener) handleAccepted(conn net.Conn) {
	if err := l.cfg.Auth.Authenticate(conn); err != nil {
		l.logger.Warn("rejecting connection, auth failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		_ = conn.Close()
		return
	}
	ic := NewInboundConnection(conn, l.dispatcher, l.logger)
	ic.serve()
}

// WaitUntilListening blocks until Serve has successfully bound, or ctx is
// done first.
func (l *Listener) WaitUntilListening(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) closeListener() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

// Close stops the accept loop immediately.
func (l *Listener) Close() error {
	return l.closeListener()
}
