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
	"bufio"
	"io"
	"net"

	"go.uber.org/zap"
)

// inboundDispatcher is the subset of *Hub an InboundConnection needs: verb
// routing and callback resolution, kept as an interface so an
// InboundConnection or Listener can be driven by a fake in tests.
type inboundDispatcher interface {
	dispatchInbound(from Endpoint, wm wireMessage)
	peerVersions() *PeerVersionTable
}

// InboundConnection owns one accepted socket: it reads the connection
// header once, then loops reading frames until the peer closes or a
// protocol error occurs. There is exactly one reader goroutine per
// accepted connection.
type InboundConnection struct {
	conn       net.Conn
	from       Endpoint
	dispatcher inboundDispatcher
	logger     *zap.Logger
}

// NewInboundConnection wraps an already-accepted net.Conn. Callers should
// invoke serve in its own goroutine.
func NewInboundConnection(conn net.Conn, dispatcher inboundDispatcher, logger *zap.Logger) *InboundConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboundConnection{
		conn:       conn,
		from:       Endpoint(conn.RemoteAddr().String()),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// serve reads the connection header, then loops reading frames, handing
// each off to the dispatcher. It returns when the connection closes or a
// framing error occurs, and closes conn before returning.
func (ic *InboundConnection) serve() {
	defer func() { _ = ic.conn.Close() }()

	reader := bufio.NewReader(ic.conn)
	version, err := readFrameHeader(reader)
	if err != nil {
		if ErrBadMagic.Equal(err) {
			ic.logger.Warn("rejecting connection with bad magic", zap.String("remote", string(ic.from)))
		} else if !isEOFLike(err) {
			ic.logger.Warn("failed to read connection header", zap.String("remote", string(ic.from)), zap.Error(err))
		}
		return
	}
	ic.dispatcher.peerVersions().set(ic.from, int(version))

	for {
		wm, err := readMessage(reader)
		if err != nil {
			if !isEOFLike(err) {
				ic.logger.Debug("inbound read terminated", zap.String("remote", string(ic.from)), zap.Error(err))
			}
			return
		}
		ic.dispatcher.dispatchInbound(ic.from, wm)
	}
}

func isEOFLike(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
