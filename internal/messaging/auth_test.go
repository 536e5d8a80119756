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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowAllAuthenticator_AcceptsAnyConnection(t *testing.T) {
	t.Parallel()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	require.NoError(t, AllowAllAuthenticator{}.Authenticate(c1))
}

func TestAllowedCIDRAuthenticator_AcceptsMatchingRemote(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptCh <- conn
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-acceptCh
	defer server.Close()

	_, cidr, err := net.ParseCIDR("127.0.0.1/32")
	require.NoError(t, err)
	auth := AllowedCIDRAuthenticator{Networks: []*net.IPNet{cidr}}
	require.NoError(t, auth.Authenticate(server))
}

func TestAllowedCIDRAuthenticator_RejectsNonMatchingRemote(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptCh <- conn
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-acceptCh
	defer server.Close()

	_, cidr, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	auth := AllowedCIDRAuthenticator{Networks: []*net.IPNet{cidr}}
	err = auth.Authenticate(server)
	require.ErrorIs(t, err, ErrAuthRejected)
}
