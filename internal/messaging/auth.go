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

import "net"

// InternodeAuthenticator decides whether an accepted connection may
// proceed, before any byte of the connection header is read. Rejection
// closes the socket immediately and never schedules a stage task.
type InternodeAuthenticator interface {
	Authenticate(conn net.Conn) error
}

// AllowAllAuthenticator accepts every connection. It is the default for
// single-tenant deployments and local development.
type AllowAllAuthenticator struct{}

func (AllowAllAuthenticator) Authenticate(net.Conn) error { return nil }

// AllowedCIDRAuthenticator rejects connections whose remote address does
// not fall within one of the configured networks.
type AllowedCIDRAuthenticator struct {
	Networks []*net.IPNet
}

func (a AllowedCIDRAuthenticator) Authenticate(conn net.Conn) error {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ErrAuthRejected
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ErrAuthRejected
	}
	for _, n := range a.Networks {
		if n.Contains(ip) {
			return nil
		}
	}
	return ErrAuthRejected
}
