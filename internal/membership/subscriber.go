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

// Package membership is the sole bridge between cluster membership/gossip
// and the messaging core. It never parses gossip digest content itself;
// that payload is opaque beyond the worked examples in
// internal/messaging/serializer.go.
package membership

import "github.com/coredb-io/meshring/internal/messaging"

// HubBridge is the subset of *messaging.Hub a Subscriber drives. It exists
// so this package can be tested against a fake without importing the real
// Hub's full surface.
type HubBridge interface {
	Convict(ep messaging.Endpoint)
	Reconnect(ep messaging.Endpoint, newAddr string)
	SetPeerVersion(ep messaging.Endpoint, version int)
}

// Subscriber reacts to membership events by keeping the messaging Hub's
// per-peer state consistent with what the cluster's failure detector and
// gossip layer believe: a convicted peer gets its outbound connection
// reset and its cached version dropped, a peer whose address changed gets
// reconnected under its existing identity, and a version update just
// updates the peer-version table.
type Subscriber struct {
	hub HubBridge
}

// NewSubscriber constructs a Subscriber bound to hub. hub is almost always
// the real *messaging.Hub, which satisfies HubBridge.
func NewSubscriber(hub HubBridge) *Subscriber {
	return &Subscriber{hub: hub}
}

// OnJoin is called when the failure detector first learns of ep. There is
// nothing to reset yet: the first send to ep lazily creates its outbound
// connection. Kept as a no-op for interface symmetry with OnLeave and
// OnUpdate.
func (s *Subscriber) OnJoin(messaging.Endpoint) {}

// OnLeave is called when the failure detector convicts ep as down. The
// outbound connection is reset so the next send redials rather than
// writing into a socket the peer may have already torn down, and the
// cached protocol version is dropped so a future header is required
// before any dynamic-payload verb is trusted again.
func (s *Subscriber) OnLeave(ep messaging.Endpoint) {
	s.hub.Convict(ep)
}

// OnUpdate is called when gossip reports a new protocol version for ep.
func (s *Subscriber) OnUpdate(ep messaging.Endpoint, version int) {
	s.hub.SetPeerVersion(ep, version)
}

// OnAddressChange is called when gossip reports that ep's preferred
// network address changed, typically after a NAT rebind. The outbound
// connection is retargeted without changing ep, the table key callers use
// to address this peer.
func (s *Subscriber) OnAddressChange(ep messaging.Endpoint, newAddr string) {
	s.hub.Reconnect(ep, newAddr)
}
