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

import "time"

// Endpoint is a host:port identity. It is never mutated once an
// OutboundConnection exists for it — reset(new) retargets the underlying
// socket, not this key.
type Endpoint string

// Serializable is implemented by concrete payload types this repo ships as
// worked examples (echo, gossip digest placeholders). A verb's static
// deserializer comes from the fixed staticDeserializers table, looked up
// for each inbound message; REQUEST_RESPONSE and
// INTERNAL_RESPONSE have none — their payload type comes from the
// CallbackInfo tied to the message id instead.
type Serializable interface {
	// MarshalPayload returns the wire bytes for this value.
	MarshalPayload() ([]byte, error)
}

// Deserializer turns wire bytes for one verb back into a typed value. The
// returned value is handed to the registered VerbHandler.
type Deserializer func([]byte) (any, error)

// VerbHandler processes one inbound message on its assigned Stage.
type VerbHandler func(msg MessageIn)

// Params is a message's parameter map. Two keys are reserved by this
// package and never passed to application code uninterpreted:
// "CAL_BAC" (sender wants a failure callback) and "FAIL" (this message
// is itself a failure notification). Unknown keys are preserved as-is.
type Params map[string][]byte

// WantsFailureCallback reports whether the sender asked to be notified if
// this message cannot be delivered or times out.
func (p Params) WantsFailureCallback() bool {
	_, ok := p[paramFailureCallback]
	return ok
}

// IsFailureNotification reports whether this message's payload is a
// failure notice rather than an ordinary reply.
func (p Params) IsFailureNotification() bool {
	_, ok := p[paramIsFailure]
	return ok
}

// MessageOut is an outbound message queued on an OutboundConnection. Its
// id is allocated by the hub before the message reaches the connection, so
// the callback registry entry (if any) is always in place before the
// first byte touches the socket.
type MessageOut struct {
	ID      uint32
	Verb    Verb
	Params  Params
	Payload Serializable
	// Created is the enqueue time, used by the droppable-verb backlog-age
	// policy in the outbound writer; it does not appear on the wire.
	Created time.Time
}

// MessageIn is a decoded inbound message handed to a VerbHandler's stage
// task. Payload's concrete type comes from the verb's static Deserializer,
// or for REQUEST_RESPONSE/INTERNAL_RESPONSE, from the CallbackInfo.
type MessageIn struct {
	From    Endpoint
	ID      uint32
	Verb    Verb
	Params  Params
	Payload any
	// ProtocolVersion is the sender's last negotiated protocol version, as
	// known at dispatch time, or 0 if this node has never seen a header
	// from it.
	ProtocolVersion int
	// ReceivedAt is when the reader goroutine finished decoding this
	// frame, not when the handler actually runs on its stage.
	ReceivedAt time.Time
}

// CallbackInfo is what the sender of a request remembers about it while
// awaiting a reply: how to decode the response and what to do if it never
// arrives. The registry owns CallbackInfo values for at most their TTL.
type CallbackInfo struct {
	Target     Endpoint
	Decode     Deserializer
	OnResponse func(from Endpoint, payload any)
	// OnFailure is invoked at most once, either because the registry entry
	// expired or because an explicit failure notification referencing this
	// id arrived first. Nil means the caller accepted a fire-and-forget
	// request with no timeout handling.
	OnFailure func(target Endpoint)
	// FailureAware mirrors Params.WantsFailureCallback at send time, so the
	// sweeper's timeout reporter knows whether submitting OnFailure to the
	// internal-response stage applies to this entry.
	FailureAware bool
}
