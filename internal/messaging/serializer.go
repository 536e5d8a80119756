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

import "encoding/binary"

// EchoPayload is the worked example for VerbEcho: an empty probe used by
// the echo-probe test scenario to confirm the
// registry returns to its prior size after a round trip.
type EchoPayload struct{}

func (EchoPayload) MarshalPayload() ([]byte, error) { return nil, nil }

func decodeEcho([]byte) (any, error) { return EchoPayload{}, nil }

// GossipDigestPayload is a worked placeholder for the gossip digest
// verbs. Its actual field content is out of scope for this repo; it
// only needs a concrete type to exercise the verb→stage and serializer
// wiring end to end.
type GossipDigestPayload struct {
	Generation uint32
	MaxVersion uint32
}

func (p GossipDigestPayload) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], p.Generation)
	binary.BigEndian.PutUint32(buf[4:8], p.MaxVersion)
	return buf, nil
}

func decodeGossipDigest(b []byte) (any, error) {
	if len(b) < 8 {
		return GossipDigestPayload{}, nil
	}
	return GossipDigestPayload{
		Generation: binary.BigEndian.Uint32(b[0:4]),
		MaxVersion: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// SchemaPullPayload is a worked placeholder for the schema pull verbs;
// like GossipDigestPayload its content is opaque beyond this repo's
// boundary.
type SchemaPullPayload struct {
	SchemaVersion []byte
}

func (p SchemaPullPayload) MarshalPayload() ([]byte, error) {
	return p.SchemaVersion, nil
}

func decodeSchemaPull(b []byte) (any, error) {
	return SchemaPullPayload{SchemaVersion: b}, nil
}

// staticDeserializers maps every verb with a fixed payload type to its
// Deserializer. REQUEST_RESPONSE and INTERNAL_RESPONSE are intentionally
// absent: their type comes from the originating CallbackInfo.
var staticDeserializers = map[Verb]Deserializer{ //nolint:gochecknoglobals
	VerbGossipDigestSYN:    decodeGossipDigest,
	VerbGossipDigestACK:    decodeGossipDigest,
	VerbGossipDigestACK2:   decodeGossipDigest,
	VerbSchemaPullRequest:  decodeSchemaPull,
	VerbSchemaPullResponse: decodeSchemaPull,
	VerbEcho:               decodeEcho,
}
