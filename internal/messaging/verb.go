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

// Verb identifies a message kind. Wire form is the ordinal below; new verbs
// are appended only, and reserved slots are never reassigned, so that peers
// running an older build never misinterpret an ordinal.
type Verb int32

const (
	// VerbGossipDigestSYN carries the originator's gossip digest. Payload
	// content is opaque to this package; only the stage/serializer
	// association matters here.
	VerbGossipDigestSYN Verb = iota
	VerbGossipDigestACK
	VerbGossipDigestACK2
	// VerbUnused3 preserves an ordinal retired by an earlier protocol
	// version. Never reassign.
	VerbUnused3
	VerbSchemaPullRequest
	VerbSchemaPullResponse
	VerbEcho
	// VerbRequestResponse and VerbInternalResponse have no static
	// serializer: the payload type is recovered from the CallbackInfo
	// belonging to the request's id.
	VerbRequestResponse
	VerbInternalResponse
	verbCount
)

func (v Verb) String() string {
	if v >= 0 && int(v) < len(verbNames) {
		return verbNames[v]
	}
	return "VERB_UNKNOWN"
}

var verbNames = [...]string{ //nolint:gochecknoglobals
	VerbGossipDigestSYN:    "GOSSIP_DIGEST_SYN",
	VerbGossipDigestACK:    "GOSSIP_DIGEST_ACK",
	VerbGossipDigestACK2:   "GOSSIP_DIGEST_ACK2",
	VerbUnused3:            "UNUSED_3",
	VerbSchemaPullRequest:  "SCHEMA_PULL_REQUEST",
	VerbSchemaPullResponse: "SCHEMA_PULL_RESPONSE",
	VerbEcho:               "ECHO",
	VerbRequestResponse:    "REQUEST_RESPONSE",
	VerbInternalResponse:   "INTERNAL_RESPONSE",
}

// IsValid reports whether v is a known, in-range verb.
func (v Verb) IsValid() bool {
	return v >= 0 && v < verbCount
}

// hasDynamicPayload reports whether the verb's payload type is recovered
// from the originating request's callback rather than a static serializer.
func (v Verb) hasDynamicPayload() bool {
	return v == VerbRequestResponse || v == VerbInternalResponse
}

// droppableVerbs is the set of verbs whose backlogged messages may be
// silently discarded once they have aged past their timeout in the send
// queue. Every other verb is transmitted even under backlog.
var droppableVerbs = map[Verb]bool{ //nolint:gochecknoglobals
	VerbRequestResponse: true,
}

// IsDroppable reports whether v belongs to the droppable set.
func (v Verb) IsDroppable() bool {
	return droppableVerbs[v]
}

// verbStages is the static verb→stage table, fixed at startup.
var verbStages = map[Verb]Stage{ //nolint:gochecknoglobals
	VerbGossipDigestSYN:    StageGossip,
	VerbGossipDigestACK:    StageGossip,
	VerbGossipDigestACK2:   StageGossip,
	VerbSchemaPullRequest:  StageMigration,
	VerbSchemaPullResponse: StageMigration,
	VerbEcho:               StageInternalResponse,
	VerbRequestResponse:    StageRequestResponse,
	VerbInternalResponse:   StageInternalResponse,
}

// StageFor returns the stage that executes handlers for v. Verbs absent
// from the table route to StageMisc; this is a configuration gap a caller
// should fix, not a runtime error.
func StageFor(v Verb) Stage {
	if s, ok := verbStages[v]; ok {
		return s
	}
	return StageMisc
}
