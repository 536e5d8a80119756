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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerb_UnusedOrdinalIsReservedButValid(t *testing.T) {
	t.Parallel()
	// VerbUnused3 is a known, in-range ordinal (it must never be reassigned
	// to a new verb), so IsValid reports true even though it names nothing.
	require.True(t, VerbUnused3.IsValid())
	require.Equal(t, "UNUSED_3", VerbUnused3.String())
}

func TestVerb_OutOfRangeIsInvalid(t *testing.T) {
	t.Parallel()
	require.False(t, Verb(-1).IsValid())
	require.False(t, verbCount.IsValid())
	require.Equal(t, "VERB_UNKNOWN", Verb(9999).String())
}

func TestVerb_OnlyRequestResponseIsDroppable(t *testing.T) {
	t.Parallel()
	for v := Verb(0); v < verbCount; v++ {
		want := v == VerbRequestResponse
		require.Equal(t, want, v.IsDroppable(), "verb %s", v)
	}
}

func TestVerb_DynamicPayloadVerbsAreRequestAndInternalResponse(t *testing.T) {
	t.Parallel()
	require.True(t, VerbRequestResponse.hasDynamicPayload())
	require.True(t, VerbInternalResponse.hasDynamicPayload())
	require.False(t, VerbEcho.hasDynamicPayload())
}

func TestVerb_StageForKnownVerbsMatchesTable(t *testing.T) {
	t.Parallel()
	require.Equal(t, StageGossip, StageFor(VerbGossipDigestSYN))
	require.Equal(t, StageMigration, StageFor(VerbSchemaPullRequest))
	require.Equal(t, StageInternalResponse, StageFor(VerbEcho))
	require.Equal(t, StageRequestResponse, StageFor(VerbRequestResponse))
}

func TestVerb_StageForUnmappedVerbDefaultsToMisc(t *testing.T) {
	t.Parallel()
	require.Equal(t, StageMisc, StageFor(VerbUnused3))
}

func TestVerb_AllKnownVerbsHaveNonEmptyNames(t *testing.T) {
	t.Parallel()
	for v := Verb(0); v < verbCount; v++ {
		require.NotEmpty(t, v.String())
		require.NotEqual(t, "VERB_UNKNOWN", v.String(), "verb ordinal %d is missing from verbNames", v)
	}
}
