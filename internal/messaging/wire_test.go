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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackHeader_RoundTripsVersionStreamCompressed(t *testing.T) {
	t.Parallel()
	h := packHeader(7, true, false)
	version, isStream, isCompressed := unpackHeader(h)
	require.Equal(t, uint8(7), version)
	require.True(t, isStream)
	require.False(t, isCompressed)
}

func TestPackHeader_AllFieldsIndependent(t *testing.T) {
	t.Parallel()
	h := packHeader(255, false, true)
	version, isStream, isCompressed := unpackHeader(h)
	require.Equal(t, uint8(255), version)
	require.False(t, isStream)
	require.True(t, isCompressed)
}

func TestFrameHeader_RoundTrips(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, writeFrameHeader(&buf, 3))
	version, err := readFrameHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, uint8(3), version)
}

func TestFrameHeader_BadMagicRejected(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	_, err := readFrameHeader(&buf)
	require.Error(t, err)
	require.True(t, ErrBadMagic.Equal(err))
}

func TestWriteMessage_RoundTrips(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	in := wireMessage{
		ID:        42,
		Timestamp: 1234,
		Verb:      VerbEcho,
		Params: []wireParam{
			{Key: "a", Value: []byte("1")},
			{Key: paramFailureCallback, Value: []byte{1}},
		},
		Payload: []byte("hello"),
	}
	require.NoError(t, writeMessage(w, in))

	out, err := readMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Timestamp, out.Timestamp)
	require.Equal(t, in.Verb, out.Verb)
	require.Equal(t, in.Payload, out.Payload)
	require.Len(t, out.Params, 2)
	require.Equal(t, in.Params[0], out.Params[0])
	require.Equal(t, in.Params[1], out.Params[1])
}

func TestWriteMessage_EmptyParamsAndPayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	in := wireMessage{ID: 1, Verb: VerbGossipDigestSYN}
	require.NoError(t, writeMessage(w, in))

	out, err := readMessage(&buf)
	require.NoError(t, err)
	require.Empty(t, out.Params)
	require.Empty(t, out.Payload)
}

func TestReadMessage_TruncatedStreamIsError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeMessage(w, wireMessage{ID: 1, Verb: VerbEcho, Payload: []byte("x")}))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	_, err := readMessage(truncated)
	require.Error(t, err)
}
