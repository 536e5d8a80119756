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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingDispatcher implements inboundDispatcher and records every
// message handed to it, for assertions without spinning up a real Hub.
type recordingDispatcher struct {
	versions *PeerVersionTable

	mu       sync.Mutex
	received []wireMessage
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{versions: newPeerVersionTable()}
}

func (d *recordingDispatcher) dispatchInbound(_ Endpoint, wm wireMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, wm)
}

func (d *recordingDispatcher) peerVersions() *PeerVersionTable { return d.versions }

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func TestInboundConnection_RecordsPeerVersionFromHeader(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer client.Close()

	d := newRecordingDispatcher()
	ic := NewInboundConnection(server, d, nil)
	doneCh := make(chan struct{})
	go func() {
		ic.serve()
		close(doneCh)
	}()

	require.NoError(t, writeFrameHeader(client, 5))

	require.Eventually(t, func() bool {
		v, ok := d.versions.Get(ic.from)
		return ok && v == 5
	}, time.Second, 5*time.Millisecond)

	client.Close()
	<-doneCh
}

func TestInboundConnection_DispatchesEachFrame(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer client.Close()

	d := newRecordingDispatcher()
	ic := NewInboundConnection(server, d, nil)
	doneCh := make(chan struct{})
	go func() {
		ic.serve()
		close(doneCh)
	}()

	w := bufio.NewWriter(client)
	require.NoError(t, writeFrameHeader(w, CurrentVersion))
	require.NoError(t, w.Flush())
	require.NoError(t, writeMessage(w, wireMessage{ID: 1, Verb: VerbEcho}))
	require.NoError(t, writeMessage(w, wireMessage{ID: 2, Verb: VerbEcho}))

	require.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 5*time.Millisecond)

	client.Close()
	<-doneCh
}

func TestInboundConnection_BadMagicClosesWithoutDispatch(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer client.Close()

	d := newRecordingDispatcher()
	ic := NewInboundConnection(server, d, nil)
	doneCh := make(chan struct{})
	go func() {
		ic.serve()
		close(doneCh)
	}()

	_, err := client.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("serve did not return after a bad-magic header")
	}
	require.Equal(t, 0, d.count())
}
